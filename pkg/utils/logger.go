package utils

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger псевдоним для logrus.Logger, используется во всех пакетах сервиса
type Logger = logrus.Logger

// NewLogger создает настроенный логгер с заданным уровнем и форматом вывода
func NewLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logger.SetLevel(logrus.FatalLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if strings.ToLower(format) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return logger
}

// Default logger instance
var defaultLogger = NewLogger("info", "text")

// DefaultLogger логгер по умолчанию для пакетов без явной инициализации
var DefaultLogger = defaultLogger

// SetDefaultLogger устанавливает логгер по умолчанию
func SetDefaultLogger(logger *logrus.Logger) {
	defaultLogger = logger
	DefaultLogger = logger
}

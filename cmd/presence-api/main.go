package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geotrust/presence-backend/internal/config"
	"github.com/geotrust/presence-backend/internal/fraud"
	"github.com/geotrust/presence-backend/internal/handler"
	"github.com/geotrust/presence-backend/internal/learner"
	"github.com/geotrust/presence-backend/internal/metrics"
	"github.com/geotrust/presence-backend/internal/models"
	"github.com/geotrust/presence-backend/internal/mqtt"
	"github.com/geotrust/presence-backend/internal/service"
	"github.com/geotrust/presence-backend/internal/storage"
	"github.com/geotrust/presence-backend/pkg/utils"
)

var (
	// Устанавливаются при сборке через ldflags
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализируем логирование
	logger := utils.NewLogger(config.LogLevel(), config.LogFormat())
	utils.SetDefaultLogger(logger)
	logger.WithField("version", Version).Info("Starting presence verification backend")
	metrics.SetAppInfo(Version, Commit, BuildTime)

	// Создаем контекст приложения
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Инициализируем Redis хранилище (история, блокировки, состояние обучателя)
	redisStore, err := storage.NewRedisStore(&cfg.Redis, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to initialize Redis store")
	}
	defer redisStore.Close()

	if err := redisStore.Ping(ctx); err != nil {
		logger.WithField("error", err).Fatal("Failed to connect to Redis")
	}
	logger.Info("Connected to Redis")

	// Каталог геозон: MySQL если настроен, иначе in-memory
	var targets storage.TargetRepository
	if cfg.MySQL.DSN != "" {
		mysqlRepo, err := storage.NewMySQLTargetRepository(&cfg.MySQL, logger)
		if err != nil {
			logger.WithField("error", err).Fatal("Failed to initialize MySQL target repository")
		}
		defer mysqlRepo.Close()

		if err := mysqlRepo.Ping(ctx); err != nil {
			logger.WithField("error", err).Fatal("Failed to connect to MySQL")
		}
		logger.Info("Connected to MySQL")
		// Радиусные запросы кэшируются, MySQL видит только промахи
		targets = storage.NewCachedTargetRepository(mysqlRepo, 1024, time.Minute)
	} else {
		logger.Warn("MYSQL_DSN is not set, using in-memory target directory")
		targets = storage.NewMemoryTargetDirectory()
	}

	// Ядро верификации
	detector := fraud.NewDetector(redisStore, logger)
	thresholdLearner := learner.New(logger, cfg.Engine.LearnerMinDataPoints)

	verification := service.NewVerificationService(
		detector,
		thresholdLearner,
		targets,
		redisStore,
		cfg.Engine.SessionTTL,
		cfg.Engine.DefaultSearchRadiusM,
		cfg.Engine.MaxSearchRadiusM,
		logger,
	)

	// Восстанавливаем состояние обучателя из прошлого запуска
	if err := verification.RestoreLearnerState(ctx); err != nil {
		logger.WithField("error", err).Warn("Failed to restore learner state")
	}

	// Фоновая чистка сессий и периодическое сохранение обучателя
	go verification.RunSessionJanitor(ctx, time.Minute)
	go verification.RunLearnerPersistence(ctx, cfg.Engine.LearnerPersistInterval)

	// Создаем HTTP сервер
	server := handler.NewServer(cfg, verification, logger)

	// MQTT ingest опционален: поток наблюдений может приходить только по HTTP
	var mqttClient *mqtt.Client
	if cfg.MQTT.URL != "" {
		fixHandler := func(fix *models.PositionFix) error {
			_, err := verification.VerifyPresence(ctx, &service.VerifyRequest{
				UserID:    fix.UserID,
				SessionID: fix.SessionID,
				Fix:       *fix,
			})
			return err
		}

		mqttClient, err = mqtt.NewClient(&cfg.MQTT, logger, fixHandler)
		if err != nil {
			logger.WithField("error", err).Fatal("Failed to initialize MQTT client")
		}
		defer mqttClient.Disconnect()

		if err := mqttClient.Connect(); err != nil {
			logger.WithField("error", err).Fatal("Failed to connect to MQTT broker")
		}
		logger.Info("Connected to MQTT broker")
	} else {
		logger.Info("MQTT_URL is not set, fix ingest via HTTP only")
	}

	// Запускаем HTTP сервер в горутине
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithField("error", err).Fatal("Failed to start HTTP server")
		}
	}()

	// Ждем сигнала остановки
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.WithField("signal", sig).Info("Received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Отменяем контекст приложения
	cancel()

	// Останавливаем HTTP сервер
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err).Error("HTTP server shutdown error")
	}

	// Сохраняем состояние обучателя перед выходом
	if err := verification.PersistLearnerState(shutdownCtx); err != nil {
		logger.WithField("error", err).Error("Failed to persist learner state on shutdown")
	}

	logger.Info("Server stopped gracefully")
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит конфигурацию приложения
type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	MQTT        MQTTConfig
	MySQL       MySQLConfig
	Engine      EngineConfig
	Monitoring  MonitoringConfig
}

// ServerConfig конфигурация HTTP сервера
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	AdminToken   string
}

// RedisConfig конфигурация Redis
type RedisConfig struct {
	URL          string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// MQTTConfig конфигурация MQTT ingest
type MQTTConfig struct {
	URL          string
	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	OrderMatters bool
	FixTopic     string
}

// MySQLConfig конфигурация MySQL (каталог геозон)
type MySQLConfig struct {
	DSN          string
	MaxIdleConns int
	MaxOpenConns int
}

// EngineConfig конфигурация ядра верификации
type EngineConfig struct {
	// Холодный старт обучателя: минимум записей до контекстных поправок
	LearnerMinDataPoints int

	// Период сохранения состояния обучателя в хранилище
	LearnerPersistInterval time.Duration

	// Время жизни неактивной сессии сглаживания
	SessionTTL time.Duration

	// Радиус поиска ближайших зон по умолчанию, метры
	DefaultSearchRadiusM float64
	MaxSearchRadiusM     float64
}

// MonitoringConfig конфигурация мониторинга
type MonitoringConfig struct {
	MetricsEnabled bool
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Address:      getEnv("SERVER_ADDRESS", ":8080"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			AdminToken:   getEnv("ADMIN_TOKEN", ""),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getInt("REDIS_DB", 0),
			PoolSize:     getInt("REDIS_POOL_SIZE", 100),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 10),
		},
		MQTT: MQTTConfig{
			URL:          getEnv("MQTT_URL", ""),
			ClientID:     getEnv("MQTT_CLIENT_ID", "presence-api"),
			Username:     getEnv("MQTT_USERNAME", ""),
			Password:     getEnv("MQTT_PASSWORD", ""),
			CleanSession: getBool("MQTT_CLEAN_SESSION", false),
			OrderMatters: getBool("MQTT_ORDER_MATTERS", true),
			FixTopic:     getEnv("MQTT_FIX_TOPIC", "geotrust/fix/+"),
		},
		MySQL: MySQLConfig{
			DSN:          getEnv("MYSQL_DSN", ""),
			MaxIdleConns: getInt("MYSQL_MAX_IDLE_CONNS", 10),
			MaxOpenConns: getInt("MYSQL_MAX_OPEN_CONNS", 100),
		},
		Engine: EngineConfig{
			LearnerMinDataPoints:   getInt("LEARNER_MIN_DATA_POINTS", 100),
			LearnerPersistInterval: getDuration("LEARNER_PERSIST_INTERVAL", 5*time.Minute),
			SessionTTL:             getDuration("SESSION_TTL", 30*time.Minute),
			DefaultSearchRadiusM:   getFloat("DEFAULT_SEARCH_RADIUS_M", 1000),
			MaxSearchRadiusM:       getFloat("MAX_SEARCH_RADIUS_M", 10000),
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: getBool("METRICS_ENABLED", true),
		},
	}

	// Валидация
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("SERVER_ADDRESS is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Engine.LearnerMinDataPoints <= 0 {
		return fmt.Errorf("LEARNER_MIN_DATA_POINTS must be positive")
	}

	if c.Engine.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}

	if c.Engine.DefaultSearchRadiusM <= 0 || c.Engine.MaxSearchRadiusM <= 0 {
		return fmt.Errorf("search radius must be positive")
	}

	if c.Engine.DefaultSearchRadiusM > c.Engine.MaxSearchRadiusM {
		return fmt.Errorf("DEFAULT_SEARCH_RADIUS_M must not exceed MAX_SEARCH_RADIUS_M")
	}

	return nil
}

// Helper функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// LogLevel возвращает уровень логирования
func LogLevel() string {
	return getEnv("LOG_LEVEL", "info")
}

// LogFormat возвращает формат логирования
func LogFormat() string {
	return getEnv("LOG_FORMAT", "json")
}

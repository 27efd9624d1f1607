package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/geotrust/presence-backend/internal/config"
	"github.com/geotrust/presence-backend/internal/metrics"
	"github.com/geotrust/presence-backend/internal/models"
)

const (
	// Ключи хранилища
	HistoryPrefix    = "history:"    // history:{user_id} - список точек (новые слева)
	SuspiciousPrefix = "suspicious:" // suspicious:{user_id} - счетчик
	BlockedSetKey    = "blocked:users"
	LearnerStateKey  = "learner:state"

	// TTL для данных. Множество заблокированных намеренно без TTL:
	// блокировка переживает перезапуски до административного снятия.
	HistoryTTL    = 24 * time.Hour
	SuspiciousTTL = 7 * 24 * time.Hour
)

// RedisStore реализация HistoryStore и LearnerStore поверх Redis
type RedisStore struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewRedisStore создает Redis хранилище из конфигурации
func NewRedisStore(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.DB = cfg.DB
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.ConnMaxIdleTime = 30 * time.Minute
	opt.DialTimeout = 10 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	return &RedisStore{
		client: redis.NewClient(opt),
		logger: logger,
	}, nil
}

// Ping проверяет соединение с Redis
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close закрывает соединение с Redis
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// History возвращает историю пользователя, от старых точек к новым
func (s *RedisStore) History(ctx context.Context, userID string) ([]models.PositionFix, error) {
	timer := time.Now()
	defer func() {
		metrics.RedisOperationDuration.WithLabelValues("history_get").Observe(time.Since(timer).Seconds())
	}()

	raw, err := s.client.LRange(ctx, HistoryPrefix+userID, 0, -1).Result()
	if err != nil {
		metrics.RedisOperationErrors.WithLabelValues("history_get").Inc()
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	// Список хранится новыми точками слева, разворачиваем в хронологию
	points := make([]models.PositionFix, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var fix models.PositionFix
		if err := json.Unmarshal([]byte(raw[i]), &fix); err != nil {
			s.logger.WithField("user_id", userID).WithField("error", err).
				Warn("Skipping corrupted history entry")
			continue
		}
		points = append(points, fix)
	}
	return points, nil
}

// AppendHistory добавляет точку с обрезкой FIFO и обновлением TTL
func (s *RedisStore) AppendHistory(ctx context.Context, userID string, fix models.PositionFix, maxPoints int) error {
	timer := time.Now()
	defer func() {
		metrics.RedisOperationDuration.WithLabelValues("history_append").Observe(time.Since(timer).Seconds())
	}()

	data, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("failed to marshal fix: %w", err)
	}

	key := HistoryPrefix + userID
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, data)
	if maxPoints > 0 {
		pipe.LTrim(ctx, key, 0, int64(maxPoints-1))
	}
	pipe.Expire(ctx, key, HistoryTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RedisOperationErrors.WithLabelValues("history_append").Inc()
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ClearHistory удаляет историю и счетчик подозрительности
func (s *RedisStore) ClearHistory(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, HistoryPrefix+userID, SuspiciousPrefix+userID).Err(); err != nil {
		metrics.RedisOperationErrors.WithLabelValues("history_clear").Inc()
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// IncrementSuspicious атомарно увеличивает счетчик подозрительности
func (s *RedisStore) IncrementSuspicious(ctx context.Context, userID string) (int, error) {
	key := SuspiciousPrefix + userID
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, SuspiciousTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RedisOperationErrors.WithLabelValues("suspicious_incr").Inc()
		return 0, fmt.Errorf("failed to increment suspicious counter: %w", err)
	}
	return int(incr.Val()), nil
}

// SuspiciousCount возвращает текущее значение счетчика
func (s *RedisStore) SuspiciousCount(ctx context.Context, userID string) (int, error) {
	val, err := s.client.Get(ctx, SuspiciousPrefix+userID).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		metrics.RedisOperationErrors.WithLabelValues("suspicious_get").Inc()
		return 0, fmt.Errorf("failed to read suspicious counter: %w", err)
	}
	return val, nil
}

// Block добавляет пользователя в множество заблокированных
func (s *RedisStore) Block(ctx context.Context, userID string) error {
	if err := s.client.SAdd(ctx, BlockedSetKey, userID).Err(); err != nil {
		metrics.RedisOperationErrors.WithLabelValues("block").Inc()
		return fmt.Errorf("failed to block user: %w", err)
	}
	return nil
}

// Unblock снимает блокировку и сбрасывает счетчик подозрительности
func (s *RedisStore) Unblock(ctx context.Context, userID string) error {
	pipe := s.client.Pipeline()
	pipe.SRem(ctx, BlockedSetKey, userID)
	pipe.Del(ctx, SuspiciousPrefix+userID)

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RedisOperationErrors.WithLabelValues("unblock").Inc()
		return fmt.Errorf("failed to unblock user: %w", err)
	}
	return nil
}

// IsBlocked проверяет членство в множестве заблокированных
func (s *RedisStore) IsBlocked(ctx context.Context, userID string) (bool, error) {
	blocked, err := s.client.SIsMember(ctx, BlockedSetKey, userID).Result()
	if err != nil {
		metrics.RedisOperationErrors.WithLabelValues("is_blocked").Inc()
		return false, fmt.Errorf("failed to check blocked set: %w", err)
	}
	return blocked, nil
}

// Stats возвращает агрегированную статистику хранилища
func (s *RedisStore) Stats(ctx context.Context) (HistoryStats, error) {
	stats := HistoryStats{}

	blocked, err := s.client.SCard(ctx, BlockedSetKey).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to count blocked users: %w", err)
	}
	stats.BlockedUsers = int(blocked)

	// SCAN вместо KEYS, чтобы не блокировать Redis на больших базах
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, HistoryPrefix+"*", 1000).Result()
		if err != nil {
			return stats, fmt.Errorf("failed to scan history keys: %w", err)
		}
		stats.TrackedUsers += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	cursor = 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, SuspiciousPrefix+"*", 1000).Result()
		if err != nil {
			return stats, fmt.Errorf("failed to scan suspicious keys: %w", err)
		}
		stats.SuspiciousUsers += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return stats, nil
}

// SaveLearnerState сохраняет блоб состояния обучателя
func (s *RedisStore) SaveLearnerState(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, LearnerStateKey, data, 0).Err(); err != nil {
		metrics.RedisOperationErrors.WithLabelValues("learner_save").Inc()
		return fmt.Errorf("failed to save learner state: %w", err)
	}
	return nil
}

// LoadLearnerState возвращает последний сохраненный блоб состояния
func (s *RedisStore) LoadLearnerState(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, LearnerStateKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		metrics.RedisOperationErrors.WithLabelValues("learner_load").Inc()
		return nil, fmt.Errorf("failed to load learner state: %w", err)
	}
	return data, nil
}

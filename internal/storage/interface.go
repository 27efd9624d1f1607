package storage

import (
	"context"

	"github.com/geotrust/presence-backend/internal/models"
)

// HistoryStats агрегированная статистика хранилища истории
type HistoryStats struct {
	TrackedUsers    int `json:"tracked_users"`
	BlockedUsers    int `json:"blocked_users"`
	SuspiciousUsers int `json:"suspicious_users"`
}

// HistoryStore ограниченная история перемещений, счетчики подозрительности
// и множество заблокированных пользователей. Детектор мошенничества работает
// только через этот интерфейс, что позволяет тестировать его на in-memory
// реализации и разворачивать поверх Redis.
type HistoryStore interface {
	// Ping проверяет доступность хранилища
	Ping(ctx context.Context) error
	Close() error

	// История перемещений, от старых точек к новым
	History(ctx context.Context, userID string) ([]models.PositionFix, error)
	AppendHistory(ctx context.Context, userID string, fix models.PositionFix, maxPoints int) error
	ClearHistory(ctx context.Context, userID string) error

	// Счетчик подозрительных событий
	IncrementSuspicious(ctx context.Context, userID string) (int, error)
	SuspiciousCount(ctx context.Context, userID string) (int, error)

	// Терминальная блокировка до административного снятия
	Block(ctx context.Context, userID string) error
	Unblock(ctx context.Context, userID string) error
	IsBlocked(ctx context.Context, userID string) (bool, error)

	// Статистика для observability
	Stats(ctx context.Context) (HistoryStats, error)
}

// LearnerStore персистентность выученного состояния обучателя порогов.
// Формат блоба определяет сам обучатель (JSON экспорта/импорта).
type LearnerStore interface {
	SaveLearnerState(ctx context.Context, data []byte) error
	// LoadLearnerState возвращает (nil, nil), если состояние еще не сохранялось
	LoadLearnerState(ctx context.Context) ([]byte, error)
}

// TargetRepository каталог целевых геозон (магазинов)
type TargetRepository interface {
	Ping(ctx context.Context) error
	Close() error

	GetTarget(ctx context.Context, id string) (*models.GeofenceTarget, error)
	GetTargetsInRadius(ctx context.Context, center models.GeoPoint, radiusM float64) ([]*models.GeofenceTarget, error)
	SaveTarget(ctx context.Context, target *models.GeofenceTarget) error
	DeleteTarget(ctx context.Context, id string) error
}

// Ensure implementations
var _ HistoryStore = (*MemoryStore)(nil)
var _ LearnerStore = (*MemoryStore)(nil)
var _ HistoryStore = (*RedisStore)(nil)
var _ LearnerStore = (*RedisStore)(nil)
var _ TargetRepository = (*MemoryTargetDirectory)(nil)
var _ TargetRepository = (*MySQLTargetRepository)(nil)

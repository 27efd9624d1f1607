package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/geotrust/presence-backend/internal/models"
)

// MemoryStore in-memory реализация HistoryStore и LearnerStore.
// Используется по умолчанию и в тестах; данные живут до перезапуска процесса.
type MemoryStore struct {
	mu           sync.RWMutex
	history      map[string][]models.PositionFix
	suspicious   map[string]int
	blocked      map[string]bool
	learnerState []byte
}

// NewMemoryStore создает пустое in-memory хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		history:    make(map[string][]models.PositionFix),
		suspicious: make(map[string]int),
		blocked:    make(map[string]bool),
	}
}

// Ping всегда успешен для in-memory хранилища
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close освобождает хранилище
func (s *MemoryStore) Close() error { return nil }

// History возвращает копию истории пользователя, от старых точек к новым
func (s *MemoryStore) History(ctx context.Context, userID string) ([]models.PositionFix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	points, ok := s.history[userID]
	if !ok {
		return nil, nil
	}
	out := make([]models.PositionFix, len(points))
	copy(out, points)
	return out, nil
}

// AppendHistory добавляет точку в историю пользователя с обрезкой FIFO
func (s *MemoryStore) AppendHistory(ctx context.Context, userID string, fix models.PositionFix, maxPoints int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	points := append(s.history[userID], fix)
	if maxPoints > 0 && len(points) > maxPoints {
		points = points[len(points)-maxPoints:]
	}
	s.history[userID] = points
	return nil
}

// ClearHistory удаляет историю и счетчик подозрительности пользователя
func (s *MemoryStore) ClearHistory(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.history, userID)
	delete(s.suspicious, userID)
	return nil
}

// IncrementSuspicious увеличивает счетчик подозрительных событий
func (s *MemoryStore) IncrementSuspicious(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.suspicious[userID]++
	return s.suspicious[userID], nil
}

// SuspiciousCount возвращает текущее значение счетчика
func (s *MemoryStore) SuspiciousCount(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.suspicious[userID], nil
}

// Block добавляет пользователя в множество заблокированных
func (s *MemoryStore) Block(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocked[userID] = true
	return nil
}

// Unblock снимает блокировку и сбрасывает счетчик подозрительности
func (s *MemoryStore) Unblock(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blocked, userID)
	delete(s.suspicious, userID)
	return nil
}

// IsBlocked проверяет, заблокирован ли пользователь
func (s *MemoryStore) IsBlocked(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.blocked[userID], nil
}

// Stats возвращает агрегированную статистику хранилища
func (s *MemoryStore) Stats(ctx context.Context) (HistoryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suspicious := 0
	for _, count := range s.suspicious {
		if count > 0 {
			suspicious++
		}
	}

	return HistoryStats{
		TrackedUsers:    len(s.history),
		BlockedUsers:    len(s.blocked),
		SuspiciousUsers: suspicious,
	}, nil
}

// SaveLearnerState сохраняет блоб состояния обучателя
func (s *MemoryStore) SaveLearnerState(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.learnerState = make([]byte, len(data))
	copy(s.learnerState, data)
	return nil
}

// LoadLearnerState возвращает последний сохраненный блоб состояния
func (s *MemoryStore) LoadLearnerState(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.learnerState == nil {
		return nil, nil
	}
	out := make([]byte, len(s.learnerState))
	copy(out, s.learnerState)
	return out, nil
}

// MemoryTargetDirectory in-memory каталог целевых зон. Используется как
// fallback при недоступном MySQL и в тестах.
type MemoryTargetDirectory struct {
	mu      sync.RWMutex
	targets map[string]*models.GeofenceTarget
}

// NewMemoryTargetDirectory создает пустой каталог
func NewMemoryTargetDirectory() *MemoryTargetDirectory {
	return &MemoryTargetDirectory{
		targets: make(map[string]*models.GeofenceTarget),
	}
}

// Ping всегда успешен для in-memory каталога
func (d *MemoryTargetDirectory) Ping(ctx context.Context) error { return nil }

// Close освобождает каталог
func (d *MemoryTargetDirectory) Close() error { return nil }

// GetTarget возвращает зону по идентификатору
func (d *MemoryTargetDirectory) GetTarget(ctx context.Context, id string) (*models.GeofenceTarget, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	target, ok := d.targets[id]
	if !ok {
		return nil, fmt.Errorf("target not found: %s", id)
	}
	clone := *target
	return &clone, nil
}

// GetTargetsInRadius возвращает зоны в радиусе от центра.
// Грубый прямоугольный префильтр, затем точный haversine.
func (d *MemoryTargetDirectory) GetTargetsInRadius(ctx context.Context, center models.GeoPoint, radiusM float64) ([]*models.GeofenceTarget, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	bounds := models.BoundsAround(center, radiusM)
	var result []*models.GeofenceTarget
	for _, target := range d.targets {
		if !bounds.Contains(target.Position) {
			continue
		}
		if center.DistanceTo(target.Position) <= radiusM {
			clone := *target
			result = append(result, &clone)
		}
	}
	return result, nil
}

// SaveTarget добавляет или обновляет зону
func (d *MemoryTargetDirectory) SaveTarget(ctx context.Context, target *models.GeofenceTarget) error {
	if err := target.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	clone := *target
	d.targets[target.ID] = &clone
	return nil
}

// DeleteTarget удаляет зону из каталога
func (d *MemoryTargetDirectory) DeleteTarget(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.targets, id)
	return nil
}

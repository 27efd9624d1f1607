package storage

import (
	"context"
	"time"

	"github.com/geotrust/presence-backend/internal/geo"
	"github.com/geotrust/presence-backend/internal/models"
)

// CachedTargetRepository декоратор над TargetRepository с LRU-кэшем
// радиусных запросов. Запросы верификации кластеризуются вокруг одних
// и тех же магазинов, поэтому кэш снимает большую часть нагрузки с MySQL.
type CachedTargetRepository struct {
	inner TargetRepository
	cache *geo.TargetCache
}

var _ TargetRepository = (*CachedTargetRepository)(nil)

// NewCachedTargetRepository оборачивает репозиторий кэшем радиусных запросов
func NewCachedTargetRepository(inner TargetRepository, capacity int, ttl time.Duration) *CachedTargetRepository {
	return &CachedTargetRepository{
		inner: inner,
		cache: geo.NewTargetCache(capacity, ttl, 6),
	}
}

// Ping проверяет доступность нижележащего репозитория
func (r *CachedTargetRepository) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}

// Close закрывает нижележащий репозиторий
func (r *CachedTargetRepository) Close() error {
	return r.inner.Close()
}

// GetTarget проксирует запрос одной зоны без кэширования: точечные
// чтения дешевы, а консистентность после SaveTarget важнее
func (r *CachedTargetRepository) GetTarget(ctx context.Context, id string) (*models.GeofenceTarget, error) {
	return r.inner.GetTarget(ctx, id)
}

// GetTargetsInRadius возвращает зоны в радиусе, используя кэш
func (r *CachedTargetRepository) GetTargetsInRadius(ctx context.Context, center models.GeoPoint, radiusM float64) ([]*models.GeofenceTarget, error) {
	if targets, ok := r.cache.Get(center, radiusM); ok {
		return targets, nil
	}

	targets, err := r.inner.GetTargetsInRadius(ctx, center, radiusM)
	if err != nil {
		return nil, err
	}

	r.cache.Set(center, radiusM, targets)
	return targets, nil
}

// SaveTarget сохраняет зону и сбрасывает кэш
func (r *CachedTargetRepository) SaveTarget(ctx context.Context, target *models.GeofenceTarget) error {
	if err := r.inner.SaveTarget(ctx, target); err != nil {
		return err
	}
	r.cache.Clear()
	return nil
}

// DeleteTarget удаляет зону и сбрасывает кэш
func (r *CachedTargetRepository) DeleteTarget(ctx context.Context, id string) error {
	if err := r.inner.DeleteTarget(ctx, id); err != nil {
		return err
	}
	r.cache.Clear()
	return nil
}

// CacheStats возвращает статистику кэша
func (r *CachedTargetRepository) CacheStats() (hits, misses uint64, hitRate float64) {
	return r.cache.Stats()
}

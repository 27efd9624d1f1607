package geo

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geotrust/presence-backend/internal/models"
)

func testTargets(n int) []*models.GeofenceTarget {
	targets := make([]*models.GeofenceTarget, n)
	for i := range targets {
		targets[i] = &models.GeofenceTarget{
			ID:       fmt.Sprintf("store-%d", i),
			Position: models.GeoPoint{Latitude: 55.75, Longitude: 37.61},
			RadiusM:  120,
		}
	}
	return targets
}

func TestTargetCache_HitAndMiss(t *testing.T) {
	cache := NewTargetCache(16, time.Minute, 6)
	center := models.GeoPoint{Latitude: 55.75, Longitude: 37.61}

	_, ok := cache.Get(center, 500)
	assert.False(t, ok)

	cache.Set(center, 500, testTargets(3))

	targets, ok := cache.Get(center, 500)
	require.True(t, ok)
	assert.Len(t, targets, 3)

	hits, misses, hitRate := cache.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
	assert.InDelta(t, 0.5, hitRate, 0.01)
}

func TestTargetCache_NearbyQueriesShareEntry(t *testing.T) {
	cache := NewTargetCache(16, time.Minute, 6)

	// Точки в десятке метров друг от друга попадают в одну ячейку
	cache.Set(models.GeoPoint{Latitude: 55.7500, Longitude: 37.6100}, 500, testTargets(2))

	_, ok := cache.Get(models.GeoPoint{Latitude: 55.75001, Longitude: 37.61001}, 500)
	assert.True(t, ok)
}

func TestTargetCache_RadiusBuckets(t *testing.T) {
	cache := NewTargetCache(16, time.Minute, 6)
	center := models.GeoPoint{Latitude: 55.75, Longitude: 37.61}

	cache.Set(center, 500, testTargets(2))

	// Другой бакет радиуса дает отдельную запись
	_, ok := cache.Get(center, 2000)
	assert.False(t, ok)
}

func TestTargetCache_TTLExpiry(t *testing.T) {
	cache := NewTargetCache(16, 10*time.Millisecond, 6)
	center := models.GeoPoint{Latitude: 55.75, Longitude: 37.61}

	cache.Set(center, 500, testTargets(1))
	time.Sleep(20 * time.Millisecond)

	_, ok := cache.Get(center, 500)
	assert.False(t, ok)
}

func TestTargetCache_LRUEviction(t *testing.T) {
	cache := NewTargetCache(2, time.Minute, 6)

	// Три разных ячейки при вместимости два: первая вытесняется
	a := models.GeoPoint{Latitude: 55.75, Longitude: 37.61}
	b := models.GeoPoint{Latitude: 48.85, Longitude: 2.35}
	c := models.GeoPoint{Latitude: 40.71, Longitude: -74.0}

	cache.Set(a, 500, testTargets(1))
	cache.Set(b, 500, testTargets(1))
	cache.Set(c, 500, testTargets(1))

	assert.Equal(t, 2, cache.Size())
	_, ok := cache.Get(a, 500)
	assert.False(t, ok)
	_, ok = cache.Get(c, 500)
	assert.True(t, ok)
}

func TestTargetCache_Clear(t *testing.T) {
	cache := NewTargetCache(16, time.Minute, 6)
	center := models.GeoPoint{Latitude: 55.75, Longitude: 37.61}

	cache.Set(center, 500, testTargets(1))
	cache.Clear()

	assert.Equal(t, 0, cache.Size())
	_, ok := cache.Get(center, 500)
	assert.False(t, ok)
}

func TestOptimalPrecision(t *testing.T) {
	// Чем меньше радиус, тем точнее ячейка
	assert.Equal(t, 8, OptimalPrecision(100))
	assert.Equal(t, 7, OptimalPrecision(1000))
	assert.Equal(t, 6, OptimalPrecision(10000))
	assert.GreaterOrEqual(t, OptimalPrecision(100000), 4)
}

func TestCover(t *testing.T) {
	cells := Cover(55.75, 37.61, 1000, 0)

	assert.NotEmpty(t, cells)
	// Ячейки уникальны
	seen := make(map[string]struct{})
	for _, cell := range cells {
		_, dup := seen[cell]
		assert.False(t, dup, "duplicate cell %s", cell)
		seen[cell] = struct{}{}
	}
}

func TestCover_CompleteAtAnyRadius(t *testing.T) {
	center := models.GeoPoint{Latitude: 55.75, Longitude: 37.61}

	// Радиус 30 км при ячейке ~5 км требует шести колец от центра:
	// покрытие обязано расти вместе с радиусом
	for _, radiusM := range []float64{500, 1000, 10000, 30000} {
		cells := Cover(center.Latitude, center.Longitude, radiusM, 5)

		covered := make(map[string]struct{}, len(cells))
		for _, cell := range cells {
			covered[cell] = struct{}{}
		}

		// Точки у края радиуса по четырем направлениям попадают в покрытие
		offset := radiusM * 0.95 / 111194.9
		lonScale := 1 / 0.5628 // cos(55.75°)
		edges := []models.GeoPoint{
			{Latitude: center.Latitude + offset, Longitude: center.Longitude},
			{Latitude: center.Latitude - offset, Longitude: center.Longitude},
			{Latitude: center.Latitude, Longitude: center.Longitude + offset*lonScale},
			{Latitude: center.Latitude, Longitude: center.Longitude - offset*lonScale},
		}
		for _, edge := range edges {
			assert.Contains(t, covered, edge.Geohash(5),
				"radius %.0f: edge point %v not covered", radiusM, edge)
		}
	}
}

func TestCover_StaysTightForSmallRadius(t *testing.T) {
	// Маленький радиус не раздувает префильтр каталога
	cells := Cover(55.75, 37.61, 500, 5)
	assert.LessOrEqual(t, len(cells), 9)
}

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geotrust/presence-backend/internal/models"
)

func fixAt(lat float64, ts time.Time) models.PositionFix {
	return models.PositionFix{
		UserID:    "user-1",
		Position:  models.GeoPoint{Latitude: lat, Longitude: 37.61},
		Accuracy:  15,
		Timestamp: ts,
	}
}

func TestMemoryStore_History(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	t.Run("EmptyHistory", func(t *testing.T) {
		history, err := s.History(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("AppendPreservesOrder", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			require.NoError(t, s.AppendHistory(ctx, "user-1", fixAt(55.75+float64(i), base.Add(time.Duration(i)*time.Second)), 20))
		}

		history, err := s.History(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, history, 5)
		assert.Equal(t, 55.75, history[0].Position.Latitude)
		assert.Equal(t, 59.75, history[4].Position.Latitude)
	})

	t.Run("FIFOTrim", func(t *testing.T) {
		for i := 0; i < 30; i++ {
			require.NoError(t, s.AppendHistory(ctx, "user-2", fixAt(float64(i), base), 20))
		}

		history, err := s.History(ctx, "user-2")
		require.NoError(t, err)
		require.Len(t, history, 20)
		// Остались последние 20 точек
		assert.Equal(t, float64(10), history[0].Position.Latitude)
		assert.Equal(t, float64(29), history[19].Position.Latitude)
	})

	t.Run("ClearHistory", func(t *testing.T) {
		require.NoError(t, s.ClearHistory(ctx, "user-1"))
		history, err := s.History(ctx, "user-1")
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("ReturnedSliceIsCopy", func(t *testing.T) {
		require.NoError(t, s.AppendHistory(ctx, "user-3", fixAt(1, base), 20))
		history, _ := s.History(ctx, "user-3")
		history[0].Position.Latitude = 99

		again, _ := s.History(ctx, "user-3")
		assert.Equal(t, float64(1), again[0].Position.Latitude)
	})
}

func TestMemoryStore_SuspiciousAndBlocking(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	count, err := s.IncrementSuspicious(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = s.IncrementSuspicious(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	blocked, err := s.IsBlocked(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, s.Block(ctx, "user-1"))
	blocked, _ = s.IsBlocked(ctx, "user-1")
	assert.True(t, blocked)

	// Разблокировка сбрасывает и счетчик подозрительности
	require.NoError(t, s.Unblock(ctx, "user-1"))
	blocked, _ = s.IsBlocked(ctx, "user-1")
	assert.False(t, blocked)
	count, _ = s.SuspiciousCount(ctx, "user-1")
	assert.Equal(t, 0, count)
}

func TestMemoryStore_Stats(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.AppendHistory(ctx, "a", fixAt(1, time.Now()), 20)
	s.AppendHistory(ctx, "b", fixAt(2, time.Now()), 20)
	s.IncrementSuspicious(ctx, "a")
	s.Block(ctx, "c")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TrackedUsers)
	assert.Equal(t, 1, stats.BlockedUsers)
	assert.Equal(t, 1, stats.SuspiciousUsers)
}

func TestMemoryStore_LearnerState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Отсутствие состояния не является ошибкой
	data, err := s.LoadLearnerState(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.SaveLearnerState(ctx, []byte(`{"config":{}}`)))
	data, err = s.LoadLearnerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"config":{}}`), data)
}

func makeTarget(id string, lat, lon float64) *models.GeofenceTarget {
	return &models.GeofenceTarget{
		ID:       id,
		Name:     "Store " + id,
		Position: models.GeoPoint{Latitude: lat, Longitude: lon},
		RadiusM:  120,
	}
}

func TestMemoryTargetDirectory(t *testing.T) {
	d := NewMemoryTargetDirectory()
	ctx := context.Background()

	near := makeTarget("near", 55.75, 37.61)
	// ~5 км севернее
	far := makeTarget("far", 55.795, 37.61)
	require.NoError(t, d.SaveTarget(ctx, near))
	require.NoError(t, d.SaveTarget(ctx, far))

	t.Run("GetTarget", func(t *testing.T) {
		target, err := d.GetTarget(ctx, "near")
		require.NoError(t, err)
		assert.Equal(t, "near", target.ID)
	})

	t.Run("GetTargetNotFound", func(t *testing.T) {
		_, err := d.GetTarget(ctx, "missing")
		assert.Error(t, err)
	})

	t.Run("RadiusQuery", func(t *testing.T) {
		targets, err := d.GetTargetsInRadius(ctx, models.GeoPoint{Latitude: 55.751, Longitude: 37.61}, 1000)
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, "near", targets[0].ID)
	})

	t.Run("RadiusQueryCoversBoth", func(t *testing.T) {
		targets, err := d.GetTargetsInRadius(ctx, models.GeoPoint{Latitude: 55.751, Longitude: 37.61}, 10000)
		require.NoError(t, err)
		assert.Len(t, targets, 2)
	})

	t.Run("SaveRejectsInvalid", func(t *testing.T) {
		bad := makeTarget("bad", 200, 37.61)
		assert.Error(t, d.SaveTarget(ctx, bad))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, d.DeleteTarget(ctx, "far"))
		_, err := d.GetTarget(ctx, "far")
		assert.Error(t, err)
	})
}

func TestCachedTargetRepository(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryTargetDirectory()
	require.NoError(t, inner.SaveTarget(ctx, makeTarget("store-1", 55.75, 37.61)))

	cached := NewCachedTargetRepository(inner, 16, time.Minute)
	center := models.GeoPoint{Latitude: 55.7501, Longitude: 37.61}

	t.Run("SecondQueryServedFromCache", func(t *testing.T) {
		first, err := cached.GetTargetsInRadius(ctx, center, 500)
		require.NoError(t, err)
		require.Len(t, first, 1)

		second, err := cached.GetTargetsInRadius(ctx, center, 500)
		require.NoError(t, err)
		require.Len(t, second, 1)

		hits, misses, _ := cached.CacheStats()
		assert.Equal(t, uint64(1), hits)
		assert.Equal(t, uint64(1), misses)
	})

	t.Run("SaveInvalidatesCache", func(t *testing.T) {
		require.NoError(t, cached.SaveTarget(ctx, makeTarget("store-2", 55.7502, 37.61)))

		targets, err := cached.GetTargetsInRadius(ctx, center, 500)
		require.NoError(t, err)
		assert.Len(t, targets, 2)
	})

	t.Run("DeleteInvalidatesCache", func(t *testing.T) {
		require.NoError(t, cached.DeleteTarget(ctx, "store-2"))

		targets, err := cached.GetTargetsInRadius(ctx, center, 500)
		require.NoError(t, err)
		assert.Len(t, targets, 1)
	})

	t.Run("GetTargetBypassesCache", func(t *testing.T) {
		target, err := cached.GetTarget(ctx, "store-1")
		require.NoError(t, err)
		assert.Equal(t, "store-1", target.ID)
	})
}

func TestMemoryTargetDirectory_ManyTargets(t *testing.T) {
	d := NewMemoryTargetDirectory()
	ctx := context.Background()

	// Сетка зон вокруг центра с шагом ~1.1 км
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			id := fmt.Sprintf("store-%d-%d", i, j)
			require.NoError(t, d.SaveTarget(ctx, makeTarget(id, 55.70+float64(i)*0.01, 37.55+float64(j)*0.01)))
		}
	}

	targets, err := d.GetTargetsInRadius(ctx, models.GeoPoint{Latitude: 55.745, Longitude: 37.595}, 1500)
	require.NoError(t, err)
	assert.NotEmpty(t, targets)
	for _, target := range targets {
		center := models.GeoPoint{Latitude: 55.745, Longitude: 37.595}
		assert.LessOrEqual(t, center.DistanceTo(target.Position), 1500.0)
	}
}

package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geotrust/presence-backend/internal/models"
	"github.com/geotrust/presence-backend/internal/storage"
	"github.com/geotrust/presence-backend/pkg/utils"
)

func latOffset(meters float64) float64 {
	return meters / 111194.9
}

func newTestDetector() *Detector {
	logger := utils.NewLogger("error", "text")
	return NewDetector(storage.NewMemoryStore(), logger)
}

func makeFix(userID string, lat, lon, accuracy float64, ts time.Time) models.PositionFix {
	return models.PositionFix{
		UserID:    userID,
		SessionID: "session-1",
		Position:  models.GeoPoint{Latitude: lat, Longitude: lon},
		Accuracy:  accuracy,
		Timestamp: ts,
	}
}

func TestDetector_FirstFixOnlySeeds(t *testing.T) {
	d := newTestDetector()
	ctx := context.Background()

	result := d.DetectSpoofing(ctx, makeFix("user-1", 55.75, 37.61, 15, time.Now()))

	assert.Equal(t, 0, result.Score)
	assert.Equal(t, models.SeverityLow, result.Severity)
	assert.False(t, result.ShouldBlock)
	assert.Empty(t, result.Reasons)
}

func TestDetector_WalkingStreamIsClean(t *testing.T) {
	d := newTestDetector()
	ctx := context.Background()
	base := time.Now()

	// Пешеход: неравномерные шаги 3-9 метров каждые 5 секунд
	steps := []float64{0, 3, 9, 5, 8, 4, 7, 6}
	offset := 0.0
	for i, step := range steps {
		offset += step
		result := d.DetectSpoofing(ctx, makeFix("walker", 55.75+latOffset(offset), 37.61, 15, base.Add(time.Duration(i*5)*time.Second)))
		assert.Equal(t, 0, result.Score, "step %d", i)
	}
}

func TestDetector_Teleportation(t *testing.T) {
	d := newTestDetector()
	ctx := context.Background()
	base := time.Now()

	d.DetectSpoofing(ctx, makeFix("jumper", 55.75, 37.61, 15, base))

	// 2 км за 10 секунд: телепортация плюс невозможная скорость
	result := d.DetectSpoofing(ctx, makeFix("jumper", 55.75+latOffset(2000), 37.61, 15, base.Add(10*time.Second)))

	assert.GreaterOrEqual(t, result.Score, 80)
	assert.True(t, result.ShouldBlock)
	assert.Equal(t, models.SeverityCritical, result.Severity)
	assert.NotEmpty(t, result.Reasons)
}

func TestDetector_BlockedUserShortCircuits(t *testing.T) {
	d := newTestDetector()
	ctx := context.Background()
	base := time.Now()

	d.DetectSpoofing(ctx, makeFix("jumper", 55.75, 37.61, 15, base))
	d.DetectSpoofing(ctx, makeFix("jumper", 55.75+latOffset(2000), 37.61, 15, base.Add(10*time.Second)))
	require.True(t, d.IsUserBlocked(ctx, "jumper"))

	// Дальше любое наблюдение получает критический счет без проверок
	result := d.DetectSpoofing(ctx, makeFix("jumper", 55.75, 37.61, 15, base.Add(20*time.Second)))

	assert.Equal(t, 100, result.Score)
	assert.True(t, result.ShouldBlock)
	assert.Equal(t, []string{"user is blocked"}, result.Reasons)
}

func TestDetector_VehicleSpeedWithoutTeleport(t *testing.T) {
	d := newTestDetector()
	ctx := context.Background()
	base := time.Now()

	d.DetectSpoofing(ctx, makeFix("driver", 55.75, 37.61, 15, base))

	// 2.5 км за 65 секунд: ~38 м/с, но окно телепортации уже прошло
	result := d.DetectSpoofing(ctx, makeFix("driver", 55.75+latOffset(2500), 37.61, 15, base.Add(65*time.Second)))

	assert.Equal(t, 40, result.Score)
	assert.False(t, result.ShouldBlock)
	assert.Equal(t, models.SeverityMedium, result.Severity)
}

func TestDetector_SubMeterAccuracy(t *testing.T) {
	d := newTestDetector()
	ctx := context.Background()
	base := time.Now()

	d.DetectSpoofing(ctx, makeFix("precise", 55.75, 37.61, 15, base))

	// Заявленная точность 0.3 метра типична для mock-провайдеров
	result := d.DetectSpoofing(ctx, makeFix("precise", 55.75+latOffset(3), 37.61, 0.3, base.Add(5*time.Second)))

	assert.Equal(t, 15, result.Score)
	assert.Equal(t, models.SeverityLow, result.Severity)
}

func TestDetector_TimestampRegression(t *testing.T) {
	d := newTestDetector()
	ctx := context.Background()
	base := time.Now()

	d.DetectSpoofing(ctx, makeFix("rewinder", 55.75, 37.61, 15, base))

	result := d.DetectSpoofing(ctx, makeFix("rewinder", 55.75+latOffset(2), 37.61, 15, base.Add(-10*time.Second)))

	assert.Equal(t, 30, result.Score)
	assert.Contains(t, result.Reasons, "timestamp regression")
}

func TestDetector_RepetitivePattern(t *testing.T) {
	d := newTestDetector()
	ctx := context.Background()
	base := time.Now()

	// Скриптовый повтор: ровно 10 метров каждые 5 секунд
	var result models.AnomalyScore
	for i := 0; i < 6; i++ {
		result = d.DetectSpoofing(ctx, makeFix("bot", 55.75+latOffset(float64(i)*10), 37.61, 15, base.Add(time.Duration(i*5)*time.Second)))
	}

	assert.Equal(t, 20, result.Score)
	require.NotEmpty(t, result.Reasons)
	assert.Contains(t, result.Reasons[0], "repetitive movement pattern")
}

func TestDetector_AccuracyJump(t *testing.T) {
	d := newTestDetector()
	ctx := context.Background()
	base := time.Now()

	d.DetectSpoofing(ctx, makeFix("flaky", 55.75, 37.61, 5, base))

	result := d.DetectSpoofing(ctx, makeFix("flaky", 55.75+latOffset(3), 37.61, 120, base.Add(5*time.Second)))

	assert.Equal(t, 10, result.Score)
}

func TestDetector_RiskScoreAndUnblock(t *testing.T) {
	d := newTestDetector()
	ctx := context.Background()
	base := time.Now()

	d.DetectSpoofing(ctx, makeFix("offender", 55.75, 37.61, 15, base))
	// Подозрительное событие: счетчик увеличивается
	d.DetectSpoofing(ctx, makeFix("offender", 55.75+latOffset(2500), 37.61, 15, base.Add(65*time.Second)))

	assert.Equal(t, 15, d.GetUserRiskScore(ctx, "offender"))

	// Блокируем телепортацией, затем снимаем административно
	d.DetectSpoofing(ctx, makeFix("offender", 55.75, 37.61, 15, base.Add(70*time.Second)))
	require.True(t, d.IsUserBlocked(ctx, "offender"))

	require.NoError(t, d.UnblockUser(ctx, "offender"))
	assert.False(t, d.IsUserBlocked(ctx, "offender"))
	assert.Equal(t, 0, d.GetUserRiskScore(ctx, "offender"))
}

func TestDetector_ClearHistory(t *testing.T) {
	d := newTestDetector()
	ctx := context.Background()
	base := time.Now()

	d.DetectSpoofing(ctx, makeFix("user-1", 55.75, 37.61, 15, base))
	require.NoError(t, d.ClearHistory(ctx, "user-1"))

	// После очистки первое наблюдение снова только засевает историю
	result := d.DetectSpoofing(ctx, makeFix("user-1", 55.75+latOffset(5000), 37.61, 15, base.Add(5*time.Second)))
	assert.Equal(t, 0, result.Score)
}

func TestDetector_Statistics(t *testing.T) {
	d := newTestDetector()
	ctx := context.Background()
	base := time.Now()

	d.DetectSpoofing(ctx, makeFix("user-1", 55.75, 37.61, 15, base))
	d.DetectSpoofing(ctx, makeFix("user-2", 55.75, 37.61, 15, base))
	d.DetectSpoofing(ctx, makeFix("user-2", 55.75+latOffset(2000), 37.61, 15, base.Add(10*time.Second)))

	stats, err := d.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TrackedUsers)
	assert.Equal(t, 1, stats.BlockedUsers)
}

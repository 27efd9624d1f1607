package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geotrust/presence-backend/internal/fraud"
	"github.com/geotrust/presence-backend/internal/learner"
	"github.com/geotrust/presence-backend/internal/models"
	"github.com/geotrust/presence-backend/internal/storage"
	"github.com/geotrust/presence-backend/pkg/utils"
)

// latOffset переводит метры в градусы широты
func latOffset(meters float64) float64 {
	return meters / 111194.9
}

func newTestService(t *testing.T, sessionTTL time.Duration) (*VerificationService, *storage.MemoryTargetDirectory) {
	t.Helper()

	logger := utils.NewLogger("error", "text")
	store := storage.NewMemoryStore()
	targets := storage.NewMemoryTargetDirectory()
	detector := fraud.NewDetector(store, logger)
	thresholdLearner := learner.New(logger, 1000)

	svc := NewVerificationService(detector, thresholdLearner, targets, store, sessionTTL, 1000, 10000, logger)
	return svc, targets
}

func addTarget(t *testing.T, targets *storage.MemoryTargetDirectory, id string, lat, lon, radius float64) {
	t.Helper()
	require.NoError(t, targets.SaveTarget(context.Background(), &models.GeofenceTarget{
		ID:       id,
		Name:     "Store " + id,
		Position: models.GeoPoint{Latitude: lat, Longitude: lon},
		RadiusM:  radius,
	}))
}

func makeFix(lat, lon, accuracy float64, ts time.Time) models.PositionFix {
	return models.PositionFix{
		Position:  models.GeoPoint{Latitude: lat, Longitude: lon},
		Accuracy:  accuracy,
		Timestamp: ts,
	}
}

func TestVerifyPresence_AllowNearTarget(t *testing.T) {
	svc, targets := newTestService(t, 30*time.Minute)
	addTarget(t, targets, "store-1", 55.75, 37.61, 120)

	decision, err := svc.VerifyPresence(context.Background(), &VerifyRequest{
		UserID: "user-1",
		Fix:    makeFix(55.75, 37.61, 8, time.Now()),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, decision.SessionID)
	assert.Equal(t, models.PositionSourceInitial, decision.Position.Source)
	assert.Equal(t, models.StatusAllow, decision.Status)
	require.Len(t, decision.Results, 1)
	assert.Equal(t, "store-1", decision.Results[0].TargetID)
	assert.Equal(t, models.StatusAllow, decision.Results[0].Status)
}

func TestVerifyPresence_RequiresUserID(t *testing.T) {
	svc, _ := newTestService(t, 30*time.Minute)

	_, err := svc.VerifyPresence(context.Background(), &VerifyRequest{
		Fix: makeFix(55.75, 37.61, 10, time.Now()),
	})
	assert.Error(t, err)
}

func TestVerifyPresence_RejectsInvalidFix(t *testing.T) {
	svc, _ := newTestService(t, 30*time.Minute)

	_, err := svc.VerifyPresence(context.Background(), &VerifyRequest{
		UserID: "user-1",
		Fix:    makeFix(120, 37.61, 10, time.Now()),
	})
	assert.Error(t, err)
}

func TestVerifyPresence_BlocksOnTeleport(t *testing.T) {
	svc, targets := newTestService(t, 30*time.Minute)
	addTarget(t, targets, "store-1", 55.75, 37.61, 120)
	ctx := context.Background()
	base := time.Now()

	_, err := svc.VerifyPresence(ctx, &VerifyRequest{
		UserID: "user-1",
		Fix:    makeFix(55.75, 37.61, 10, base),
	})
	require.NoError(t, err)

	// Скачок на два километра за десять секунд
	decision, err := svc.VerifyPresence(ctx, &VerifyRequest{
		UserID: "user-1",
		Fix:    makeFix(55.75+latOffset(2000), 37.61, 10, base.Add(10*time.Second)),
	})
	require.NoError(t, err)

	assert.True(t, decision.Anomaly.ShouldBlock)
	assert.Equal(t, models.StatusBlock, decision.Status)
	require.Len(t, decision.Results, 1)
	assert.Equal(t, models.StatusBlock, decision.Results[0].Status)
	assert.Equal(t, float64(-1), decision.Results[0].DistanceM)
}

func TestVerifyPresence_SessionReuseKeepsFilterState(t *testing.T) {
	svc, targets := newTestService(t, 30*time.Minute)
	addTarget(t, targets, "store-1", 55.75, 37.61, 120)
	ctx := context.Background()
	base := time.Now()

	first, err := svc.VerifyPresence(ctx, &VerifyRequest{
		UserID: "user-1",
		Fix:    makeFix(55.75, 37.61, 10, base),
	})
	require.NoError(t, err)
	assert.Equal(t, models.PositionSourceInitial, first.Position.Source)

	second, err := svc.VerifyPresence(ctx, &VerifyRequest{
		UserID:    "user-1",
		SessionID: first.SessionID,
		Fix:       makeFix(55.75+latOffset(3), 37.61, 10, base.Add(5*time.Second)),
	})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, models.PositionSourceFiltered, second.Position.Source)
}

func TestVerifyPresence_UnknownTargetID(t *testing.T) {
	svc, _ := newTestService(t, 30*time.Minute)

	_, err := svc.VerifyPresence(context.Background(), &VerifyRequest{
		UserID:    "user-1",
		Fix:       makeFix(55.75, 37.61, 10, time.Now()),
		TargetIDs: []string{"missing"},
	})
	assert.Error(t, err)
}

func TestVerifyPresence_NoNearbyTargets(t *testing.T) {
	svc, _ := newTestService(t, 30*time.Minute)

	decision, err := svc.VerifyPresence(context.Background(), &VerifyRequest{
		UserID: "user-1",
		Fix:    makeFix(55.75, 37.61, 10, time.Now()),
	})
	require.NoError(t, err)

	assert.Empty(t, decision.Results)
	assert.Equal(t, models.StatusWarn, decision.Status)
}

func TestVerifyPresence_DecisionSinkReceivesDecision(t *testing.T) {
	svc, targets := newTestService(t, 30*time.Minute)
	addTarget(t, targets, "store-1", 55.75, 37.61, 120)

	var received *VerificationDecision
	svc.SetDecisionSink(func(d *VerificationDecision) {
		received = d
	})

	decision, err := svc.VerifyPresence(context.Background(), &VerifyRequest{
		UserID: "user-1",
		Fix:    makeFix(55.75, 37.61, 10, time.Now()),
	})
	require.NoError(t, err)

	require.NotNil(t, received)
	assert.Equal(t, decision.SessionID, received.SessionID)
	assert.Equal(t, decision.Status, received.Status)
}

func TestPreValidate(t *testing.T) {
	svc, targets := newTestService(t, 30*time.Minute)
	addTarget(t, targets, "store-1", 55.75, 37.61, 120)

	t.Run("NilPositionWarnsWithHint", func(t *testing.T) {
		results, err := svc.PreValidate(context.Background(), nil, []string{"store-1"})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, models.StatusWarn, results[0].Status)
		assert.Equal(t, float64(-1), results[0].DistanceM)
	})

	t.Run("KnownPosition", func(t *testing.T) {
		position := &models.FilteredPosition{
			Position:   models.GeoPoint{Latitude: 55.75, Longitude: 37.61},
			Accuracy:   10,
			Confidence: 90,
		}
		results, err := svc.PreValidate(context.Background(), position, []string{"store-1"})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, models.StatusAllow, results[0].Status)
	})

	t.Run("UnknownTarget", func(t *testing.T) {
		_, err := svc.PreValidate(context.Background(), nil, []string{"missing"})
		assert.Error(t, err)
	})
}

func TestRecordOutcome(t *testing.T) {
	svc, _ := newTestService(t, 30*time.Minute)

	t.Run("RequiresStoreID", func(t *testing.T) {
		assert.Error(t, svc.RecordOutcome(context.Background(), &OutcomeRequest{}))
	})

	t.Run("FeedsLearner", func(t *testing.T) {
		require.NoError(t, svc.RecordOutcome(context.Background(), &OutcomeRequest{
			StoreID:    "store-1",
			Accuracy:   15,
			Confidence: 85,
			Success:    true,
			Position:   models.GeoPoint{Latitude: 55.75, Longitude: 37.61},
		}))

		stats := svc.LearnerStatistics()
		assert.Equal(t, 1, stats.TotalRecorded)
		assert.Equal(t, 1, stats.Stores)
	})
}

func TestNearbyTargets_RadiusClamping(t *testing.T) {
	svc, targets := newTestService(t, 30*time.Minute)
	center := models.GeoPoint{Latitude: 55.75, Longitude: 37.61}

	// Зона в пяти километрах: вне радиуса по умолчанию, внутри максимального
	addTarget(t, targets, "mid", 55.75+latOffset(5000), 37.61, 120)
	// Зона в двадцати километрах: за пределами максимального радиуса
	addTarget(t, targets, "far", 55.75+latOffset(20000), 37.61, 120)
	ctx := context.Background()

	t.Run("ZeroRadiusUsesDefault", func(t *testing.T) {
		found, err := svc.NearbyTargets(ctx, center, 0)
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("OversizedRadiusClampedToMax", func(t *testing.T) {
		found, err := svc.NearbyTargets(ctx, center, 50000)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "mid", found[0].ID)
	})
}

func TestCleanupSessions(t *testing.T) {
	svc, _ := newTestService(t, time.Nanosecond)

	_, err := svc.VerifyPresence(context.Background(), &VerifyRequest{
		UserID: "user-1",
		Fix:    makeFix(55.75, 37.61, 10, time.Now()),
	})
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, svc.CleanupSessions())
	assert.Equal(t, 0, svc.CleanupSessions())
}

func TestAdminPassthrough(t *testing.T) {
	svc, _ := newTestService(t, 30*time.Minute)
	ctx := context.Background()
	base := time.Now()

	// Телепорт блокирует пользователя в детекторе
	svc.VerifyPresence(ctx, &VerifyRequest{UserID: "cheater", Fix: makeFix(55.75, 37.61, 10, base)})
	svc.VerifyPresence(ctx, &VerifyRequest{
		UserID: "cheater",
		Fix:    makeFix(55.75+latOffset(2000), 37.61, 10, base.Add(10*time.Second)),
	})

	assert.Greater(t, svc.UserRiskScore(ctx, "cheater"), 0)

	stats, err := svc.FraudStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BlockedUsers)

	require.NoError(t, svc.UnblockUser(ctx, "cheater"))
	assert.Equal(t, 0, svc.UserRiskScore(ctx, "cheater"))

	require.NoError(t, svc.ClearUserHistory(ctx, "cheater"))
}

func TestLearnerStatePersistence(t *testing.T) {
	logger := utils.NewLogger("error", "text")
	store := storage.NewMemoryStore()
	targets := storage.NewMemoryTargetDirectory()
	ctx := context.Background()

	svc := NewVerificationService(fraud.NewDetector(store, logger), learner.New(logger, 5), targets, store, 30*time.Minute, 1000, 10000, logger)
	for i := 0; i < 20; i++ {
		require.NoError(t, svc.RecordOutcome(ctx, &OutcomeRequest{
			StoreID:    "store-1",
			Accuracy:   15,
			Confidence: 85,
			Success:    true,
			Position:   models.GeoPoint{Latitude: 55.75, Longitude: 37.61},
		}))
	}
	require.NoError(t, svc.PersistLearnerState(ctx))

	// Новый экземпляр поверх того же хранилища восстанавливает пороги
	restored := NewVerificationService(fraud.NewDetector(store, logger), learner.New(logger, 5), targets, store, 30*time.Minute, 1000, 10000, logger)
	require.NoError(t, restored.RestoreLearnerState(ctx))

	assert.Equal(t, svc.CurrentThresholds(), restored.CurrentThresholds())
	assert.Equal(t, 1, restored.LearnerStatistics().Stores)
}

func TestRestoreLearnerState_ColdStart(t *testing.T) {
	svc, _ := newTestService(t, 30*time.Minute)

	// Отсутствие сохраненного состояния не является ошибкой
	require.NoError(t, svc.RestoreLearnerState(context.Background()))
	assert.Equal(t, models.DefaultThresholdConfig(), svc.CurrentThresholds())
}

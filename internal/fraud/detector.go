// Package fraud обнаруживает признаки подмены координат по истории
// перемещений пользователя, независимо от сглаживания и геозон.
package fraud

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/geotrust/presence-backend/internal/metrics"
	"github.com/geotrust/presence-backend/internal/models"
	"github.com/geotrust/presence-backend/internal/storage"
)

const (
	// Глубина истории перемещений на пользователя
	HistoryMaxPoints = 20

	// Телепортация: большой скачок за короткое время
	teleportDistanceM = 1000
	teleportWindow    = 60 * time.Second
	teleportScore     = 50

	// Нереалистичная скорость
	vehicleSpeedMps = 30 // быстрее машины в городе
	vehicleScore    = 40
	runningSpeedMps = 6 // быстрее бега
	runningWindow   = 10 * time.Second
	runningScore    = 20

	// Нереалистичное ускорение
	maxAccelerationMps2 = 5
	accelerationScore   = 25

	// Субметровая точность: потребительский GPS ее почти не дает,
	// частый артефакт инструментов подмены
	subMeterAccuracyM = 1
	subMeterScore     = 15

	// Сигнатура скриптового повтора: одинаковые шаги между точками
	patternWindow    = 5
	patternStdDevM   = 1
	patternMeanM     = 5
	patternScore     = 20

	// Откат временной метки
	timestampRegressionScore = 30

	// Резкий скачок заявленной точности
	accuracyJumpM     = 80
	accuracyJumpScore = 10

	// Усилитель для рецидивистов
	repeatOffenderThreshold = 3
	repeatOffenderStep      = 15

	// Побочные эффекты по суммарному счету
	suspiciousThreshold = 30
	blockThreshold      = 80

	lockStripes = 64
)

// Detector детектор подмены координат. История, счетчики и множество
// заблокированных живут в HistoryStore; обновления одного пользователя
// сериализуются полосатыми мьютексами, разные пользователи независимы.
type Detector struct {
	store  storage.HistoryStore
	logger *logrus.Logger
	locks  [lockStripes]sync.Mutex
}

// NewDetector создает новый детектор поверх хранилища истории
func NewDetector(store storage.HistoryStore, logger *logrus.Logger) *Detector {
	return &Detector{
		store:  store,
		logger: logger,
	}
}

// DetectSpoofing проверяет очередное наблюдение пользователя на признаки
// подмены. Все проверки выполняются независимо и складываются, чтобы слабые
// сигналы усиливали друг друга. Ошибки хранилища деградируют до отсутствия
// истории и никогда не прерывают классификацию.
func (d *Detector) DetectSpoofing(ctx context.Context, fix models.PositionFix) models.AnomalyScore {
	lock := d.lockFor(fix.UserID)
	lock.Lock()
	defer lock.Unlock()

	// Заблокированный пользователь получает критический счет без проверок
	blocked, err := d.store.IsBlocked(ctx, fix.UserID)
	if err != nil {
		d.logger.WithField("user_id", fix.UserID).WithField("error", err).
			Warn("Failed to check blocked set, treating as not blocked")
	}
	if blocked {
		metrics.SpoofingDetections.WithLabelValues(string(models.SeverityCritical)).Inc()
		return models.AnomalyScore{
			Score:       100,
			Reasons:     []string{"user is blocked"},
			Severity:    models.SeverityCritical,
			ShouldBlock: true,
		}
	}

	history, err := d.store.History(ctx, fix.UserID)
	if err != nil {
		d.logger.WithField("user_id", fix.UserID).WithField("error", err).
			Warn("Failed to read movement history, treating as empty")
		history = nil
	}

	// Первое наблюдение: только засеваем историю
	if len(history) == 0 {
		d.appendHistory(ctx, fix)
		metrics.SpoofingDetections.WithLabelValues(string(models.SeverityLow)).Inc()
		return models.AnomalyScore{
			Score:    0,
			Severity: models.SeverityLow,
		}
	}

	last := history[len(history)-1]
	distance := last.Position.DistanceTo(fix.Position)
	duration := fix.Timestamp.Sub(last.Timestamp)

	speed := 0.0
	if duration > 0 {
		speed = distance / duration.Seconds()
	}

	score := 0
	var reasons []string

	// 1. Телепортация
	if distance > teleportDistanceM && duration < teleportWindow {
		score += teleportScore
		reasons = append(reasons, fmt.Sprintf("teleportation: %.0fm in %.1fs", distance, duration.Seconds()))
	}

	// 2. Нереалистичная скорость
	if speed > vehicleSpeedMps {
		score += vehicleScore
		reasons = append(reasons, fmt.Sprintf("impossible speed: %.1f m/s", speed))
	} else if speed > runningSpeedMps && duration < runningWindow {
		score += runningScore
		reasons = append(reasons, fmt.Sprintf("suspicious speed: %.1f m/s over %.1fs", speed, duration.Seconds()))
	}

	// 3. Нереалистичное ускорение (нужны две предыдущие точки)
	if len(history) >= 2 && duration > 0 {
		prev := history[len(history)-2]
		prevDuration := last.Timestamp.Sub(prev.Timestamp)
		if prevDuration > 0 {
			prevSpeed := prev.Position.DistanceTo(last.Position) / prevDuration.Seconds()
			acceleration := math.Abs(speed-prevSpeed) / duration.Seconds()
			if acceleration > maxAccelerationMps2 {
				score += accelerationScore
				reasons = append(reasons, fmt.Sprintf("impossible acceleration: %.1f m/s2", acceleration))
			}
		}
	}

	// 4. Субметровая точность
	if fix.Accuracy < subMeterAccuracyM {
		score += subMeterScore
		reasons = append(reasons, fmt.Sprintf("sub-meter accuracy: %.2fm", fix.Accuracy))
	}

	// 5. Однородные шаги между точками
	if uniform, mean := d.repetitivePattern(history, fix); uniform {
		score += patternScore
		reasons = append(reasons, fmt.Sprintf("repetitive movement pattern: uniform %.1fm steps", mean))
	}

	// 6. Откат временной метки
	if fix.Timestamp.Before(last.Timestamp) {
		score += timestampRegressionScore
		reasons = append(reasons, "timestamp regression")
	}

	// 7. Резкий скачок точности
	if math.Abs(fix.Accuracy-last.Accuracy) > accuracyJumpM {
		score += accuracyJumpScore
		reasons = append(reasons, fmt.Sprintf("accuracy jump: %.0fm -> %.0fm", last.Accuracy, fix.Accuracy))
	}

	// 8. Усилитель для рецидивистов
	counter, err := d.store.SuspiciousCount(ctx, fix.UserID)
	if err != nil {
		d.logger.WithField("user_id", fix.UserID).WithField("error", err).
			Warn("Failed to read suspicious counter")
	}
	if counter > repeatOffenderThreshold {
		score += repeatOffenderStep * counter
		reasons = append(reasons, fmt.Sprintf("repeat offender: %d suspicious events", counter))
	}

	// Точка попадает в историю после сравнения с предыдущей
	d.appendHistory(ctx, fix)

	if score > 100 {
		score = 100
	}

	severity := models.SeverityForScore(score)
	result := models.AnomalyScore{
		Score:       score,
		Reasons:     reasons,
		Severity:    severity,
		ShouldBlock: score >= blockThreshold,
	}

	if score > suspiciousThreshold {
		if _, err := d.store.IncrementSuspicious(ctx, fix.UserID); err != nil {
			d.logger.WithField("user_id", fix.UserID).WithField("error", err).
				Warn("Failed to increment suspicious counter")
		}
	}

	if result.ShouldBlock {
		if err := d.store.Block(ctx, fix.UserID); err != nil {
			d.logger.WithField("user_id", fix.UserID).WithField("error", err).
				Error("Failed to block user")
		} else {
			d.logger.WithFields(logrus.Fields{
				"user_id": fix.UserID,
				"score":   score,
				"reasons": reasons,
			}).Warn("User blocked for GPS spoofing")
			metrics.UsersBlocked.Inc()
		}
	}

	metrics.AnomalyScores.Observe(float64(score))
	metrics.SpoofingDetections.WithLabelValues(string(severity)).Inc()

	if score > 0 {
		d.logger.WithFields(logrus.Fields{
			"user_id":  fix.UserID,
			"score":    score,
			"severity": severity,
			"reasons":  reasons,
		}).Debug("Spoofing indicators detected")
	}

	return result
}

// IsUserBlocked проверяет, заблокирован ли пользователь
func (d *Detector) IsUserBlocked(ctx context.Context, userID string) bool {
	blocked, err := d.store.IsBlocked(ctx, userID)
	if err != nil {
		d.logger.WithField("user_id", userID).WithField("error", err).
			Warn("Failed to check blocked set")
		return false
	}
	return blocked
}

// UnblockUser административно снимает блокировку. Вход доверенный,
// повторная проверка не выполняется.
func (d *Detector) UnblockUser(ctx context.Context, userID string) error {
	if err := d.store.Unblock(ctx, userID); err != nil {
		return fmt.Errorf("failed to unblock user %s: %w", userID, err)
	}
	d.logger.WithField("user_id", userID).Info("User unblocked by administrator")
	return nil
}

// GetUserRiskScore возвращает накопленный риск пользователя независимо
// от свежего наблюдения
func (d *Detector) GetUserRiskScore(ctx context.Context, userID string) int {
	counter, err := d.store.SuspiciousCount(ctx, userID)
	if err != nil {
		d.logger.WithField("user_id", userID).WithField("error", err).
			Warn("Failed to read suspicious counter")
		return 0
	}

	risk := counter * repeatOffenderStep
	if risk > 100 {
		risk = 100
	}
	return risk
}

// ClearHistory удаляет историю перемещений пользователя
func (d *Detector) ClearHistory(ctx context.Context, userID string) error {
	lock := d.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := d.store.ClearHistory(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear history for %s: %w", userID, err)
	}
	d.logger.WithField("user_id", userID).Info("Movement history cleared")
	return nil
}

// GetStatistics возвращает статистику детектора
func (d *Detector) GetStatistics(ctx context.Context) (storage.HistoryStats, error) {
	return d.store.Stats(ctx)
}

// repetitivePattern проверяет сигнатуру скриптового повтора: дистанции
// между последними точками почти одинаковы при заметном среднем шаге
func (d *Detector) repetitivePattern(history []models.PositionFix, fix models.PositionFix) (bool, float64) {
	points := append(append([]models.PositionFix{}, history...), fix)
	if len(points) < patternWindow+1 {
		return false, 0
	}
	points = points[len(points)-(patternWindow+1):]

	distances := make([]float64, 0, patternWindow)
	sum := 0.0
	for i := 1; i < len(points); i++ {
		dist := points[i-1].Position.DistanceTo(points[i].Position)
		distances = append(distances, dist)
		sum += dist
	}

	mean := sum / float64(len(distances))
	variance := 0.0
	for _, dist := range distances {
		variance += (dist - mean) * (dist - mean)
	}
	stdDev := math.Sqrt(variance / float64(len(distances)))

	return stdDev < patternStdDevM && mean > patternMeanM, mean
}

// appendHistory добавляет точку с ограничением FIFO
func (d *Detector) appendHistory(ctx context.Context, fix models.PositionFix) {
	if err := d.store.AppendHistory(ctx, fix.UserID, fix, HistoryMaxPoints); err != nil {
		d.logger.WithField("user_id", fix.UserID).WithField("error", err).
			Warn("Failed to append movement history")
	}
}

// lockFor возвращает полосатый мьютекс для пользователя
func (d *Detector) lockFor(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &d.locks[h.Sum32()%lockStripes]
}

// Package presence классифицирует сглаженную позицию пользователя
// относительно целевых геозон. Все операции чистые и без побочных эффектов,
// поэтому проверки разных зон безопасно выполнять параллельно.
package presence

import (
	"fmt"
	"math"
	"time"

	"github.com/geotrust/presence-backend/internal/models"
)

const (
	// Пороги строгого режима для зон с высокой ценностью
	strictAllowConfidence = 80
	strictWarnConfidence  = 60
	strictWarnRadiusScale = 1.5

	// Масштаб радиуса для warn в обычном режиме
	warnRadiusScale = 2.0

	// Средняя скорость пешехода для оценки времени в пути
	walkingSpeedMps = 1.4
)

// Validate проверяет одну сглаженную позицию против одной целевой зоны.
// Пороги allow/warn приходят из конфигурации, настроенной обучателем.
func Validate(position models.FilteredPosition, target models.GeofenceTarget, cfg models.ThresholdConfig) models.ValidationResult {
	distance := position.Position.DistanceTo(target.Position)

	// Эффективная дистанция учитывает погрешность GPS в пользу пользователя
	effectiveDistance := math.Max(0, distance-position.Accuracy)

	radius := target.RadiusM
	if !target.StrictMode {
		radius = target.RadiusM * cfg.RadiusMultiplier
	}

	result := models.ValidationResult{
		TargetID:   target.ID,
		DistanceM:  math.Round(distance),
		Confidence: position.Confidence,
	}

	if target.StrictMode {
		switch {
		case position.Confidence >= strictAllowConfidence && effectiveDistance <= radius:
			result.Status = models.StatusAllow
			result.Recommendation = "Location confirmed"
		case position.Confidence >= strictWarnConfidence && distance <= strictWarnRadiusScale*radius:
			result.Status = models.StatusWarn
			result.Recommendation = moveCloserRecommendation(distance, radius)
		default:
			result.Status = models.StatusBlock
			result.Recommendation = tooFarRecommendation(distance)
		}
		return result
	}

	switch {
	case float64(position.Confidence) >= cfg.Confidence.Allow && effectiveDistance <= radius:
		result.Status = models.StatusAllow
		result.Recommendation = "Location confirmed"
	case float64(position.Confidence) >= cfg.Confidence.Warn && distance <= warnRadiusScale*radius:
		result.Status = models.StatusWarn
		result.Recommendation = moveCloserRecommendation(distance, radius)
	default:
		result.Status = models.StatusBlock
		result.Recommendation = tooFarRecommendation(distance)
	}

	return result
}

// PreValidateBatch проверяет позицию против набора зон. Если позиция
// недоступна (nil), каждая зона получает warn с дистанцией -1, чтобы
// вызывающий мог показать подсказку о включении GPS.
func PreValidateBatch(position *models.FilteredPosition, targets []models.GeofenceTarget, cfg models.ThresholdConfig) []models.ValidationResult {
	results := make([]models.ValidationResult, 0, len(targets))

	if position == nil {
		for _, target := range targets {
			results = append(results, models.ValidationResult{
				TargetID:       target.ID,
				Status:         models.StatusWarn,
				DistanceM:      -1,
				Confidence:     0,
				Recommendation: "Enable GPS to check nearby stores",
			})
		}
		return results
	}

	for _, target := range targets {
		results = append(results, Validate(*position, target, cfg))
	}
	return results
}

// ShouldRevalidate сообщает, устарел ли предыдущий результат проверки:
// пользователь сместился дальше thresholdMeters или прошло больше
// thresholdSeconds. Позволяет вызывающему переиспользовать кэш решений.
func ShouldRevalidate(old, new models.FilteredPosition, thresholdMeters, thresholdSeconds float64) bool {
	if thresholdMeters <= 0 {
		thresholdMeters = 10
	}
	if thresholdSeconds <= 0 {
		thresholdSeconds = 30
	}

	if old.Position.DistanceTo(new.Position) > thresholdMeters {
		return true
	}
	return new.Timestamp.Sub(old.Timestamp) > time.Duration(thresholdSeconds*float64(time.Second))
}

// GPSQuality классифицирует точность GPS по порогам конфигурации
func GPSQuality(accuracy float64, cfg models.ThresholdConfig) string {
	switch {
	case accuracy <= cfg.Accuracy.Excellent:
		return "excellent"
	case accuracy <= cfg.Accuracy.Good:
		return "good"
	case accuracy <= cfg.Accuracy.Acceptable:
		return "acceptable"
	default:
		return "poor"
	}
}

// WalkingETA возвращает оценку времени пешего пути в секундах
func WalkingETA(distanceM float64) float64 {
	if distanceM <= 0 {
		return 0
	}
	return distanceM / walkingSpeedMps
}

// FormatETA форматирует время пути в человекочитаемую строку
func FormatETA(seconds float64) string {
	if seconds < 60 {
		return "less than a minute"
	}
	minutes := int(math.Round(seconds / 60))
	if minutes < 60 {
		return fmt.Sprintf("%d min", minutes)
	}
	hours := minutes / 60
	minutes = minutes % 60
	if minutes == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh %dmin", hours, minutes)
}

func moveCloserRecommendation(distance, radius float64) string {
	remaining := math.Max(0, distance-radius)
	return fmt.Sprintf("Move %.0f m closer to the store", remaining)
}

func tooFarRecommendation(distance float64) string {
	if distance >= 1000 {
		return fmt.Sprintf("Too far from the store (%.1f km away)", distance/1000)
	}
	return fmt.Sprintf("Too far from the store (%.0f m away)", distance)
}

package models

import (
	"fmt"
	"time"
)

// ConfidenceThresholds пороги доверия для классификации allow/warn
type ConfidenceThresholds struct {
	Allow float64 `json:"allow"`
	Warn  float64 `json:"warn"`
}

// AccuracyThresholds пороги качества GPS по точности в метрах
type AccuracyThresholds struct {
	Excellent  float64 `json:"excellent"`
	Good       float64 `json:"good"`
	Acceptable float64 `json:"acceptable"`
}

// ThresholdConfig конфигурация порогов, потребляемая валидатором присутствия
type ThresholdConfig struct {
	Confidence       ConfidenceThresholds `json:"confidence_threshold"`
	Accuracy         AccuracyThresholds   `json:"accuracy_threshold"`
	RadiusMultiplier float64              `json:"radius_multiplier"`
}

// DefaultThresholdConfig возвращает пороговую конфигурацию по умолчанию
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		Confidence: ConfidenceThresholds{
			Allow: 70,
			Warn:  40,
		},
		Accuracy: AccuracyThresholds{
			Excellent:  10,
			Good:       20,
			Acceptable: 50,
		},
		RadiusMultiplier: 1.0,
	}
}

// Clamp приводит пороги к физически осмысленным границам
func (c *ThresholdConfig) Clamp() {
	c.Confidence.Allow = clampFloat(c.Confidence.Allow, 0, 100)
	c.Confidence.Warn = clampFloat(c.Confidence.Warn, 0, 100)
	if c.Confidence.Warn > c.Confidence.Allow {
		c.Confidence.Warn = c.Confidence.Allow
	}
	if c.Accuracy.Excellent < 0 {
		c.Accuracy.Excellent = 0
	}
	if c.Accuracy.Good < c.Accuracy.Excellent {
		c.Accuracy.Good = c.Accuracy.Excellent
	}
	if c.Accuracy.Acceptable < c.Accuracy.Good {
		c.Accuracy.Acceptable = c.Accuracy.Good
	}
	if c.RadiusMultiplier <= 0 {
		c.RadiusMultiplier = 1.0
	}
}

// Validate проверяет корректность конфигурации порогов
func (c *ThresholdConfig) Validate() error {
	if c.Confidence.Allow < 0 || c.Confidence.Allow > 100 {
		return fmt.Errorf("allow threshold out of range: %f", c.Confidence.Allow)
	}
	if c.Confidence.Warn < 0 || c.Confidence.Warn > 100 {
		return fmt.Errorf("warn threshold out of range: %f", c.Confidence.Warn)
	}
	if c.Accuracy.Acceptable < 0 {
		return fmt.Errorf("acceptable accuracy must be non-negative: %f", c.Accuracy.Acceptable)
	}
	if c.RadiusMultiplier <= 0 {
		return fmt.Errorf("radius multiplier must be positive: %f", c.RadiusMultiplier)
	}
	return nil
}

// HourStat статистика валидаций для одного часа суток в рамках магазина
type HourStat struct {
	Samples   int `json:"samples"`
	Successes int `json:"successes"`
}

// SuccessRate возвращает долю успешных валидаций за час
func (h HourStat) SuccessRate() float64 {
	if h.Samples == 0 {
		return 0
	}
	return float64(h.Successes) / float64(h.Samples)
}

// RegionalPattern накопленный EMA-профиль одного магазина
type RegionalPattern struct {
	StoreID       string            `json:"store_id"`
	Region        string            `json:"region,omitempty"` // geohash окрестности магазина
	AvgAccuracy   float64           `json:"avg_accuracy"`
	AvgConfidence float64           `json:"avg_confidence"`
	SuccessRate   float64           `json:"success_rate"`
	PeakHours     map[int]bool      `json:"peak_hours,omitempty"`
	HourStats     map[int]*HourStat `json:"hour_stats,omitempty"`
	OptimalRadius float64           `json:"optimal_radius"`
	SampleCount   int               `json:"sample_count"`
}

// Clone возвращает глубокую копию профиля
func (p *RegionalPattern) Clone() *RegionalPattern {
	clone := *p
	clone.PeakHours = make(map[int]bool, len(p.PeakHours))
	for h, v := range p.PeakHours {
		clone.PeakHours[h] = v
	}
	clone.HourStats = make(map[int]*HourStat, len(p.HourStats))
	for h, s := range p.HourStats {
		stat := *s
		clone.HourStats[h] = &stat
	}
	return &clone
}

// HistoricalValidationRecord запись об исходе одной валидации для обучения порогов
type HistoricalValidationRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Hour       int       `json:"hour"`
	DayOfWeek  int       `json:"day_of_week"`
	Accuracy   float64   `json:"accuracy"`
	Confidence float64   `json:"confidence"`
	Success    bool      `json:"success"`
	StoreID    string    `json:"store_id"`
	Position   GeoPoint  `json:"position"`
}

// ValidationContext контекст запроса оптимизированных порогов
type ValidationContext struct {
	StoreID string
	Hour    int
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Package learner замыкает обратную связь: по зафиксированным исходам
// валидаций подстраивает пороги, которые потребляет валидатор присутствия.
// Это легкий онлайн-цикл, а не обучающий конвейер.
package learner

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/geotrust/presence-backend/internal/metrics"
	"github.com/geotrust/presence-backend/internal/models"
)

const (
	// Сглаживание региональных профилей
	emaAlpha = 0.1

	// Журнал исходов: жесткий потолок и размер после обрезки
	maxHistoryRecords  = 10000
	trimHistoryRecords = 5000

	// Периодичность и окно batch-оптимизации
	optimizeEvery  = 50
	optimizeWindow = 500

	// Демпфирование: новый конфиг подмешивается к текущему
	blendRate = 0.1

	// Час становится пиковым при достаточной выборке и высокой успешности
	peakHourMinSamples  = 10
	peakHourSuccessRate = 0.7

	// Hill-climb выученного радиуса к целевой полосе успешности
	radiusGrowFactor   = 1.1
	radiusShrinkFactor = 0.95
	radiusMaxM         = 200
	radiusMinM         = 80
	lowSuccessRate     = 0.7
	highSuccessRate    = 0.9

	// Базовые уровни для контекстных поправок
	baselineAccuracyM = 20
	baselineRadiusM   = 120

	// Поправки контекста в GetOptimizedThreshold
	peakHourTightenFactor = 1.1
	peakHourAllowCap      = 95
	relaxWarnFactor       = 0.8
	relaxSuccessRate      = 0.6

	// Geohash-регион магазина в профиле
	regionGeohashPrecision = 5

	// Холодный старт по умолчанию
	DefaultMinDataPoints = 100
)

// Stats срез состояния обучателя для observability
type Stats struct {
	Records       int                    `json:"records"`
	Stores        int                    `json:"stores"`
	TotalRecorded int                    `json:"total_recorded"`
	MinDataPoints int                    `json:"min_data_points"`
	Config        models.ThresholdConfig `json:"config"`
}

// Snapshot сериализуемое состояние обучателя для переноса через рестарты
type Snapshot struct {
	Config   models.ThresholdConfig             `json:"config"`
	Patterns map[string]*models.RegionalPattern `json:"patterns"`
	DataSize int                                `json:"data_size"`
}

// Learner онлайн-обучатель порогов. Чтения намного чаще записей:
// GetOptimizedThreshold отдает копию под RLock, записи сериализованы.
type Learner struct {
	mu            sync.RWMutex
	logger        *logrus.Logger
	config        models.ThresholdConfig
	patterns      map[string]*models.RegionalPattern
	history       []models.HistoricalValidationRecord
	minDataPoints int
	totalRecorded int
}

// New создает обучатель с глобальной конфигурацией по умолчанию
func New(logger *logrus.Logger, minDataPoints int) *Learner {
	if minDataPoints <= 0 {
		minDataPoints = DefaultMinDataPoints
	}
	return &Learner{
		logger:        logger,
		config:        models.DefaultThresholdConfig(),
		patterns:      make(map[string]*models.RegionalPattern),
		minDataPoints: minDataPoints,
	}
}

// RecordValidation фиксирует исход одной валидации: пополняет журнал,
// обновляет EMA-профиль магазина и каждые optimizeEvery записей запускает
// batch-оптимизацию порогов.
func (l *Learner) RecordValidation(rec models.HistoricalValidationRecord) {
	l.mu.Lock()

	l.history = append(l.history, rec)
	if len(l.history) > maxHistoryRecords {
		l.history = l.history[len(l.history)-trimHistoryRecords:]
	}

	l.updatePattern(rec)

	l.totalRecorded++
	shouldOptimize := l.totalRecorded%optimizeEvery == 0

	l.mu.Unlock()

	metrics.LearnerRecords.Inc()

	// Оптимизация запускается после освобождения write-блокировки,
	// чтобы не удерживать ее на время grid search
	if shouldOptimize {
		l.OptimizeThresholds()
	}
}

// GetOptimizedThreshold возвращает конфигурацию порогов, скорректированную
// под магазин и час. До накопления minDataPoints или при отсутствии профиля
// возвращается глобальная конфигурация без изменений. Чистое чтение.
func (l *Learner) GetOptimizedThreshold(vctx models.ValidationContext) models.ThresholdConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cfg := l.config

	if len(l.history) < l.minDataPoints {
		return cfg
	}

	pattern, ok := l.patterns[vctx.StoreID]
	if !ok {
		return cfg
	}

	// Пиковый час: ужесточаем порог allow
	if pattern.PeakHours[vctx.Hour] {
		cfg.Confidence.Allow = math.Min(peakHourAllowCap, cfg.Confidence.Allow*peakHourTightenFactor)
	}

	// Региональный фактор точности относительно базовых 20 метров
	if pattern.AvgAccuracy > 0 {
		factor := clamp(pattern.AvgAccuracy/baselineAccuracyM, 0.5, 2.0)
		cfg.Accuracy.Excellent *= factor
		cfg.Accuracy.Good *= factor
		cfg.Accuracy.Acceptable *= factor
	}

	// Низкая успешность: ослабляем порог warn, чтобы меньше блокировать
	if pattern.SuccessRate < relaxSuccessRate {
		cfg.Confidence.Warn *= relaxWarnFactor
	}

	if pattern.OptimalRadius > 0 {
		cfg.RadiusMultiplier = pattern.OptimalRadius / baselineRadiusM
	}

	cfg.Clamp()
	return cfg
}

// CurrentConfig возвращает глобальную конфигурацию без контекстных поправок
func (l *Learner) CurrentConfig() models.ThresholdConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// OptimizeThresholds пересчитывает глобальные пороги grid search-ом по
// последним записям журнала. Лучший кандидат подмешивается в текущую
// конфигурацию с демпфированием, чтобы один batch не раскачивал пороги.
func (l *Learner) OptimizeThresholds() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.history) < l.minDataPoints {
		l.logger.WithField("records", len(l.history)).
			WithField("required", l.minDataPoints).
			Debug("Not enough data for threshold optimization")
		return
	}

	window := l.history
	if len(window) > optimizeWindow {
		window = window[len(window)-optimizeWindow:]
	}

	confidenceCandidates := []float64{60, 65, 70, 75, 80}
	accuracyCandidates := []float64{30, 40, 50, 60}

	best := l.config
	bestScore := evaluateConfig(l.config, window)

	for _, conf := range confidenceCandidates {
		for _, acc := range accuracyCandidates {
			candidate := l.config
			candidate.Confidence.Allow = conf
			candidate.Confidence.Warn = math.Max(20, conf-30)
			candidate.Accuracy.Acceptable = acc
			candidate.Accuracy.Good = acc * 0.4
			candidate.Accuracy.Excellent = acc * 0.2

			score := evaluateConfig(candidate, window)
			if score > bestScore {
				bestScore = score
				best = candidate
			}
		}
	}

	oldAllow := l.config.Confidence.Allow

	l.config.Confidence.Allow = blend(l.config.Confidence.Allow, best.Confidence.Allow)
	l.config.Confidence.Warn = blend(l.config.Confidence.Warn, best.Confidence.Warn)
	l.config.Accuracy.Excellent = blend(l.config.Accuracy.Excellent, best.Accuracy.Excellent)
	l.config.Accuracy.Good = blend(l.config.Accuracy.Good, best.Accuracy.Good)
	l.config.Accuracy.Acceptable = blend(l.config.Accuracy.Acceptable, best.Accuracy.Acceptable)
	l.config.Clamp()

	metrics.LearnerOptimizations.Inc()

	l.logger.WithFields(logrus.Fields{
		"window":     len(window),
		"best_score": fmt.Sprintf("%.3f", bestScore),
		"old_allow":  oldAllow,
		"new_allow":  l.config.Confidence.Allow,
	}).Info("Thresholds optimized")
}

// ExportData возвращает сериализуемый снимок выученного состояния.
// Журнал исходов не экспортируется, переносится только его размер.
func (l *Learner) ExportData() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	patterns := make(map[string]*models.RegionalPattern, len(l.patterns))
	for id, pattern := range l.patterns {
		patterns[id] = pattern.Clone()
	}

	return Snapshot{
		Config:   l.config,
		Patterns: patterns,
		DataSize: len(l.history),
	}
}

// ImportData восстанавливает состояние из снимка. Административная
// операция с доверенным входом; конфигурация приводится к допустимым
// границам, но не отвергается.
func (l *Learner) ImportData(snap Snapshot) error {
	if err := snap.Config.Validate(); err != nil {
		return fmt.Errorf("invalid imported config: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.config = snap.Config
	l.config.Clamp()

	l.patterns = make(map[string]*models.RegionalPattern, len(snap.Patterns))
	for id, pattern := range snap.Patterns {
		if pattern == nil {
			continue
		}
		clone := pattern.Clone()
		if clone.PeakHours == nil {
			clone.PeakHours = make(map[int]bool)
		}
		if clone.HourStats == nil {
			clone.HourStats = make(map[int]*models.HourStat)
		}
		l.patterns[id] = clone
	}

	l.logger.WithField("stores", len(l.patterns)).
		WithField("data_size", snap.DataSize).
		Info("Learner state imported")
	return nil
}

// ExportJSON сериализует снимок для хранилища
func (l *Learner) ExportJSON() ([]byte, error) {
	return json.Marshal(l.ExportData())
}

// ImportJSON восстанавливает состояние из сериализованного снимка
func (l *Learner) ImportJSON(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal learner state: %w", err)
	}
	return l.ImportData(snap)
}

// GetStatistics возвращает срез состояния обучателя
func (l *Learner) GetStatistics() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		Records:       len(l.history),
		Stores:        len(l.patterns),
		TotalRecorded: l.totalRecorded,
		MinDataPoints: l.minDataPoints,
		Config:        l.config,
	}
}

// updatePattern обновляет EMA-профиль магазина. Вызывается под write-блокировкой.
func (l *Learner) updatePattern(rec models.HistoricalValidationRecord) {
	success := 0.0
	if rec.Success {
		success = 1.0
	}

	pattern, ok := l.patterns[rec.StoreID]
	if !ok {
		pattern = &models.RegionalPattern{
			StoreID:       rec.StoreID,
			Region:        rec.Position.Geohash(regionGeohashPrecision),
			AvgAccuracy:   rec.Accuracy,
			AvgConfidence: rec.Confidence,
			SuccessRate:   success,
			PeakHours:     make(map[int]bool),
			HourStats:     make(map[int]*models.HourStat),
			OptimalRadius: baselineRadiusM,
		}
		l.patterns[rec.StoreID] = pattern
	} else {
		pattern.AvgAccuracy = (1-emaAlpha)*pattern.AvgAccuracy + emaAlpha*rec.Accuracy
		pattern.AvgConfidence = (1-emaAlpha)*pattern.AvgConfidence + emaAlpha*rec.Confidence
		pattern.SuccessRate = (1-emaAlpha)*pattern.SuccessRate + emaAlpha*success
	}
	pattern.SampleCount++

	// Статистика часа и членство в пиковых часах
	stat, ok := pattern.HourStats[rec.Hour]
	if !ok {
		stat = &models.HourStat{}
		pattern.HourStats[rec.Hour] = stat
	}
	stat.Samples++
	if rec.Success {
		stat.Successes++
	}
	if stat.Samples > peakHourMinSamples && stat.SuccessRate() > peakHourSuccessRate {
		pattern.PeakHours[rec.Hour] = true
	} else {
		delete(pattern.PeakHours, rec.Hour)
	}

	// Самонастройка радиуса к целевой полосе успешности
	if pattern.SuccessRate < lowSuccessRate {
		pattern.OptimalRadius = math.Min(radiusMaxM, pattern.OptimalRadius*radiusGrowFactor)
	} else if pattern.SuccessRate > highSuccessRate {
		pattern.OptimalRadius = math.Max(radiusMinM, pattern.OptimalRadius*radiusShrinkFactor)
	}
}

// evaluateConfig прогоняет записи через кандидата и возвращает
// 0.3*accuracy + 0.7*F1. F1 весит больше: ложные отказы легитимным
// пользователям бьют по опыту сильнее, чем небольшая потеря точности.
func evaluateConfig(cfg models.ThresholdConfig, records []models.HistoricalValidationRecord) float64 {
	if len(records) == 0 {
		return 0
	}

	var tp, fp, tn, fn int
	for _, rec := range records {
		wouldAllow := rec.Confidence >= cfg.Confidence.Allow && rec.Accuracy <= cfg.Accuracy.Acceptable
		switch {
		case wouldAllow && rec.Success:
			tp++
		case wouldAllow && !rec.Success:
			fp++
		case !wouldAllow && !rec.Success:
			tn++
		default:
			fn++
		}
	}

	total := float64(len(records))
	accuracy := float64(tp+tn) / total

	precision := 0.0
	if tp+fp > 0 {
		precision = float64(tp) / float64(tp+fp)
	}
	recall := 0.0
	if tp+fn > 0 {
		recall = float64(tp) / float64(tp+fn)
	}
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	return 0.3*accuracy + 0.7*f1
}

func blend(old, new float64) float64 {
	return old*(1-blendRate) + new*blendRate
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

package smoother

import (
	"math"
	"time"

	"github.com/geotrust/presence-backend/internal/models"
)

const (
	// Параметры рекурсивного фильтра
	processNoise     = 1e-5 // шум процесса на секунду
	measurementNoise = 1e-3 // шум измерения

	// Разрыв во времени, после которого фильтр начинает заново
	maxDeltaTime = 30 * time.Second

	// Реалистичный потолок скорости пешехода для оценки движения
	maxWalkingSpeedMps = 2.0

	// Сглаживание оценки скорости: старая 0.8, новая 0.2
	velocityBlendOld = 0.8
	velocityBlendNew = 0.2
)

// filterState внутреннее состояние фильтра одной сессии
type filterState struct {
	initialized bool
	lat         float64
	lon         float64
	velLat      float64 // градусы/сек
	velLon      float64 // градусы/сек
	covariance  float64
	accuracy    float64
	timestamp   time.Time
}

// Smoother рекурсивный фильтр, превращающий поток шумных наблюдений одной
// сессии в сглаженную траекторию с оценкой доверия. Экземпляр принадлежит
// ровно одной сессии и не рассчитан на конкурентное использование.
type Smoother struct {
	state filterState
}

// New создает новый фильтр без состояния
func New() *Smoother {
	return &Smoother{}
}

// Reset полностью очищает состояние фильтра
func (s *Smoother) Reset() {
	s.state = filterState{}
}

// Initialized сообщает, было ли обработано хотя бы одно наблюдение
func (s *Smoother) Initialized() bool {
	return s.state.initialized
}

// Update обрабатывает очередное наблюдение и возвращает сглаженную позицию.
// Некорректный или устаревший вход не является ошибкой: фильтр сбрасывается
// на наблюдение и продолжает работу.
func (s *Smoother) Update(fix models.PositionFix) models.FilteredPosition {
	if !s.state.initialized {
		return s.seed(fix, models.PositionSourceInitial)
	}

	dt := fix.Timestamp.Sub(s.state.timestamp).Seconds()

	// Разрыв: сдвиг часов назад или слишком старое состояние. Смешивание
	// через такой разрыв загрязняет оценку скорости, поэтому начинаем заново.
	if dt <= 0 || dt > maxDeltaTime.Seconds() {
		return s.seed(fix, models.PositionSourceReset)
	}

	prevLat := s.state.lat
	prevLon := s.state.lon

	// Предсказание по текущей оценке скорости
	predLat := s.state.lat + s.state.velLat*dt
	predLon := s.state.lon + s.state.velLon*dt
	s.state.covariance += processNoise * dt

	// Коэффициент усиления и коррекция по наблюдению
	gain := s.state.covariance / (s.state.covariance + measurementNoise)
	innovLat := fix.Position.Latitude - predLat
	innovLon := fix.Position.Longitude - predLon

	s.state.lat = predLat + gain*innovLat
	s.state.lon = predLon + gain*innovLon

	// Оценку скорости сглаживаем, чтобы не усиливать шум наблюдений
	s.state.velLat = velocityBlendOld*s.state.velLat + velocityBlendNew*(innovLat/dt*gain)
	s.state.velLon = velocityBlendOld*s.state.velLon + velocityBlendNew*(innovLon/dt*gain)
	s.state.covariance = (1 - gain) * s.state.covariance

	// Взвешенное смешивание точности: свежие и точные наблюдения весят больше
	weight := math.Exp(-dt/10) * (1 / (1 + fix.Accuracy/20))
	s.state.accuracy = weight*fix.Accuracy + (1-weight)*s.state.accuracy

	confidence := s.confidence(prevLat, prevLon, dt, weight)
	s.state.timestamp = fix.Timestamp

	return models.FilteredPosition{
		Position: models.GeoPoint{
			Latitude:  s.state.lat,
			Longitude: s.state.lon,
		},
		Accuracy:   s.state.accuracy,
		Confidence: confidence,
		Source:     models.PositionSourceFiltered,
		Timestamp:  fix.Timestamp,
	}
}

// seed инициализирует состояние наблюдением без смешивания
func (s *Smoother) seed(fix models.PositionFix, source string) models.FilteredPosition {
	s.state = filterState{
		initialized: true,
		lat:         fix.Position.Latitude,
		lon:         fix.Position.Longitude,
		covariance:  measurementNoise,
		accuracy:    fix.Accuracy,
		timestamp:   fix.Timestamp,
	}

	confidence := models.ClampConfidence(int(math.Max(40, 100-fix.Accuracy)))

	return models.FilteredPosition{
		Position:   fix.Position,
		Accuracy:   fix.Accuracy,
		Confidence: confidence,
		Source:     source,
		Timestamp:  fix.Timestamp,
	}
}

// confidence вычисляет композитную оценку доверия 0-100:
// 50% точность, 30% консистентность наблюдений, 20% правдоподобность движения
func (s *Smoother) confidence(prevLat, prevLon, dt, weight float64) int {
	accuracyScore := math.Max(0, 100-2*s.state.accuracy)
	consistencyScore := weight * 100

	// Проверка подразумеваемой скорости против пешеходного потолка.
	// Невозможный прыжок обнуляет компоненту движения независимо от
	// детектора мошенничества.
	prev := models.GeoPoint{Latitude: prevLat, Longitude: prevLon}
	curr := models.GeoPoint{Latitude: s.state.lat, Longitude: s.state.lon}
	moved := prev.DistanceTo(curr)

	movementScore := 100.0
	if moved > maxWalkingSpeedMps*dt {
		movementScore = 0
	}

	confidence := math.Round(0.5*accuracyScore + 0.3*consistencyScore + 0.2*movementScore)
	return models.ClampConfidence(int(confidence))
}

package models

import (
	"fmt"
	"math"

	"github.com/mmcloughlin/geohash"
)

// GeoPoint представляет географическую точку
type GeoPoint struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Validate проверяет корректность координат
func (p GeoPoint) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("invalid latitude: %f", p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("invalid longitude: %f", p.Longitude)
	}
	return nil
}

// DistanceTo вычисляет расстояние до другой точки в метрах (формула Haversine)
func (p GeoPoint) DistanceTo(other GeoPoint) float64 {
	const earthRadius = 6371000 // метры

	lat1Rad := p.Latitude * math.Pi / 180
	lat2Rad := other.Latitude * math.Pi / 180
	deltaLat := (other.Latitude - p.Latitude) * math.Pi / 180
	deltaLon := (other.Longitude - p.Longitude) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}

// Geohash возвращает geohash для точки с заданной точностью
func (p GeoPoint) Geohash(precision int) string {
	return geohash.EncodeWithPrecision(p.Latitude, p.Longitude, uint(precision))
}

// IsInBounds проверяет, находится ли точка в границах
func (p GeoPoint) IsInBounds(sw, ne GeoPoint) bool {
	return p.Latitude >= sw.Latitude && p.Latitude <= ne.Latitude &&
		p.Longitude >= sw.Longitude && p.Longitude <= ne.Longitude
}

// Bounds представляет географические границы
type Bounds struct {
	Southwest GeoPoint `json:"sw"`
	Northeast GeoPoint `json:"ne"`
}

// BoundsAround возвращает границы квадрата вокруг центра с заданным радиусом в метрах.
// Используется как грубый префильтр перед точным haversine-расчетом.
func BoundsAround(center GeoPoint, radiusM float64) Bounds {
	latDegPerM := 1.0 / 111000.0
	lonDegPerM := 1.0 / (111000.0 * math.Cos(center.Latitude*math.Pi/180))

	latDelta := radiusM * latDegPerM
	lonDelta := radiusM * lonDegPerM

	return Bounds{
		Southwest: GeoPoint{
			Latitude:  center.Latitude - latDelta,
			Longitude: center.Longitude - lonDelta,
		},
		Northeast: GeoPoint{
			Latitude:  center.Latitude + latDelta,
			Longitude: center.Longitude + lonDelta,
		},
	}
}

// Contains проверяет, содержится ли точка в границах
func (b Bounds) Contains(point GeoPoint) bool {
	return point.IsInBounds(b.Southwest, b.Northeast)
}

// Center возвращает центральную точку границ
func (b Bounds) Center() GeoPoint {
	return GeoPoint{
		Latitude:  (b.Southwest.Latitude + b.Northeast.Latitude) / 2,
		Longitude: (b.Southwest.Longitude + b.Northeast.Longitude) / 2,
	}
}

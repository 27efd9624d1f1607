package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

// GeohashPrecisionM примерный размер ячейки geohash в метрах по точности
var GeohashPrecisionM = map[int]float64{
	1: 5000000,
	2: 1250000,
	3: 156000,
	4: 39100,
	5: 4900,
	6: 1200,
	7: 152,
	8: 38,
}

const (
	minPrecision = 1
	maxPrecision = 8

	// Метров в одном градусе широты
	metersPerDegree = 111000
)

// OptimalPrecision возвращает точность geohash, при которой ячейка
// составляет около четверти радиуса: запрос по радиусу задевает
// немного ячеек
func OptimalPrecision(radiusM float64) int {
	targetSize := radiusM / 4

	for precision := minPrecision; precision <= maxPrecision; precision++ {
		if GeohashPrecisionM[precision] <= targetSize {
			return precision
		}
	}

	return maxPrecision
}

// Cover возвращает ячейки geohash, покрывающие окружность вокруг центра.
// Обход идет кольцами соседей от центральной ячейки и останавливается,
// когда очередное кольцо перестает пересекать окружность, поэтому
// покрытие полное при любом соотношении радиуса и размера ячейки.
// Используется для префильтра каталога зон и группировки по регионам.
func Cover(lat, lon, radiusM float64, precision int) []string {
	if precision <= 0 {
		precision = OptimalPrecision(radiusM)
	}
	if precision > maxPrecision {
		precision = maxPrecision
	}

	center := geohash.EncodeWithPrecision(lat, lon, uint(precision))

	cells := map[string]struct{}{center: {}}

	frontier := []string{center}
	radiusDeg := radiusM / metersPerDegree

	for len(frontier) > 0 {
		next := make([]string, 0, len(frontier)*8)
		for _, cell := range frontier {
			for _, neighbor := range geohash.Neighbors(cell) {
				if _, seen := cells[neighbor]; seen {
					continue
				}
				box := geohash.BoundingBox(neighbor)
				if boxIntersectsCircle(box, lat, lon, radiusDeg) {
					cells[neighbor] = struct{}{}
					next = append(next, neighbor)
				}
			}
		}
		frontier = next
	}

	result := make([]string, 0, len(cells))
	for cell := range cells {
		result = append(result, cell)
	}
	return result
}

// boxIntersectsCircle проверяет пересечение ячейки geohash с окружностью
// в градусах. Приближение планарное с поправкой косинуса по долготе,
// для выбора ячеек на субградусных радиусах этого достаточно.
func boxIntersectsCircle(box geohash.Box, lat, lon, radiusDeg float64) bool {
	nearestLat := clamp(lat, box.MinLat, box.MaxLat)
	nearestLon := clamp(lon, box.MinLng, box.MaxLng)

	dLat := lat - nearestLat
	dLon := (lon - nearestLon) * math.Cos(lat*math.Pi/180)

	return dLat*dLat+dLon*dLon <= radiusDeg*radiusDeg
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

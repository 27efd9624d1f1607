package models

import "fmt"

// GeofenceTarget круглая целевая зона (магазин/точка выдачи)
type GeofenceTarget struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Position   GeoPoint `json:"position"`
	RadiusM    float64  `json:"radius_m"`
	StrictMode bool     `json:"strict_mode"`
}

// Validate проверяет корректность целевой зоны
func (t *GeofenceTarget) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("target id is required")
	}
	if err := t.Position.Validate(); err != nil {
		return fmt.Errorf("target %s: %w", t.ID, err)
	}
	if t.RadiusM <= 0 {
		return fmt.Errorf("target %s: invalid radius: %f", t.ID, t.RadiusM)
	}
	return nil
}

// ValidationStatus результат классификации близости
type ValidationStatus string

const (
	StatusAllow ValidationStatus = "allow"
	StatusWarn  ValidationStatus = "warn"
	StatusBlock ValidationStatus = "block"
)

// ValidationResult результат проверки позиции против целевой зоны
type ValidationResult struct {
	TargetID       string           `json:"target_id,omitempty"`
	Status         ValidationStatus `json:"status"`
	DistanceM      float64          `json:"distance_m"`
	Confidence     int              `json:"confidence"`
	Recommendation string           `json:"recommendation"`
}

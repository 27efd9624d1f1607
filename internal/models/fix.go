package models

import (
	"fmt"
	"time"
)

// PositionFix сырое наблюдение от платформенного location API
type PositionFix struct {
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Position  GeoPoint  `json:"position"`
	Accuracy  float64   `json:"accuracy_m"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate проверяет корректность сырого наблюдения
func (f *PositionFix) Validate() error {
	if err := f.Position.Validate(); err != nil {
		return err
	}
	if f.Accuracy < 0 {
		return fmt.Errorf("invalid accuracy: %f", f.Accuracy)
	}
	if f.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Источники сглаженной позиции
const (
	PositionSourceInitial  = "initial"  // первое наблюдение сессии
	PositionSourceFiltered = "filtered" // результат рекурсивного фильтра
	PositionSourceReset    = "reset"    // сброс после разрыва во времени
)

// FilteredPosition сглаженная позиция с оценкой доверия
type FilteredPosition struct {
	Position   GeoPoint  `json:"position"`
	Accuracy   float64   `json:"accuracy_m"`
	Confidence int       `json:"confidence"` // 0-100
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}

// ClampConfidence ограничивает значение доверия диапазоном [0, 100]
func ClampConfidence(confidence int) int {
	if confidence < 0 {
		return 0
	}
	if confidence > 100 {
		return 100
	}
	return confidence
}

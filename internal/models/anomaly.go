package models

// AnomalySeverity уровень серьезности аномалии
type AnomalySeverity string

const (
	SeverityLow      AnomalySeverity = "low"
	SeverityMedium   AnomalySeverity = "medium"
	SeverityHigh     AnomalySeverity = "high"
	SeverityCritical AnomalySeverity = "critical"
)

// Пороги серьезности по суммарному счету аномалии
const (
	SeverityCriticalScore = 80
	SeverityHighScore     = 60
	SeverityMediumScore   = 30
)

// SeverityForScore возвращает уровень серьезности для счета аномалии
func SeverityForScore(score int) AnomalySeverity {
	switch {
	case score >= SeverityCriticalScore:
		return SeverityCritical
	case score >= SeverityHighScore:
		return SeverityHigh
	case score >= SeverityMediumScore:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AnomalyScore результат проверки наблюдения на признаки подмены координат
type AnomalyScore struct {
	Score       int             `json:"score"` // 0-100
	Reasons     []string        `json:"reasons,omitempty"`
	Severity    AnomalySeverity `json:"severity"`
	ShouldBlock bool            `json:"should_block"`
}

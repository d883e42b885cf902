package pipeline

import "github.com/san-kum/crash-severity/server/models"

const (
	SeverityFatal        = "Fatal"
	SeveritySevereInjury = "Severe Injury"
)

const (
	ColorHigh   = "#e74c3c"
	ColorMedium = "#f39c12"
	ColorLow    = "#2ecc71"
)

// AssessRisk maps a predicted label and its confidence to a display tier. The
// first matching rule wins.
func AssessRisk(label string, confidence float64) (models.RiskLevel, string) {
	switch {
	case label == SeverityFatal || confidence > 0.7:
		return models.RiskHigh, ColorHigh
	case label == SeveritySevereInjury || confidence > 0.5:
		return models.RiskMedium, ColorMedium
	default:
		return models.RiskLow, ColorLow
	}
}

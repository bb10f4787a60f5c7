package risk

import (
	"github.com/rzzdr/assignment-risk-engine/pkg/models"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
)

// Decision cutoffs shared by the engine. They are independent of the
// classifier table and of the profile roll/close thresholds.
const (
	// CriticalEscalationThreshold routes a position to the advisory service
	CriticalEscalationThreshold = 0.80
	// FallbackCloseThreshold picks CLOSE over ROLL_OUT when the advisory is not trusted
	FallbackCloseThreshold = 0.85
	// ForcedCloseThreshold accepts a close regardless of profit
	ForcedCloseThreshold = 0.90
	// AdvisoryConfidenceGate is the confidence an advisory decision needs to be acted on
	AdvisoryConfidenceGate = 0.8
)

// Thresholds is the ordered table used to bucket probabilities
type Thresholds struct {
	Low    float64 `mapstructure:"low" yaml:"low"`
	Medium float64 `mapstructure:"medium" yaml:"medium"`
	High   float64 `mapstructure:"high" yaml:"high"`
}

// DefaultThresholds is the canonical classification table
var DefaultThresholds = Thresholds{Low: 0.15, Medium: 0.35, High: 0.60}

// Validate checks the table is strictly increasing inside (0, 1)
func (t Thresholds) Validate() error {
	if !(t.Low > 0 && t.Low < t.Medium && t.Medium < t.High && t.High < 1) {
		return errors.Config("risk thresholds must satisfy 0 < low < medium < high < 1")
	}
	return nil
}

// Degraded is the probability stored when risk cannot be computed: the
// lowest value the table classifies as CRITICAL.
func (t Thresholds) Degraded() float64 {
	return t.High
}

// Classify maps p onto a risk level. Boundary values land in the higher bucket.
func Classify(p float64, t Thresholds) models.RiskLevel {
	switch {
	case p < t.Low:
		return models.RiskLevelLow
	case p < t.Medium:
		return models.RiskLevelMedium
	case p < t.High:
		return models.RiskLevelHigh
	default:
		return models.RiskLevelCritical
	}
}

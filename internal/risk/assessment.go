package risk

import (
	"math"

	"github.com/rzzdr/assignment-risk-engine/pkg/models"
)

// Roll recommendations returned by RollRecommendation
const (
	RecommendRollOutImmediately = "ROLL_OUT_IMMEDIATELY"
	RecommendRollUpAndOut       = "ROLL_UP_AND_OUT"
	RecommendRollOut            = "ROLL_OUT"
	RecommendConsiderRollOut    = "CONSIDER_ROLL_OUT"
	RecommendMonitorClosely     = "MONITOR_CLOSELY"
	RecommendHold               = "HOLD"
)

// deepInTheMoney is the exercise moneyness beyond which moving the strike is preferred
const deepInTheMoney = 1 / 0.95

// Recommendation is one prioritized suggestion attached to an assessment
type Recommendation struct {
	Type     string `json:"type"`
	Action   string `json:"action"`
	Priority string `json:"priority"`
	Reason   string `json:"reason"`
}

// Assessment is a one-shot risk evaluation of a position that is not tracked
type Assessment struct {
	Symbol                string           `json:"symbol"`
	ExerciseMoneyness     float64          `json:"exerciseMoneyness"`
	TimeToExpiry          float64          `json:"timeToExpiry"`
	IntrinsicValue        float64          `json:"intrinsicValue"`
	AssignmentProbability float64          `json:"assignmentProbability"`
	RiskLevel             models.RiskLevel `json:"riskLevel"`
	EarlyAssignmentRisk   float64          `json:"earlyAssignmentRisk"`
	RollRecommendation    string           `json:"rollRecommendation"`
	Recommendations       []Recommendation `json:"recommendations"`
	Greeks                *Greeks          `json:"greeks,omitempty"`
	Degraded              bool             `json:"degraded,omitempty"`
}

// Assess evaluates pos with the given volatility and trend. It is total:
// unusable inputs yield a degraded CRITICAL assessment at t.Degraded().
func Assess(pos *models.Position, volatility float64, trend models.Trend, t Thresholds) Assessment {
	a := Assessment{
		Symbol:            pos.Symbol,
		ExerciseMoneyness: pos.ExerciseMoneyness(),
		TimeToExpiry:      YearsToExpiry(pos.DaysToExpiry),
	}

	if InputsFinite(pos.CurrentPrice, pos.Strike, volatility, pos.DaysToExpiry) {
		a.IntrinsicValue = pos.Intrinsic()
		a.AssignmentProbability = EstimateAssignmentProbability(a.ExerciseMoneyness, a.TimeToExpiry, volatility, Conditions{
			DaysToExpiry:   pos.DaysToExpiry,
			ExpirationWeek: true,
			Trend:          trend,
		})
		if g, ok := ShortOptionGreeks(pos, volatility); ok {
			a.Greeks = &g
		}
	} else {
		a.AssignmentProbability = t.Degraded()
		a.Degraded = true
	}

	a.RiskLevel = Classify(a.AssignmentProbability, t)
	a.EarlyAssignmentRisk = EarlyAssignmentRisk(a.AssignmentProbability, pos.DaysToExpiry)
	a.RollRecommendation = RollRecommendation(a.RiskLevel, a.ExerciseMoneyness, pos.DaysToExpiry)
	a.Recommendations = recommendationsFor(a)

	return a
}

// RollRecommendation suggests a roll for a risk level, exercise moneyness and DTE
func RollRecommendation(level models.RiskLevel, exerciseMoneyness, daysToExpiry float64) string {
	switch level {
	case models.RiskLevelHigh, models.RiskLevelCritical:
		if daysToExpiry < expirationWeekDays {
			return RecommendRollOutImmediately
		}
		if !math.IsNaN(exerciseMoneyness) && exerciseMoneyness > deepInTheMoney {
			return RecommendRollUpAndOut
		}
		return RecommendRollOut
	case models.RiskLevelMedium:
		if daysToExpiry < 7 {
			return RecommendConsiderRollOut
		}
		return RecommendMonitorClosely
	default:
		return RecommendHold
	}
}

func recommendationsFor(a Assessment) []Recommendation {
	var recs []Recommendation
	if a.AssignmentProbability > 0.6 {
		recs = append(recs, Recommendation{
			Type:     "IMMEDIATE_ACTION",
			Action:   string(models.ActionRollOut),
			Priority: "HIGH",
			Reason:   "high assignment probability",
		})
	}
	if a.EarlyAssignmentRisk > 0.3 {
		recs = append(recs, Recommendation{
			Type:     "EARLY_ASSIGNMENT",
			Action:   string(models.ActionRollUpAndOut),
			Priority: "MEDIUM",
			Reason:   "early assignment risk",
		})
	}
	// 0.02 years is about a week
	if a.TimeToExpiry < 0.02 {
		recs = append(recs, Recommendation{
			Type:     "TIME_DECAY",
			Action:   "CONSIDER_ROLL",
			Priority: "MEDIUM",
			Reason:   "short time to expiry",
		})
	}
	return recs
}

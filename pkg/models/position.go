package models

import (
	"math"
	"time"
)

// StrategyKind is the option-selling strategy a position belongs to
type StrategyKind string

const (
	StrategyCoveredCall    StrategyKind = "COVERED_CALL"
	StrategyCashSecuredPut StrategyKind = "CASH_SECURED_PUT"
)

// Valid reports whether k is a known strategy
func (k StrategyKind) Valid() bool {
	return k == StrategyCoveredCall || k == StrategyCashSecuredPut
}

// RiskLevel buckets an assignment probability
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// AdvisoryRecommendation is the last decision returned by the advisory service
type AdvisoryRecommendation struct {
	Decision   string    `json:"decision"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	AnalyzedAt time.Time `json:"analyzedAt"`
}

// Position is one sold option leg tracked by the engine
type Position struct {
	ID       string       `json:"id"`
	Symbol   string       `json:"symbol"`
	Strategy StrategyKind `json:"strategy"`

	Strike           float64   `json:"strike"`
	Expiry           time.Time `json:"expiry"`
	DaysToExpiry     float64   `json:"daysToExpiry"`
	PremiumCollected float64   `json:"premiumCollected"`
	Quantity         float64   `json:"quantity"`
	OpenedAt         time.Time `json:"openedAt"`
	TenorDays        float64   `json:"tenorDays"`
	LongTermHolding  bool      `json:"longTermHolding"`

	CurrentPrice float64 `json:"currentPrice"`
	Moneyness    float64 `json:"moneyness"`
	Volatility   float64 `json:"volatility"`

	AssignmentProbability float64   `json:"assignmentProbability"`
	RiskLevel             RiskLevel `json:"riskLevel"`
	// RiskDegraded is set while the last refresh had unusable model inputs
	RiskDegraded bool `json:"riskDegraded,omitempty"`

	RollHistory []RollRecord `json:"rollHistory"`

	LastUpdate             time.Time               `json:"lastUpdate"`
	AdvisoryAnalyzed       bool                    `json:"advisoryAnalyzed"`
	AdvisoryRecommendation *AdvisoryRecommendation `json:"advisoryRecommendation,omitempty"`
}

// ExerciseMoneyness is the ratio that rises as the option moves into the
// money: price/strike for calls, strike/price for puts.
func (p *Position) ExerciseMoneyness() float64 {
	if p.Strike <= 0 || p.CurrentPrice <= 0 {
		return math.NaN()
	}
	if p.Strategy == StrategyCashSecuredPut {
		return p.Strike / p.CurrentPrice
	}
	return p.CurrentPrice / p.Strike
}

// Intrinsic returns the per-unit intrinsic value of the short option
func (p *Position) Intrinsic() float64 {
	if p.Strategy == StrategyCashSecuredPut {
		return math.Max(p.Strike-p.CurrentPrice, 0)
	}
	return math.Max(p.CurrentPrice-p.Strike, 0)
}

// RefreshDaysToExpiry recomputes DaysToExpiry against now, never below zero
func (p *Position) RefreshDaysToExpiry(now time.Time) {
	p.DaysToExpiry = math.Max(p.Expiry.Sub(now).Hours()/24, 0)
}

// Clone returns a deep copy safe to hand out of the engine
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.RollHistory = append([]RollRecord(nil), p.RollHistory...)
	if p.AdvisoryRecommendation != nil {
		rec := *p.AdvisoryRecommendation
		c.AdvisoryRecommendation = &rec
	}
	return &c
}

package models

import (
	"time"
)

// RollRecord is the immutable outcome of a roll attempt
type RollRecord struct {
	Action    Action    `json:"action" msgpack:"action"`
	OldStrike float64   `json:"oldStrike" msgpack:"old_strike"`
	NewStrike float64   `json:"newStrike" msgpack:"new_strike"`
	OldExpiry time.Time `json:"oldExpiry" msgpack:"old_expiry"`
	NewExpiry time.Time `json:"newExpiry" msgpack:"new_expiry"`
	// NetCredit is signed; a negative value is a debit paid to roll
	NetCredit float64   `json:"netCredit" msgpack:"net_credit"`
	Success   bool      `json:"success" msgpack:"success"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// CloseRecord is the immutable outcome of a close attempt
type CloseRecord struct {
	PositionID  string    `json:"positionId"`
	Symbol      string    `json:"symbol"`
	Strike      float64   `json:"strike"`
	Expiry      time.Time `json:"expiry"`
	BuyBackCost float64   `json:"buyBackCost"`
	ProfitLoss  float64   `json:"profitLoss"`
	ProfitPct   float64   `json:"profitPct"`
	// Forced is set when the close was accepted only because of the probability override
	Forced    bool      `json:"forced"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// PortfolioRiskSnapshot aggregates per-position risk at a point in time
type PortfolioRiskSnapshot struct {
	PortfolioRiskScore       float64   `json:"portfolioRiskScore"`
	AvgAssignmentProbability float64   `json:"avgAssignmentProbability"`
	MaxAssignmentProbability float64   `json:"maxAssignmentProbability"`
	HighRiskCount            int       `json:"highRiskCount"`
	CriticalRiskCount        int       `json:"criticalRiskCount"`
	TotalPositions           int       `json:"totalPositions"`
	WorstPositionID          string    `json:"worstPositionId,omitempty"`
	ComputedAt               time.Time `json:"computedAt"`
}

// Performance counts what the engine has done since start
type Performance struct {
	TotalAlerts       int     `json:"totalAlerts"`
	AccurateAlerts    int     `json:"accurateAlerts"`
	SuccessfulRolls   int     `json:"successfulRolls"`
	FailedActions     int     `json:"failedActions"`
	EarlyCloses       int     `json:"earlyCloses"`
	TotalSaved        float64 `json:"totalSaved"`
	AdvisoryFallbacks int     `json:"advisoryFallbacks"`
}

// SuccessRate is the share of alerts later confirmed by a confident advisory decision
func (p Performance) SuccessRate() float64 {
	return float64(p.AccurateAlerts) / float64(max(p.TotalAlerts, 1))
}

// PreventionRate is the share of alerts that ended in a successful roll
func (p Performance) PreventionRate() float64 {
	return float64(p.SuccessfulRolls) / float64(max(p.TotalAlerts, 1))
}

// Trend is the market direction supplied by the market-data collaborator
type Trend string

const (
	TrendBullish Trend = "BULLISH"
	TrendBearish Trend = "BEARISH"
	TrendNeutral Trend = "NEUTRAL"
)

// VolatilityRegime is a coarse volatility classification
type VolatilityRegime string

const (
	VolatilityLow     VolatilityRegime = "LOW"
	VolatilityNormal  VolatilityRegime = "NORMAL"
	VolatilityHigh    VolatilityRegime = "HIGH"
	VolatilityExtreme VolatilityRegime = "EXTREME"
)

// MarketConditions is the last market regime observed by the engine
type MarketConditions struct {
	VolatilityRegime VolatilityRegime `json:"volatilityRegime"`
	TrendDirection   Trend            `json:"trendDirection"`
	LastUpdate       time.Time        `json:"lastUpdate"`
}

// PositionSummary is the per-position line of a risk report
type PositionSummary struct {
	ID                    string    `json:"id"`
	Symbol                string    `json:"symbol"`
	RiskLevel             RiskLevel `json:"riskLevel"`
	AssignmentProbability float64   `json:"assignmentProbability"`
	DaysToExpiry          float64   `json:"daysToExpiry"`
	Moneyness             float64   `json:"moneyness"`
}

// RiskReport is emitted after each aggregation run
type RiskReport struct {
	Snapshot         PortfolioRiskSnapshot `json:"snapshot"`
	Performance      Performance           `json:"performance"`
	MarketConditions MarketConditions      `json:"marketConditions"`
	Positions        []PositionSummary     `json:"positions"`
	ActiveAlerts     int                   `json:"activeAlerts"`
	GeneratedAt      time.Time             `json:"generatedAt"`
}

package models

import "time"

// AlertType identifies the rule that raised an alert
type AlertType string

const (
	AlertRollRecommended    AlertType = "ROLL_RECOMMENDED"
	AlertCriticalRisk       AlertType = "CRITICAL_RISK"
	AlertNearMoneyShortTime AlertType = "NEAR_MONEY_SHORT_TIME"
	// AlertRiskModelDegraded is raised when a position's risk could not be computed
	AlertRiskModelDegraded AlertType = "RISK_MODEL_DEGRADED"
)

// AlertSeverity of a risk alert
type AlertSeverity string

const (
	SeverityMedium AlertSeverity = "MEDIUM"
	SeverityHigh   AlertSeverity = "HIGH"
)

// Action is a remediation the engine can recommend or execute
type Action string

const (
	ActionRollOut        Action = "ROLL_OUT"
	ActionRollUpAndOut   Action = "ROLL_UP_AND_OUT"
	ActionClosePosition  Action = "CLOSE_POSITION"
	ActionMonitorClosely Action = "MONITOR_CLOSELY"
)

// AlertStatus tracks an alert through its lifecycle
type AlertStatus string

const (
	AlertActive    AlertStatus = "ACTIVE"
	AlertProcessed AlertStatus = "PROCESSED"
	AlertExpired   AlertStatus = "EXPIRED"
	AlertFailed    AlertStatus = "FAILED"
)

// Alert is raised by the alert engine for a single position
type Alert struct {
	ID                string        `json:"id"`
	PositionID        string        `json:"positionId"`
	Symbol            string        `json:"symbol"`
	Type              AlertType     `json:"type"`
	Severity          AlertSeverity `json:"severity"`
	RecommendedAction Action        `json:"recommendedAction"`
	Status            AlertStatus   `json:"status"`
	Message           string        `json:"message"`
	Probability       float64       `json:"probability"`
	CreatedAt         time.Time     `json:"createdAt"`
	ProcessedAt       *time.Time    `json:"processedAt,omitempty"`
	FailureReason     string        `json:"failureReason,omitempty"`
}

// IsActive reports whether the alert still awaits a disposition
func (a *Alert) IsActive() bool {
	return a.Status == AlertActive
}

// Resolve moves the alert to a terminal status
func (a *Alert) Resolve(status AlertStatus, at time.Time, reason string) {
	a.Status = status
	a.ProcessedAt = &at
	a.FailureReason = reason
}

package events

import "github.com/rzzdr/assignment-risk-engine/pkg/models"

// Payload types by event:
//
//	risk_alert                  models.Alert
//	roll_executed               ActionOutcome
//	position_closed             ActionOutcome
//	action_failed               ActionOutcome
//	critical_positions_detected CriticalPositions
//	risk_report_generated       models.RiskReport
//	position_expired            models.PositionSummary
//	advisory_decision           AdvisoryOutcome

// Sources of an executed action
const (
	SourceAuto       = "auto"
	SourceEscalation = "escalation"
	SourceManual     = "manual"
)

// ActionOutcome reports an executed or rejected remediation
type ActionOutcome struct {
	PositionID string              `json:"positionId"`
	Symbol     string              `json:"symbol"`
	Action     models.Action       `json:"action"`
	Source     string              `json:"source"`
	AlertID    string              `json:"alertId,omitempty"`
	Success    bool                `json:"success"`
	Reason     string              `json:"reason,omitempty"`
	Roll       *models.RollRecord  `json:"roll,omitempty"`
	Close      *models.CloseRecord `json:"close,omitempty"`
}

// CriticalPositions lists the positions routed to escalation
type CriticalPositions struct {
	Count     int                      `json:"count"`
	Positions []models.PositionSummary `json:"positions"`
}

// AdvisoryOutcome reports an advisory call and what the engine did with it
type AdvisoryOutcome struct {
	PositionID string        `json:"positionId"`
	Decision   string        `json:"decision,omitempty"`
	Confidence float64       `json:"confidence"`
	Reasoning  string        `json:"reasoning,omitempty"`
	Action     models.Action `json:"action,omitempty"`
	// Fallback is set when the decision was not trusted or the call failed
	Fallback bool   `json:"fallback"`
	Error    string `json:"error,omitempty"`
	// StoredOnly marks a recommendation recorded without acting on it
	StoredOnly bool `json:"storedOnly,omitempty"`
}

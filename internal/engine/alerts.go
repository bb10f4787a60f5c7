package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rzzdr/assignment-risk-engine/internal/events"
	"github.com/rzzdr/assignment-risk-engine/internal/risk"
	"github.com/rzzdr/assignment-risk-engine/pkg/models"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
)

const (
	nearMoneyThreshold = 0.98
	nearMoneyMaxDays   = 7
)

type alertKey struct {
	positionID string
	alertType  models.AlertType
}

type alertRule struct {
	alertType models.AlertType
	severity  models.AlertSeverity
	action    models.Action
	triggered func(p *models.Position, profile risk.Profile) bool
	message   func(p *models.Position) string
}

// alertRules are evaluated in order; one position may raise several types
var alertRules = []alertRule{
	{
		alertType: models.AlertRollRecommended,
		severity:  models.SeverityMedium,
		action:    models.ActionRollOut,
		triggered: func(p *models.Position, profile risk.Profile) bool {
			return p.AssignmentProbability > profile.RollThreshold
		},
		message: func(p *models.Position) string {
			return fmt.Sprintf("%s assignment probability %.1f%% above roll threshold", p.Symbol, p.AssignmentProbability*100)
		},
	},
	{
		alertType: models.AlertCriticalRisk,
		severity:  models.SeverityHigh,
		action:    models.ActionClosePosition,
		triggered: func(p *models.Position, profile risk.Profile) bool {
			return p.AssignmentProbability > profile.CloseThreshold
		},
		message: func(p *models.Position) string {
			return fmt.Sprintf("%s assignment probability %.1f%% above close threshold", p.Symbol, p.AssignmentProbability*100)
		},
	},
	{
		alertType: models.AlertNearMoneyShortTime,
		severity:  models.SeverityHigh,
		action:    models.ActionMonitorClosely,
		triggered: func(p *models.Position, _ risk.Profile) bool {
			return p.ExerciseMoneyness() > nearMoneyThreshold && p.DaysToExpiry < nearMoneyMaxDays
		},
		message: func(p *models.Position) string {
			return fmt.Sprintf("%s near the money with %.1f days to expiry", p.Symbol, p.DaysToExpiry)
		},
	},
}

// evaluateAlerts runs the alert rules for pos and auto-executes a roll when
// the profile allows it. Must be called with mu held.
func (e *Engine) evaluateAlerts(pos *models.Position, now time.Time, fx *effects) {
	profile := e.cfg.Profile

	var autoRoll *models.Alert
	for _, rule := range alertRules {
		if !rule.triggered(pos, profile) {
			continue
		}
		a, _ := e.raise(pos, rule.alertType, rule.severity, rule.action, rule.message(pos), now, fx)
		if rule.alertType == models.AlertRollRecommended && a.IsActive() && e.autoExecutable(pos) {
			autoRoll = a
		}
	}

	if autoRoll != nil {
		e.executeLocked(pos, autoRoll.RecommendedAction, autoRoll, events.SourceAuto, now, fx)
	}
}

// autoExecutable reports whether a roll alert for pos may run without review
func (e *Engine) autoExecutable(pos *models.Position) bool {
	profile := e.cfg.Profile
	p := pos.AssignmentProbability
	return profile.AutoRoll && p > profile.RollThreshold && p < profile.CloseThreshold
}

func (e *Engine) raiseDegraded(pos *models.Position, now time.Time, fx *effects) {
	e.raise(pos, models.AlertRiskModelDegraded, models.SeverityHigh, models.ActionMonitorClosely,
		fmt.Sprintf("%s risk could not be computed from current market data", pos.Symbol), now, fx)
}

// raise creates an alert unless one for the same position and type is still
// open. Must be called with mu held.
func (e *Engine) raise(pos *models.Position, t models.AlertType, sev models.AlertSeverity, action models.Action, msg string, now time.Time, fx *effects) (*models.Alert, bool) {
	key := alertKey{positionID: pos.ID, alertType: t}
	if existing, open := e.open[key]; open {
		return existing, false
	}

	a := &models.Alert{
		ID:                uuid.NewString(),
		PositionID:        pos.ID,
		Symbol:            pos.Symbol,
		Type:              t,
		Severity:          sev,
		RecommendedAction: action,
		Status:            models.AlertActive,
		Message:           msg,
		Probability:       pos.AssignmentProbability,
		CreatedAt:         now,
	}
	e.alerts[a.ID] = a
	e.open[key] = a
	e.perf.TotalAlerts++

	e.log.Infow("Risk alert raised",
		"alert", a.ID,
		"position", pos.ID,
		"type", t,
		"severity", sev,
		"probability", a.Probability)
	fx.emit(events.RiskAlert, *a)
	return a, true
}

// resolve closes an alert. A FAILED alert keeps its (position, type) slot
// until the next sweep so the failed action is not retried within the same
// tick. Must be called with mu held.
func (e *Engine) resolve(a *models.Alert, status models.AlertStatus, now time.Time, reason string) {
	a.Resolve(status, now, reason)
	if status != models.AlertFailed {
		delete(e.open, alertKey{positionID: a.PositionID, alertType: a.Type})
	}
}

// sweepAlerts removes alerts that were already terminal and expires stale
// ACTIVE ones. Must be called with mu held.
func (e *Engine) sweepAlerts(now time.Time) {
	ttl := e.cfg.AlertTTL
	removed, expired := 0, 0

	for id, a := range e.alerts {
		switch a.Status {
		case models.AlertProcessed, models.AlertExpired, models.AlertFailed:
			delete(e.alerts, id)
			e.dropOpen(a)
			removed++
		case models.AlertActive:
			if now.Sub(a.CreatedAt) >= ttl {
				e.resolve(a, models.AlertExpired, now, "")
				expired++
			}
		}
	}

	if removed > 0 || expired > 0 {
		e.log.Debugw("Alert sweep", "removed", removed, "expired", expired, "retained", len(e.alerts))
	}
}

func (e *Engine) dropOpen(a *models.Alert) {
	key := alertKey{positionID: a.PositionID, alertType: a.Type}
	if e.open[key] == a {
		delete(e.open, key)
	}
}

// dropAlerts forgets every alert of a position. Must be called with mu held.
func (e *Engine) dropAlerts(positionID string) {
	for id, a := range e.alerts {
		if a.PositionID == positionID {
			delete(e.alerts, id)
			e.dropOpen(a)
		}
	}
}

// closeAlerts marks the remaining ACTIVE alerts of a closed position as
// PROCESSED. Must be called with mu held.
func (e *Engine) closeAlerts(positionID string, now time.Time) {
	for _, a := range e.alerts {
		if a.PositionID == positionID && a.IsActive() {
			e.resolve(a, models.AlertProcessed, now, "")
		}
	}
	for key := range e.open {
		if key.positionID == positionID {
			delete(e.open, key)
		}
	}
}

// Alerts returns copies of the retained alerts, optionally filtered by
// status, newest first
func (e *Engine) Alerts(statuses ...models.AlertStatus) []models.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	want := make(map[models.AlertStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	out := make([]models.Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		if len(want) > 0 && !want[a.Status] {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ExecuteAction runs a roll or close on request of the host, resolving the
// matching ACTIVE alert when there is one
func (e *Engine) ExecuteAction(ctx context.Context, positionID string, action models.Action) (risk.Result, error) {
	switch action {
	case models.ActionRollOut, models.ActionRollUpAndOut, models.ActionClosePosition:
	default:
		return risk.Result{}, errors.InvalidArgument(fmt.Sprintf("action %s is not executable", action))
	}

	now := e.cfg.Clock()
	var fx effects

	e.mu.Lock()
	pos, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return risk.Result{}, errors.NotFound("position not found: " + positionID)
	}
	if _, busy := e.busy[positionID]; busy {
		e.mu.Unlock()
		return risk.Result{}, errors.InvalidArgument("position is being escalated: " + positionID)
	}

	res, err := e.executeLocked(pos, action, e.activeAlertFor(positionID, action), events.SourceManual, now, &fx)
	e.mu.Unlock()

	e.flush(ctx, &fx)
	return res, err
}

// executeLocked evaluates action on pos, applies a successful result and
// resolves alert if given. Must be called with mu held.
func (e *Engine) executeLocked(pos *models.Position, action models.Action, alert *models.Alert, source string, now time.Time, fx *effects) (risk.Result, error) {
	res, err := e.executor.Execute(action, pos, now)

	outcome := events.ActionOutcome{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Action:     action,
		Source:     source,
		Success:    err == nil && res.Success(),
		Roll:       res.Roll,
		Close:      res.Close,
	}
	if alert != nil {
		outcome.AlertID = alert.ID
	}

	if !outcome.Success {
		reason := "action rejected"
		if err != nil {
			reason = err.Error()
		}
		outcome.Reason = reason
		e.perf.FailedActions++
		if alert != nil {
			e.resolve(alert, models.AlertFailed, now, reason)
		}
		e.log.Warnw("Action rejected",
			"position", pos.ID,
			"action", action,
			"source", source,
			"reason", reason)
		fx.emit(events.ActionFailed, outcome)
		return res, err
	}

	if alert != nil {
		e.resolve(alert, models.AlertProcessed, now, "")
	}

	proposal := Proposal{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Action:     action,
		Source:     source,
		Roll:       res.Roll,
		Close:      res.Close,
		CreatedAt:  now,
	}

	switch {
	case res.Roll != nil:
		risk.ApplyRoll(pos, *res.Roll, now)
		delete(e.expired, pos.ID)
		e.perf.SuccessfulRolls++
		e.log.Infow("Position rolled",
			"position", pos.ID,
			"action", action,
			"source", source,
			"strike", res.Roll.NewStrike,
			"expiry", res.Roll.NewExpiry,
			"netCredit", res.Roll.NetCredit)
		fx.emit(events.RollExecuted, outcome)
		fx.save(pos.Clone())

	case res.Close != nil:
		e.perf.EarlyCloses++
		if res.Close.ProfitLoss > 0 {
			e.perf.TotalSaved += res.Close.ProfitLoss
		}
		e.closeAlerts(pos.ID, now)
		e.removePosition(pos.ID)
		e.log.Infow("Position closed",
			"position", pos.ID,
			"source", source,
			"profitLoss", res.Close.ProfitLoss,
			"profitPct", res.Close.ProfitPct,
			"forced", res.Close.Forced)
		fx.emit(events.PositionClosed, outcome)
		fx.deletes = append(fx.deletes, pos.ID)
		fx.closes = append(fx.closes, *res.Close)
	}

	fx.proposals = append(fx.proposals, proposal)
	return res, nil
}

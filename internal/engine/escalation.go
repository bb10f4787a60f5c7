package engine

import (
	"context"
	"strings"

	"github.com/rzzdr/assignment-risk-engine/internal/events"
	"github.com/rzzdr/assignment-risk-engine/internal/risk"
	"github.com/rzzdr/assignment-risk-engine/pkg/models"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
)

// Advisory decisions
const (
	DecisionHold  = "HOLD"
	DecisionRoll  = "ROLL"
	DecisionClose = "CLOSE"
)

// Purposes of an advisory call
const (
	PurposeEscalation = "escalation"
	PurposeAnalysis   = "analysis"
)

// AdvisoryContext is what the advisory service sees about one position
type AdvisoryContext struct {
	Purpose          string                  `json:"purpose"`
	Position         models.Position         `json:"position"`
	Profile          risk.Profile            `json:"profile"`
	MarketConditions models.MarketConditions `json:"marketConditions"`
	RollHistory      []models.RollRecord     `json:"rollHistory"`
}

// AdvisoryDecision is the advisory service's answer
type AdvisoryDecision struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Advisor is the external decision service consulted for critical positions
type Advisor interface {
	Decide(ctx context.Context, actx AdvisoryContext) (AdvisoryDecision, error)
}

// AdvisorFunc adapts a function to Advisor
type AdvisorFunc func(ctx context.Context, actx AdvisoryContext) (AdvisoryDecision, error)

// Decide calls f
func (f AdvisorFunc) Decide(ctx context.Context, actx AdvisoryContext) (AdvisoryDecision, error) {
	return f(ctx, actx)
}

var errNoAdvisor = errors.New("no advisory service configured")

// AggregateTick recomputes the portfolio snapshot, publishes a risk report
// and escalates positions above the critical cutoff one at a time
func (e *Engine) AggregateTick(ctx context.Context) {
	now := e.cfg.Clock()

	e.mu.Lock()
	positions := e.sortedClones()
	snap := risk.Aggregate(positions, now)
	e.snapshot = snap
	report := e.reportLocked(snap, now)
	e.lastAggregate = now
	e.mu.Unlock()

	e.events.Publish(events.RiskReportGenerated, report)
	e.log.Infow("Portfolio risk aggregated",
		"score", snap.PortfolioRiskScore,
		"positions", snap.TotalPositions,
		"highRisk", snap.HighRiskCount,
		"critical", snap.CriticalRiskCount,
		"worst", snap.WorstPositionID)

	critical := risk.CriticalPositions(positions)
	if len(critical) == 0 {
		return
	}

	detected := events.CriticalPositions{Count: len(critical)}
	for _, p := range critical {
		detected.Positions = append(detected.Positions, summarize(p))
	}
	e.events.Publish(events.CriticalPositionsDetected, detected)
	e.log.Warnw("Critical positions detected", "count", len(critical))

	for _, p := range critical {
		if ctx.Err() != nil {
			e.log.Warnw("Escalation interrupted", "error", ctx.Err())
			return
		}
		e.escalate(ctx, p.ID)
	}
}

// acquire marks a position busy and returns its advisory context. It fails
// when the position is gone or another tick already holds it.
func (e *Engine) acquire(id, purpose string) (AdvisoryContext, float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[id]
	if !ok {
		return AdvisoryContext{}, 0, false
	}
	if _, busy := e.busy[id]; busy {
		return AdvisoryContext{}, 0, false
	}
	e.busy[id] = struct{}{}

	snapshot := pos.Clone()
	return AdvisoryContext{
		Purpose:          purpose,
		Position:         *snapshot,
		Profile:          e.cfg.Profile,
		MarketConditions: e.conditions,
		RollHistory:      snapshot.RollHistory,
	}, pos.AssignmentProbability, true
}

// consult calls the advisor within the advisory timeout
func (e *Engine) consult(ctx context.Context, actx AdvisoryContext) (AdvisoryDecision, error) {
	if e.advisor == nil {
		return AdvisoryDecision{}, errors.AdvisoryFailure(errNoAdvisor)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.AdvisoryTimeout)
	defer cancel()

	dec, err := e.advisor.Decide(callCtx, actx)
	if err != nil {
		if !errors.IsType(err, errors.ErrorTypeAdvisoryFailure) {
			err = errors.AdvisoryFailure(err)
		}
		return AdvisoryDecision{}, err
	}
	dec.Decision = strings.ToUpper(strings.TrimSpace(dec.Decision))
	return dec, nil
}

// escalate consults the advisor for one critical position and applies the
// gated decision or the conservative fallback
func (e *Engine) escalate(ctx context.Context, id string) {
	actx, probability, ok := e.acquire(id, PurposeEscalation)
	if !ok {
		e.log.Debugw("Skipping escalation", "position", id)
		return
	}
	if actx.Position.RiskDegraded {
		e.mu.Lock()
		delete(e.busy, id)
		e.mu.Unlock()
		e.log.Infow("Skipping escalation of degraded position", "position", id)
		return
	}

	dec, err := e.consult(ctx, actx)
	action, outcome := decideEscalation(dec, err, probability)
	outcome.PositionID = id

	now := e.cfg.Clock()
	var fx effects

	e.mu.Lock()
	delete(e.busy, id)
	pos, exists := e.positions[id]
	if !exists {
		e.mu.Unlock()
		e.log.Infow("Position left during escalation", "position", id)
		return
	}

	if outcome.Fallback {
		e.perf.AdvisoryFallbacks++
	} else if action != "" {
		e.perf.AccurateAlerts++
	}
	if err == nil {
		pos.AdvisoryRecommendation = &models.AdvisoryRecommendation{
			Decision:   dec.Decision,
			Confidence: dec.Confidence,
			Reasoning:  dec.Reasoning,
			AnalyzedAt: now,
		}
		pos.AdvisoryAnalyzed = true
	}

	fx.emit(events.AdvisoryDecision, outcome)
	e.log.Infow("Escalation decided",
		"position", id,
		"probability", probability,
		"decision", outcome.Decision,
		"confidence", outcome.Confidence,
		"action", action,
		"fallback", outcome.Fallback,
		"error", outcome.Error)

	if action != "" {
		e.executeLocked(pos, action, e.activeAlertFor(id, action), events.SourceEscalation, now, &fx)
	} else {
		fx.save(pos.Clone())
	}
	e.mu.Unlock()

	e.flush(ctx, &fx)
}

// decideEscalation maps an advisory answer to an action. An empty action
// means hold.
func decideEscalation(dec AdvisoryDecision, err error, probability float64) (models.Action, events.AdvisoryOutcome) {
	outcome := events.AdvisoryOutcome{
		Decision:   dec.Decision,
		Confidence: dec.Confidence,
		Reasoning:  dec.Reasoning,
	}

	if err != nil {
		outcome.Error = err.Error()
		outcome.Fallback = true
		outcome.Action = models.ActionClosePosition
		return outcome.Action, outcome
	}

	if dec.Confidence > risk.AdvisoryConfidenceGate {
		switch dec.Decision {
		case DecisionHold:
			return "", outcome
		case DecisionRoll:
			outcome.Action = models.ActionRollUpAndOut
			return outcome.Action, outcome
		case DecisionClose:
			outcome.Action = models.ActionClosePosition
			return outcome.Action, outcome
		}
	}

	outcome.Fallback = true
	outcome.Action = models.ActionRollOut
	if probability > risk.FallbackCloseThreshold {
		outcome.Action = models.ActionClosePosition
	}
	return outcome.Action, outcome
}

// activeAlertFor finds the ACTIVE alert recommending action, if any. Must be
// called with mu held.
func (e *Engine) activeAlertFor(positionID string, action models.Action) *models.Alert {
	for _, a := range e.alerts {
		if a.PositionID == positionID && a.IsActive() && a.RecommendedAction == action {
			return a
		}
	}
	return nil
}

// AdvisoryTick asks the advisor about HIGH and CRITICAL positions that have
// not been analyzed yet and stores the answers without acting on them
func (e *Engine) AdvisoryTick(ctx context.Context) {
	now := e.cfg.Clock()
	if e.advisor == nil {
		e.mu.Lock()
		e.lastAdvisory = now
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	var pending []string
	for id, p := range e.positions {
		if p.AdvisoryAnalyzed {
			continue
		}
		if p.RiskLevel == models.RiskLevelHigh || p.RiskLevel == models.RiskLevelCritical {
			pending = append(pending, id)
		}
	}
	e.lastAdvisory = now
	e.mu.Unlock()

	analyzed := 0
	for _, id := range pending {
		if ctx.Err() != nil {
			break
		}
		if e.analyze(ctx, id) {
			analyzed++
		}
	}

	e.log.Infow("Advisory analysis completed", "candidates", len(pending), "analyzed", analyzed)
}

func (e *Engine) analyze(ctx context.Context, id string) bool {
	actx, _, ok := e.acquire(id, PurposeAnalysis)
	if !ok {
		return false
	}

	dec, err := e.consult(ctx, actx)
	now := e.cfg.Clock()
	var fx effects

	e.mu.Lock()
	delete(e.busy, id)
	pos, exists := e.positions[id]
	if exists && err == nil {
		pos.AdvisoryRecommendation = &models.AdvisoryRecommendation{
			Decision:   dec.Decision,
			Confidence: dec.Confidence,
			Reasoning:  dec.Reasoning,
			AnalyzedAt: now,
		}
		pos.AdvisoryAnalyzed = true
		fx.save(pos.Clone())
	}
	e.mu.Unlock()

	outcome := events.AdvisoryOutcome{
		PositionID: id,
		Decision:   dec.Decision,
		Confidence: dec.Confidence,
		Reasoning:  dec.Reasoning,
		StoredOnly: true,
	}
	if err != nil {
		outcome.Error = err.Error()
		e.log.Warnw("Advisory analysis failed", "position", id, "error", err)
	}
	fx.emit(events.AdvisoryDecision, outcome)
	e.flush(ctx, &fx)

	return exists && err == nil
}

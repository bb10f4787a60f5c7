package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rzzdr/assignment-risk-engine/internal/events"
	"github.com/rzzdr/assignment-risk-engine/internal/market"
	"github.com/rzzdr/assignment-risk-engine/internal/risk"
	"github.com/rzzdr/assignment-risk-engine/pkg/models"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

const (
	// DefaultAlertTTL is how long an alert may stay ACTIVE without a disposition
	DefaultAlertTTL = time.Hour
	// DefaultAdvisoryTimeout bounds a single advisory call
	DefaultAdvisoryTimeout = 60 * time.Second
)

// RiskEngine is the API hosts use. Every tick absorbs its own errors; only
// registration reports invalid input.
type RiskEngine interface {
	RegisterPosition(ctx context.Context, spec PositionSpec) (*models.Position, error)
	LoadPositions(ctx context.Context, src HoldingsSource) (int, error)
	DeregisterPosition(ctx context.Context, id string) error

	Position(id string) (*models.Position, bool)
	Positions() []*models.Position
	Alerts(statuses ...models.AlertStatus) []models.Alert
	Snapshot() models.PortfolioRiskSnapshot
	Report() models.RiskReport
	Status() Status
	Profile() risk.Profile

	MonitorTick(ctx context.Context)
	AggregateTick(ctx context.Context)
	AdvisoryTick(ctx context.Context)
	ExecuteAction(ctx context.Context, positionID string, action models.Action) (risk.Result, error)
	Assess(ctx context.Context, spec PositionSpec) (risk.Assessment, error)
}

// HoldingsSource supplies positions to track at startup
type HoldingsSource interface {
	LoadPositions(ctx context.Context) ([]*models.Position, error)
}

// PositionSink persists structural changes to tracked positions
type PositionSink interface {
	SavePosition(ctx context.Context, p *models.Position) error
	DeletePosition(ctx context.Context, id string) error
	RecordClose(ctx context.Context, rec models.CloseRecord) error
}

// Proposal is a successful roll or close handed to the execution collaborator
type Proposal struct {
	ID         string              `json:"id"`
	PositionID string              `json:"positionId"`
	Symbol     string              `json:"symbol"`
	Action     models.Action       `json:"action"`
	Source     string              `json:"source"`
	Roll       *models.RollRecord  `json:"roll,omitempty"`
	Close      *models.CloseRecord `json:"close,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// ExecutionSink places the orders behind a proposal
type ExecutionSink interface {
	Submit(ctx context.Context, p Proposal) error
}

// NopExecution discards proposals
type NopExecution struct{}

// Submit does nothing
func (NopExecution) Submit(context.Context, Proposal) error { return nil }

type discard struct{}

func (discard) Publish(events.Event, any) {}

// Config configures an Engine
type Config struct {
	Profile    risk.Profile
	Thresholds risk.Thresholds

	AlertTTL        time.Duration
	AdvisoryTimeout time.Duration

	// Smoother enables confidence smoothing when set
	Smoother *risk.Smoother
	// Clock defaults to time.Now
	Clock func() time.Time
}

// Deps are the collaborators an Engine talks to. Only Market is required.
type Deps struct {
	Market    market.Provider
	History   *market.History
	Advisor   Advisor
	Execution ExecutionSink
	Store     PositionSink
	Events    events.Publisher
}

// Status summarizes engine state for hosts
type Status struct {
	Profile           risk.Profile                 `json:"profile"`
	TrackedPositions  int                          `json:"trackedPositions"`
	ActiveAlerts      int                          `json:"activeAlerts"`
	BusyPositions     int                          `json:"busyPositions"`
	Performance       models.Performance           `json:"performance"`
	SuccessRate       float64                      `json:"successRate"`
	PreventionRate    float64                      `json:"preventionRate"`
	Snapshot          models.PortfolioRiskSnapshot `json:"snapshot"`
	MarketConditions  models.MarketConditions      `json:"marketConditions"`
	LastMonitorTick   time.Time                    `json:"lastMonitorTick"`
	LastAggregateTick time.Time                    `json:"lastAggregateTick"`
	LastAdvisoryTick  time.Time                    `json:"lastAdvisoryTick"`
}

// Engine owns the tracked positions and alerts. All state changes happen
// under mu; quotes, advisory calls, persistence and event delivery happen
// outside it.
type Engine struct {
	cfg      Config
	executor *risk.Executor

	market    market.Provider
	history   *market.History
	advisor   Advisor
	execution ExecutionSink
	store     PositionSink
	events    events.Publisher

	mu        sync.Mutex
	positions map[string]*models.Position
	alerts    map[string]*models.Alert
	open      map[alertKey]*models.Alert
	busy      map[string]struct{}
	expired   map[string]struct{}

	snapshot   models.PortfolioRiskSnapshot
	perf       models.Performance
	conditions models.MarketConditions

	lastMonitor   time.Time
	lastAggregate time.Time
	lastAdvisory  time.Time

	log *logger.Logger
}

var _ RiskEngine = (*Engine)(nil)

// New creates an engine. It fails only on configuration mistakes.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Profile.Validate(); err != nil {
		return nil, err
	}
	if cfg.Thresholds == (risk.Thresholds{}) {
		cfg.Thresholds = risk.DefaultThresholds
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if deps.Market == nil {
		return nil, errors.Config("engine requires a market data provider")
	}
	if cfg.AlertTTL <= 0 {
		cfg.AlertTTL = DefaultAlertTTL
	}
	if cfg.AdvisoryTimeout <= 0 {
		cfg.AdvisoryTimeout = DefaultAdvisoryTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if deps.History == nil {
		deps.History = market.NewHistory(0, 0)
	}
	if deps.Execution == nil {
		deps.Execution = NopExecution{}
	}
	if deps.Events == nil {
		deps.Events = discard{}
	}

	e := &Engine{
		cfg:        cfg,
		executor:   risk.NewExecutor(cfg.Profile),
		market:     deps.Market,
		history:    deps.History,
		advisor:    deps.Advisor,
		execution:  deps.Execution,
		store:      deps.Store,
		events:     deps.Events,
		positions:  make(map[string]*models.Position),
		alerts:     make(map[string]*models.Alert),
		open:       make(map[alertKey]*models.Alert),
		busy:       make(map[string]struct{}),
		expired:    make(map[string]struct{}),
		conditions: models.MarketConditions{VolatilityRegime: models.VolatilityNormal, TrendDirection: models.TrendNeutral},
		log:        logger.GetLogger("engine"),
	}
	e.log.Infow("Risk engine created",
		"profile", cfg.Profile.Name,
		"rollThreshold", cfg.Profile.RollThreshold,
		"closeThreshold", cfg.Profile.CloseThreshold,
		"autoRoll", cfg.Profile.AutoRoll,
		"smoothing", cfg.Smoother != nil)
	return e, nil
}

// PositionSpec is what a host supplies to start tracking a sold option
type PositionSpec struct {
	ID               string              `json:"id"`
	Symbol           string              `json:"symbol" binding:"required"`
	Strategy         models.StrategyKind `json:"strategy" binding:"required"`
	Strike           float64             `json:"strike" binding:"required"`
	Expiry           time.Time           `json:"expiry" binding:"required"`
	PremiumCollected float64             `json:"premiumCollected"`
	Quantity         float64             `json:"quantity"`
	OpenedAt         time.Time           `json:"openedAt"`
	LongTermHolding  bool                `json:"longTermHolding"`
}

func (s PositionSpec) validate(now time.Time) error {
	switch {
	case strings.TrimSpace(s.Symbol) == "":
		return errors.InvalidArgument("position symbol is required")
	case !s.Strategy.Valid():
		return errors.InvalidArgument("unknown strategy: " + string(s.Strategy))
	case !(s.Strike > 0):
		return errors.InvalidArgument("strike must be positive")
	case s.PremiumCollected < 0:
		return errors.InvalidArgument("premium collected cannot be negative")
	case s.Quantity < 0:
		return errors.InvalidArgument("quantity cannot be negative")
	case !s.Expiry.After(now):
		return errors.InvalidArgument("expiry must be in the future")
	}
	return nil
}

func (s PositionSpec) toPosition(now time.Time) *models.Position {
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	opened := s.OpenedAt
	if opened.IsZero() || opened.After(now) {
		opened = now
	}
	qty := s.Quantity
	if qty == 0 {
		qty = 1
	}
	p := &models.Position{
		ID:               id,
		Symbol:           strings.ToUpper(strings.TrimSpace(s.Symbol)),
		Strategy:         s.Strategy,
		Strike:           s.Strike,
		Expiry:           s.Expiry,
		PremiumCollected: s.PremiumCollected,
		Quantity:         qty,
		OpenedAt:         opened,
		LongTermHolding:  s.LongTermHolding,
	}
	p.TenorDays = s.Expiry.Sub(opened).Hours() / 24
	p.RefreshDaysToExpiry(now)
	return p
}

// RegisterPosition starts tracking a position. Its risk is computed right
// away when a quote is available, otherwise on the next monitor tick.
func (e *Engine) RegisterPosition(ctx context.Context, spec PositionSpec) (*models.Position, error) {
	now := e.cfg.Clock()
	if err := spec.validate(now); err != nil {
		return nil, err
	}
	pos := spec.toPosition(now)
	return e.track(ctx, pos, now)
}

// LoadPositions registers every position src supplies, keeping their roll
// history. Invalid or duplicate entries are skipped.
func (e *Engine) LoadPositions(ctx context.Context, src HoldingsSource) (int, error) {
	loaded, err := src.LoadPositions(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load positions")
	}

	now := e.cfg.Clock()
	count := 0
	for _, p := range loaded {
		spec := PositionSpec{
			ID:               p.ID,
			Symbol:           p.Symbol,
			Strategy:         p.Strategy,
			Strike:           p.Strike,
			Expiry:           p.Expiry,
			PremiumCollected: p.PremiumCollected,
			Quantity:         p.Quantity,
			OpenedAt:         p.OpenedAt,
			LongTermHolding:  p.LongTermHolding,
		}
		if err := spec.validate(now); err != nil {
			e.log.Warnw("Skipping stored position", "id", p.ID, "error", err)
			continue
		}
		pos := spec.toPosition(now)
		if p.TenorDays > 0 {
			pos.TenorDays = p.TenorDays
		}
		pos.RollHistory = append([]models.RollRecord(nil), p.RollHistory...)
		pos.AdvisoryAnalyzed = p.AdvisoryAnalyzed
		if p.AdvisoryRecommendation != nil {
			rec := *p.AdvisoryRecommendation
			pos.AdvisoryRecommendation = &rec
		}

		if _, err := e.track(ctx, pos, now); err != nil {
			e.log.Warnw("Skipping stored position", "id", p.ID, "error", err)
			continue
		}
		count++
	}

	e.log.Infow("Loaded positions from holdings", "loaded", count, "offered", len(loaded))
	return count, nil
}

func (e *Engine) track(ctx context.Context, pos *models.Position, now time.Time) (*models.Position, error) {
	quote, qerr := e.market.Quote(ctx, pos.Symbol)

	e.mu.Lock()
	if _, exists := e.positions[pos.ID]; exists {
		e.mu.Unlock()
		return nil, errors.AlreadyExists("position already tracked: " + pos.ID)
	}
	pos.AssignmentProbability = risk.MinProbability
	pos.RiskLevel = risk.Classify(pos.AssignmentProbability, e.cfg.Thresholds)
	if qerr == nil {
		e.recompute(pos, quote, now)
	}
	e.positions[pos.ID] = pos
	out := pos.Clone()
	e.mu.Unlock()

	e.log.Infow("Position registered",
		"id", out.ID,
		"symbol", out.Symbol,
		"strategy", out.Strategy,
		"strike", out.Strike,
		"dte", out.DaysToExpiry,
		"probability", out.AssignmentProbability)

	var fx effects
	fx.save(out)
	e.flush(ctx, &fx)
	return out, nil
}

// DeregisterPosition stops tracking a position and drops its alerts
func (e *Engine) DeregisterPosition(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, exists := e.positions[id]; !exists {
		e.mu.Unlock()
		return errors.NotFound("position not found: " + id)
	}
	e.removePosition(id)
	e.dropAlerts(id)
	e.mu.Unlock()

	e.log.Infow("Position deregistered", "id", id)

	var fx effects
	fx.deletes = append(fx.deletes, id)
	e.flush(ctx, &fx)
	return nil
}

// removePosition must be called with mu held
func (e *Engine) removePosition(id string) {
	delete(e.positions, id)
	delete(e.busy, id)
	delete(e.expired, id)
}

// Position returns a copy of a tracked position
func (e *Engine) Position(id string) (*models.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Positions returns copies of all tracked positions ordered by ID
func (e *Engine) Positions() []*models.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedClones()
}

func (e *Engine) sortedClones() []*models.Position {
	out := make([]*models.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns the latest portfolio snapshot
func (e *Engine) Snapshot() models.PortfolioRiskSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// Profile returns the active risk profile
func (e *Engine) Profile() risk.Profile {
	return e.cfg.Profile
}

// Status summarizes the engine
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	active := 0
	for _, a := range e.alerts {
		if a.IsActive() {
			active++
		}
	}
	return Status{
		Profile:           e.cfg.Profile,
		TrackedPositions:  len(e.positions),
		ActiveAlerts:      active,
		BusyPositions:     len(e.busy),
		Performance:       e.perf,
		SuccessRate:       e.perf.SuccessRate(),
		PreventionRate:    e.perf.PreventionRate(),
		Snapshot:          e.snapshot,
		MarketConditions:  e.conditions,
		LastMonitorTick:   e.lastMonitor,
		LastAggregateTick: e.lastAggregate,
		LastAdvisoryTick:  e.lastAdvisory,
	}
}

// Report builds a risk report from current state without recomputing the snapshot
func (e *Engine) Report() models.RiskReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reportLocked(e.snapshot, e.cfg.Clock())
}

func (e *Engine) reportLocked(snap models.PortfolioRiskSnapshot, now time.Time) models.RiskReport {
	report := models.RiskReport{
		Snapshot:         snap,
		Performance:      e.perf,
		MarketConditions: e.conditions,
		Positions:        make([]models.PositionSummary, 0, len(e.positions)),
		GeneratedAt:      now,
	}
	for _, p := range e.sortedClones() {
		report.Positions = append(report.Positions, summarize(p))
	}
	for _, a := range e.alerts {
		if a.IsActive() {
			report.ActiveAlerts++
		}
	}
	return report
}

func summarize(p *models.Position) models.PositionSummary {
	return models.PositionSummary{
		ID:                    p.ID,
		Symbol:                p.Symbol,
		RiskLevel:             p.RiskLevel,
		AssignmentProbability: p.AssignmentProbability,
		DaysToExpiry:          p.DaysToExpiry,
		Moneyness:             p.Moneyness,
	}
}

// Assess evaluates a position that is not tracked against a fresh quote
func (e *Engine) Assess(ctx context.Context, spec PositionSpec) (risk.Assessment, error) {
	now := e.cfg.Clock()
	if err := spec.validate(now); err != nil {
		return risk.Assessment{}, err
	}
	pos := spec.toPosition(now)

	quote, err := e.market.Quote(ctx, pos.Symbol)
	if err != nil {
		return risk.Assessment{}, err
	}
	pos.CurrentPrice = quote.Price
	if quote.Price > 0 {
		pos.Moneyness = quote.Price / pos.Strike
	}
	return risk.Assess(pos, e.history.VolatilityFor(quote), quote.Trend, e.cfg.Thresholds), nil
}

// effects collects I/O produced while mu was held
type effects struct {
	events    []pendingEvent
	proposals []Proposal
	saves     []*models.Position
	deletes   []string
	closes    []models.CloseRecord
}

type pendingEvent struct {
	name    events.Event
	payload any
}

func (fx *effects) emit(name events.Event, payload any) {
	fx.events = append(fx.events, pendingEvent{name: name, payload: payload})
}

func (fx *effects) save(p *models.Position) {
	fx.saves = append(fx.saves, p)
}

// flush performs collected effects. It must be called without mu held.
func (e *Engine) flush(ctx context.Context, fx *effects) {
	for _, ev := range fx.events {
		e.events.Publish(ev.name, ev.payload)
	}

	if e.store != nil {
		for _, p := range fx.saves {
			if err := e.store.SavePosition(ctx, p); err != nil {
				e.log.Warnw("Failed to persist position", "id", p.ID, "error", err)
			}
		}
		for _, id := range fx.deletes {
			if err := e.store.DeletePosition(ctx, id); err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
				e.log.Warnw("Failed to delete stored position", "id", id, "error", err)
			}
		}
		for _, rec := range fx.closes {
			if err := e.store.RecordClose(ctx, rec); err != nil {
				e.log.Warnw("Failed to persist close record", "id", rec.PositionID, "error", err)
			}
		}
	}

	for _, p := range fx.proposals {
		if err := e.execution.Submit(ctx, p); err != nil {
			e.log.Errorw("Failed to submit execution proposal",
				"proposal", p.ID, "position", p.PositionID, "action", p.Action, "error", err)
		}
	}
}

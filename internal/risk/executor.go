package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/rzzdr/assignment-risk-engine/pkg/models"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
)

const (
	// RollOutDays is the fixed tenor a roll extends to
	RollOutDays = 14

	rollOutCostRate        = 0.02
	rollOutMaxPremiumShare = 0.5

	rollUpStrikeStep   = 0.05
	strikeCreditShare  = 0.3
	premiumCreditShare = 0.1
	// MinRollCredit is the net credit a roll-up-and-out must exceed, per contract
	MinRollCredit = 0.05

	closeDecayRate     = 0.05
	closeResidualDecay = 0.1
	// defaultTenorDays is assumed when a position carries no original tenor
	defaultTenorDays = 60.0
)

// Result is the outcome of one executor call. Exactly one of Roll or Close is set.
type Result struct {
	Action models.Action
	Roll   *models.RollRecord
	Close  *models.CloseRecord
}

// Success reports whether the action passed its feasibility check
func (r Result) Success() bool {
	switch {
	case r.Roll != nil:
		return r.Roll.Success
	case r.Close != nil:
		return r.Close.Success
	default:
		return false
	}
}

// Executor evaluates remediation actions. It never performs I/O; callers
// apply a successful result with Apply.
type Executor struct {
	profile Profile
}

// NewExecutor creates an executor bound to a profile
func NewExecutor(profile Profile) *Executor {
	return &Executor{profile: profile}
}

// Execute evaluates action against a snapshot of pos. A rejected action
// returns its record together with an ExecutionRejected error.
func (x *Executor) Execute(action models.Action, pos *models.Position, now time.Time) (Result, error) {
	switch action {
	case models.ActionRollOut:
		rec, err := PlanRollOut(pos, now)
		return Result{Action: action, Roll: &rec}, err
	case models.ActionRollUpAndOut:
		rec, err := PlanRollUpAndOut(pos, now)
		return Result{Action: action, Roll: &rec}, err
	case models.ActionClosePosition:
		rec, err := PlanClose(pos, x.profile, now)
		return Result{Action: action, Close: &rec}, err
	default:
		return Result{Action: action}, errors.ExecutionRejected(fmt.Sprintf("action %s is not executable", action))
	}
}

// PlanRollOut prices extending pos to RollOutDays at the same strike
func PlanRollOut(pos *models.Position, now time.Time) (models.RollRecord, error) {
	cost := pos.Strike * rollOutCostRate
	ceiling := pos.PremiumCollected * rollOutMaxPremiumShare

	rec := models.RollRecord{
		Action:    models.ActionRollOut,
		OldStrike: pos.Strike,
		NewStrike: pos.Strike,
		OldExpiry: pos.Expiry,
		NewExpiry: now.Add(RollOutDays * 24 * time.Hour),
		NetCredit: -cost,
		Success:   cost < ceiling,
		Timestamp: now,
	}
	if !rec.Success {
		return rec, errors.ExecutionRejected(fmt.Sprintf("roll out cost %.2f exceeds %.2f", cost, ceiling))
	}
	return rec, nil
}

// PlanRollUpAndOut prices moving the strike 5% away from the money and
// extending to RollOutDays. Calls roll up, puts roll down.
func PlanRollUpAndOut(pos *models.Position, now time.Time) (models.RollRecord, error) {
	step := pos.Strike * rollUpStrikeStep
	newStrike := pos.Strike + step
	if pos.Strategy == models.StrategyCashSecuredPut {
		newStrike = pos.Strike - step
	}
	credit := math.Abs(newStrike-pos.Strike)*strikeCreditShare + pos.PremiumCollected*premiumCreditShare

	rec := models.RollRecord{
		Action:    models.ActionRollUpAndOut,
		OldStrike: pos.Strike,
		NewStrike: newStrike,
		OldExpiry: pos.Expiry,
		NewExpiry: now.Add(RollOutDays * 24 * time.Hour),
		NetCredit: credit,
		Success:   credit > MinRollCredit,
		Timestamp: now,
	}
	if !rec.Success {
		return rec, errors.ExecutionRejected(fmt.Sprintf("roll up and out credit %.4f below minimum %.2f", credit, MinRollCredit))
	}
	return rec, nil
}

// Valuation is the estimated buy-back value of a short option
type Valuation struct {
	Intrinsic        float64
	TimeValue        float64
	DecayedTimeValue float64
	Value            float64
}

// EstimateValue values pos for a buy-back. Time value decays with the share
// of the original tenor already consumed.
func EstimateValue(pos *models.Position) Valuation {
	tenor := pos.TenorDays
	if tenor <= 0 {
		tenor = defaultTenorDays
	}
	elapsed := math.Min(math.Max((tenor-pos.DaysToExpiry)/tenor, 0), 1)

	timeValue := pos.PremiumCollected * math.Exp(-closeDecayRate*elapsed)
	decayed := math.Max(timeValue*closeResidualDecay, 0)
	intrinsic := pos.Intrinsic()

	return Valuation{
		Intrinsic:        intrinsic,
		TimeValue:        timeValue,
		DecayedTimeValue: decayed,
		Value:            intrinsic + decayed,
	}
}

// CloseDecision applies the acceptance rule to an estimated buy-back value
type CloseDecision struct {
	ProfitLoss float64
	ProfitPct  float64
	Accepted   bool
	Forced     bool
}

// DecideClose accepts when the captured share of premium reaches the profile
// minimum, or unconditionally when probability exceeds ForcedCloseThreshold.
func DecideClose(premium, estimatedValue, probability float64, profile Profile) CloseDecision {
	pnl := premium - estimatedValue
	pct := 0.0
	if premium > 0 {
		pct = pnl / premium
	}

	profitable := pct >= profile.MinProfitToClose
	forced := probability > ForcedCloseThreshold

	return CloseDecision{
		ProfitLoss: pnl,
		ProfitPct:  pct,
		Accepted:   profitable || forced,
		Forced:     forced && !profitable,
	}
}

// PlanClose prices buying pos back and decides whether to accept
func PlanClose(pos *models.Position, profile Profile, now time.Time) (models.CloseRecord, error) {
	val := EstimateValue(pos)
	d := DecideClose(pos.PremiumCollected, val.Value, pos.AssignmentProbability, profile)

	rec := models.CloseRecord{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Strike:      pos.Strike,
		Expiry:      pos.Expiry,
		BuyBackCost: val.Value,
		ProfitLoss:  d.ProfitLoss,
		ProfitPct:   d.ProfitPct,
		Forced:      d.Forced,
		Success:     d.Accepted,
		Timestamp:   now,
	}
	if !rec.Success {
		return rec, errors.ExecutionRejected(fmt.Sprintf("close profit %.2f%% below minimum %.2f%%", d.ProfitPct*100, profile.MinProfitToClose*100))
	}
	return rec, nil
}

// ApplyRoll mutates pos to reflect a successful roll. The roll opens a new
// contract, so the tenor restarts.
func ApplyRoll(pos *models.Position, rec models.RollRecord, now time.Time) {
	if !rec.Success {
		return
	}
	pos.RollHistory = append(pos.RollHistory, rec)
	pos.Strike = rec.NewStrike
	pos.Expiry = rec.NewExpiry
	pos.RefreshDaysToExpiry(now)
	pos.OpenedAt = now
	pos.TenorDays = pos.DaysToExpiry
	if pos.CurrentPrice > 0 && pos.Strike > 0 {
		pos.Moneyness = pos.CurrentPrice / pos.Strike
	}
}

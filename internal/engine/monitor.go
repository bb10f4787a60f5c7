package engine

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rzzdr/assignment-risk-engine/internal/events"
	"github.com/rzzdr/assignment-risk-engine/internal/market"
	"github.com/rzzdr/assignment-risk-engine/internal/risk"
	"github.com/rzzdr/assignment-risk-engine/pkg/models"
)

// MonitorTick refreshes every idle position from market data, reclassifies
// it and runs the alert rules. Quotes are fetched once per symbol before
// any state is touched.
func (e *Engine) MonitorTick(ctx context.Context) {
	start := e.cfg.Clock()

	e.mu.Lock()
	symbols := make(map[string]struct{}, len(e.positions))
	for id, p := range e.positions {
		if _, busy := e.busy[id]; busy {
			continue
		}
		symbols[p.Symbol] = struct{}{}
	}
	e.mu.Unlock()

	quotes := e.fetchQuotes(ctx, symbols)
	if ctx.Err() != nil {
		e.log.Warnw("Monitor tick cancelled", "error", ctx.Err())
		return
	}

	now := e.cfg.Clock()
	var fx effects

	e.mu.Lock()
	e.sweepAlerts(now)
	if len(quotes) > 0 {
		e.conditions = conditionsFrom(quotes, now)
	}

	ids := make([]string, 0, len(e.positions))
	for id := range e.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	updated, skipped := 0, 0
	for _, id := range ids {
		pos, ok := e.positions[id]
		if !ok {
			continue
		}
		if _, busy := e.busy[id]; busy {
			continue
		}
		quote, ok := quotes[pos.Symbol]
		if !ok {
			skipped++
			continue
		}

		degraded := e.recompute(pos, quote, now)
		updated++

		if pos.DaysToExpiry <= 0 {
			if _, seen := e.expired[id]; !seen {
				e.expired[id] = struct{}{}
				fx.emit(events.PositionExpired, summarize(pos))
				e.log.Infow("Position reached expiry", "id", id, "symbol", pos.Symbol)
			}
			continue
		}

		if degraded {
			e.raiseDegraded(pos, now, &fx)
			continue
		}
		e.evaluateAlerts(pos, now, &fx)
	}
	e.lastMonitor = now
	e.mu.Unlock()

	e.flush(ctx, &fx)

	e.log.Debugw("Monitor tick completed",
		"updated", updated,
		"skipped", skipped,
		"duration", e.cfg.Clock().Sub(start))
}

// fetchQuotes returns the quotes that could be fetched. Failed symbols are
// absent so their positions keep their last state.
func (e *Engine) fetchQuotes(ctx context.Context, symbols map[string]struct{}) map[string]market.Quote {
	quotes := make(map[string]market.Quote, len(symbols))
	now := e.cfg.Clock()
	for sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		q, err := e.market.Quote(ctx, sym)
		if err != nil {
			e.log.Warnw("Skipping symbol without market data", "symbol", sym, "error", err)
			continue
		}
		if q.Stale {
			e.log.Infow("Using last known quote", "symbol", sym, "at", q.At)
		} else if q.Price > 0 && !math.IsInf(q.Price, 1) {
			e.history.Record(sym, q.Price, now)
		}
		quotes[sym] = q
	}
	return quotes
}

// recompute refreshes pos from quote and reports whether the model inputs
// were unusable. Must be called with mu held.
func (e *Engine) recompute(pos *models.Position, quote market.Quote, now time.Time) bool {
	pos.RefreshDaysToExpiry(now)
	pos.LastUpdate = now
	vol := e.history.VolatilityFor(quote)

	if !risk.InputsFinite(quote.Price, pos.Strike, vol, pos.DaysToExpiry) {
		// Last good market fields are kept so downstream valuation stays finite.
		pos.AssignmentProbability = e.cfg.Thresholds.Degraded()
		pos.RiskDegraded = true
		pos.RiskLevel = risk.Classify(pos.AssignmentProbability, e.cfg.Thresholds)
		e.log.Warnw("Risk inputs not usable",
			"id", pos.ID,
			"price", quote.Price,
			"volatility", vol,
			"dte", pos.DaysToExpiry)
		return true
	}

	pos.RiskDegraded = false
	pos.CurrentPrice = quote.Price
	pos.Moneyness = quote.Price / pos.Strike
	pos.Volatility = vol

	cond := risk.Conditions{
		DaysToExpiry:   pos.DaysToExpiry,
		ExpirationWeek: true,
		Trend:          quote.Trend,
	}
	if e.cfg.Smoother != nil {
		cond.Smoothing = e.cfg.Smoother.Next()
	}

	pos.AssignmentProbability = risk.EstimateAssignmentProbability(
		pos.ExerciseMoneyness(),
		risk.YearsToExpiry(pos.DaysToExpiry),
		vol,
		cond,
	)
	pos.RiskLevel = risk.Classify(pos.AssignmentProbability, e.cfg.Thresholds)
	return false
}

var regimeRank = map[models.VolatilityRegime]int{
	models.VolatilityLow:     0,
	models.VolatilityNormal:  1,
	models.VolatilityHigh:    2,
	models.VolatilityExtreme: 3,
}

// conditionsFrom takes the most severe volatility regime across quotes and a
// trend only when every symbol agrees on it.
func conditionsFrom(quotes map[string]market.Quote, now time.Time) models.MarketConditions {
	regime := models.VolatilityLow
	var trend models.Trend
	mixed := false

	for _, q := range quotes {
		r := q.VolatilityRegime
		if r == "" {
			r = models.VolatilityNormal
		}
		if regimeRank[r] > regimeRank[regime] {
			regime = r
		}

		t := q.Trend
		if t == "" {
			t = models.TrendNeutral
		}
		if trend == "" {
			trend = t
		} else if trend != t {
			mixed = true
		}
	}
	if mixed || trend == "" {
		trend = models.TrendNeutral
	}

	return models.MarketConditions{
		VolatilityRegime: regime,
		TrendDirection:   trend,
		LastUpdate:       now,
	}
}

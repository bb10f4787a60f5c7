package engine

import (
	"context"
	stderrors "errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzzdr/assignment-risk-engine/internal/events"
	"github.com/rzzdr/assignment-risk-engine/internal/risk"
	"github.com/rzzdr/assignment-risk-engine/pkg/models"
)

func fixedAdvisor(decision string, confidence float64) AdvisorFunc {
	return func(context.Context, AdvisoryContext) (AdvisoryDecision, error) {
		return AdvisoryDecision{Decision: decision, Confidence: confidence, Reasoning: "test"}, nil
	}
}

func TestDecideEscalation(t *testing.T) {
	tests := []struct {
		name        string
		dec         AdvisoryDecision
		err         error
		probability float64
		action      models.Action
		fallback    bool
	}{
		{"error closes", AdvisoryDecision{}, stderrors.New("boom"), 0.82, models.ActionClosePosition, true},
		{"confident hold", AdvisoryDecision{Decision: DecisionHold, Confidence: 0.9}, nil, 0.95, "", false},
		{"confident roll", AdvisoryDecision{Decision: DecisionRoll, Confidence: 0.81}, nil, 0.95, models.ActionRollUpAndOut, false},
		{"confident close", AdvisoryDecision{Decision: DecisionClose, Confidence: 1}, nil, 0.81, models.ActionClosePosition, false},
		{"gate is exclusive", AdvisoryDecision{Decision: DecisionHold, Confidence: 0.8}, nil, 0.82, models.ActionRollOut, true},
		{"low confidence above 0.85", AdvisoryDecision{Decision: DecisionRoll, Confidence: 0.3}, nil, 0.86, models.ActionClosePosition, true},
		{"low confidence at 0.85", AdvisoryDecision{Decision: DecisionClose, Confidence: 0.3}, nil, 0.85, models.ActionRollOut, true},
		{"unknown decision", AdvisoryDecision{Decision: "HEDGE", Confidence: 0.99}, nil, 0.90, models.ActionClosePosition, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, outcome := decideEscalation(tt.dec, tt.err, tt.probability)
			assert.Equal(t, tt.action, action)
			assert.Equal(t, tt.action, outcome.Action)
			assert.Equal(t, tt.fallback, outcome.Fallback)
			if tt.err != nil {
				assert.NotEmpty(t, outcome.Error)
			}
		})
	}
}

func TestAggregateTick_Report(t *testing.T) {
	h := newHarness(t, risk.ProfileAggressive, nil)
	h.setPrice(t, "AAPL", 90)
	h.register(t, "low", 5)
	h.engine.AggregateTick(context.Background())

	snap := h.engine.Snapshot()
	assert.Equal(t, 1, snap.TotalPositions)
	assert.Equal(t, "low", snap.WorstPositionID)
	assert.InDelta(t, 0.8*0.1024, snap.PortfolioRiskScore, 1e-3)

	reports := h.events.Events(events.RiskReportGenerated)
	require.Len(t, reports, 1)
	report := reports[0].Payload.(models.RiskReport)
	assert.Equal(t, snap, report.Snapshot)
	assert.Empty(t, h.events.Events(events.CriticalPositionsDetected))
}

func TestEscalation_NoAdvisorFallsBackToClose(t *testing.T) {
	h := newHarness(t, risk.ProfileConservative, nil)
	h.setPrice(t, "AAPL", 110)
	h.register(t, "p1", 5)
	h.engine.MonitorTick(context.Background())

	h.engine.AggregateTick(context.Background())

	detected := h.events.Events(events.CriticalPositionsDetected)
	require.Len(t, detected, 1)
	assert.Equal(t, 1, detected[0].Payload.(events.CriticalPositions).Count)

	// p is 0.857: below the forced cutoff and deep in the money, so the close is rejected
	pos, ok := h.engine.Position("p1")
	require.True(t, ok)
	assert.False(t, pos.AdvisoryAnalyzed)

	crit := alertsOfType(h.engine.Alerts(), models.AlertCriticalRisk)
	require.Len(t, crit, 1)
	assert.Equal(t, models.AlertFailed, crit[0].Status)

	perf := h.engine.Status().Performance
	assert.Equal(t, 1, perf.AdvisoryFallbacks)
	assert.Equal(t, 1, perf.FailedActions)

	decisions := h.events.Events(events.AdvisoryDecision)
	require.Len(t, decisions, 1)
	outcome := decisions[0].Payload.(events.AdvisoryOutcome)
	assert.True(t, outcome.Fallback)
	assert.Equal(t, models.ActionClosePosition, outcome.Action)
	assert.Contains(t, outcome.Error, "no advisory service")
}

func TestEscalation_ForcedClose(t *testing.T) {
	h := newHarness(t, risk.ProfileConservative, nil)
	h.setPrice(t, "AAPL", 115)
	h.register(t, "p1", 5)

	h.engine.AggregateTick(context.Background())

	_, ok := h.engine.Position("p1")
	assert.False(t, ok)

	closed := h.events.Events(events.PositionClosed)
	require.Len(t, closed, 1)
	outcome := closed[0].Payload.(events.ActionOutcome)
	assert.Equal(t, events.SourceEscalation, outcome.Source)
	require.NotNil(t, outcome.Close)
	assert.True(t, outcome.Close.Forced)
	assert.Less(t, outcome.Close.ProfitLoss, 0.0)

	perf := h.engine.Status().Performance
	assert.Equal(t, 1, perf.EarlyCloses)
	assert.Zero(t, perf.TotalSaved)
	require.Len(t, h.sink.all(), 1)
	assert.Equal(t, models.ActionClosePosition, h.sink.all()[0].Action)
}

func TestEscalation_ConfidentRoll(t *testing.T) {
	var seen AdvisoryContext
	advisor := AdvisorFunc(func(_ context.Context, actx AdvisoryContext) (AdvisoryDecision, error) {
		seen = actx
		return AdvisoryDecision{Decision: "roll", Confidence: 0.95, Reasoning: "extend"}, nil
	})
	h := newHarness(t, risk.ProfileConservative, advisor)
	h.setPrice(t, "AAPL", 110)
	h.register(t, "p1", 5)

	h.engine.AggregateTick(context.Background())

	assert.Equal(t, PurposeEscalation, seen.Purpose)
	assert.Equal(t, "p1", seen.Position.ID)
	assert.Equal(t, risk.ProfileConservative, seen.Profile.Name)

	pos, ok := h.engine.Position("p1")
	require.True(t, ok)
	assert.Equal(t, 105.0, pos.Strike)
	require.Len(t, pos.RollHistory, 1)
	assert.Equal(t, models.ActionRollUpAndOut, pos.RollHistory[0].Action)
	assert.InDelta(t, 2.0, pos.RollHistory[0].NetCredit, 1e-9)
	require.NotNil(t, pos.AdvisoryRecommendation)
	assert.Equal(t, DecisionRoll, pos.AdvisoryRecommendation.Decision)

	perf := h.engine.Status().Performance
	assert.Equal(t, 1, perf.AccurateAlerts)
	assert.Equal(t, 1, perf.SuccessfulRolls)
	assert.Zero(t, perf.AdvisoryFallbacks)
}

func TestEscalation_ConfidentHold(t *testing.T) {
	h := newHarness(t, risk.ProfileConservative, fixedAdvisor(DecisionHold, 0.9))
	h.setPrice(t, "AAPL", 115)
	h.register(t, "p1", 5)

	h.engine.AggregateTick(context.Background())

	pos, ok := h.engine.Position("p1")
	require.True(t, ok)
	assert.Empty(t, pos.RollHistory)
	assert.True(t, pos.AdvisoryAnalyzed)
	assert.Empty(t, h.sink.all())
	assert.Zero(t, h.engine.Status().Performance.AccurateAlerts)
}

func TestEscalation_LowConfidenceRollsOut(t *testing.T) {
	h := newHarness(t, risk.ProfileConservative, fixedAdvisor(DecisionClose, 0.5))
	h.setPrice(t, "AAPL", 109)
	h.register(t, "p1", 5)

	h.engine.AggregateTick(context.Background())

	pos, ok := h.engine.Position("p1")
	require.True(t, ok)
	require.Len(t, pos.RollHistory, 1)
	assert.Equal(t, models.ActionRollOut, pos.RollHistory[0].Action)
	assert.Equal(t, 1, h.engine.Status().Performance.AdvisoryFallbacks)
}

func TestEscalation_TimeoutFallsBack(t *testing.T) {
	advisor := AdvisorFunc(func(ctx context.Context, _ AdvisoryContext) (AdvisoryDecision, error) {
		<-ctx.Done()
		return AdvisoryDecision{}, ctx.Err()
	})
	h := newHarness(t, risk.ProfileConservative, advisor)
	h.setPrice(t, "AAPL", 115)
	h.register(t, "p1", 5)

	start := time.Now()
	h.engine.AggregateTick(context.Background())
	assert.Less(t, time.Since(start), 5*time.Second)

	_, ok := h.engine.Position("p1")
	assert.False(t, ok)
	outcome := h.events.Events(events.AdvisoryDecision)[0].Payload.(events.AdvisoryOutcome)
	assert.True(t, outcome.Fallback)
	assert.Contains(t, outcome.Error, "deadline")
}

func TestEscalation_FailureDoesNotBlockOthers(t *testing.T) {
	var calls atomic.Int32
	advisor := AdvisorFunc(func(_ context.Context, actx AdvisoryContext) (AdvisoryDecision, error) {
		calls.Add(1)
		if actx.Position.ID == "a" {
			return AdvisoryDecision{}, stderrors.New("service down")
		}
		return AdvisoryDecision{Decision: DecisionRoll, Confidence: 0.9}, nil
	})
	h := newHarness(t, risk.ProfileConservative, advisor)
	h.setPrice(t, "AAPL", 115)
	h.register(t, "a", 5)
	h.register(t, "b", 5)

	h.engine.AggregateTick(context.Background())

	assert.Equal(t, int32(2), calls.Load())
	_, ok := h.engine.Position("a")
	assert.False(t, ok)
	b, ok := h.engine.Position("b")
	require.True(t, ok)
	assert.Len(t, b.RollHistory, 1)
}

func TestAdvisoryTick_StoresWithoutActing(t *testing.T) {
	var calls atomic.Int32
	advisor := AdvisorFunc(func(_ context.Context, actx AdvisoryContext) (AdvisoryDecision, error) {
		calls.Add(1)
		assert.Equal(t, PurposeAnalysis, actx.Purpose)
		return AdvisoryDecision{Decision: DecisionClose, Confidence: 0.99, Reasoning: "deep ITM"}, nil
	})
	h := newHarness(t, risk.ProfileAggressive, advisor)
	h.setPrice(t, "AAPL", 104)
	h.register(t, "high", 5)
	_, err := h.engine.RegisterPosition(context.Background(), PositionSpec{
		ID: "low", Symbol: "AAPL", Strategy: models.StrategyCoveredCall,
		Strike: 130, Expiry: testStart.Add(30 * 24 * time.Hour), PremiumCollected: 1,
	})
	require.NoError(t, err)

	h.engine.AdvisoryTick(context.Background())
	h.engine.AdvisoryTick(context.Background())

	assert.Equal(t, int32(1), calls.Load())
	high, _ := h.engine.Position("high")
	assert.True(t, high.AdvisoryAnalyzed)
	require.NotNil(t, high.AdvisoryRecommendation)
	assert.Equal(t, "deep ITM", high.AdvisoryRecommendation.Reasoning)
	assert.Empty(t, high.RollHistory)

	low, _ := h.engine.Position("low")
	assert.False(t, low.AdvisoryAnalyzed)
	assert.Empty(t, h.sink.all())

	decisions := h.events.Events(events.AdvisoryDecision)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Payload.(events.AdvisoryOutcome).StoredOnly)
}

func TestAdvisoryTick_RetriesAfterFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	advisor := AdvisorFunc(func(context.Context, AdvisoryContext) (AdvisoryDecision, error) {
		if fail.Load() {
			return AdvisoryDecision{}, stderrors.New("unavailable")
		}
		return AdvisoryDecision{Decision: DecisionHold, Confidence: 0.7}, nil
	})
	h := newHarness(t, risk.ProfileAggressive, advisor)
	h.setPrice(t, "AAPL", 104)
	h.register(t, "p1", 5)

	h.engine.AdvisoryTick(context.Background())
	pos, _ := h.engine.Position("p1")
	assert.False(t, pos.AdvisoryAnalyzed)

	fail.Store(false)
	h.engine.AdvisoryTick(context.Background())
	pos, _ = h.engine.Position("p1")
	assert.True(t, pos.AdvisoryAnalyzed)
}

func assertNoDuplicateActive(t *testing.T, alerts []models.Alert) {
	t.Helper()
	seen := make(map[alertKey]string)
	for _, a := range alerts {
		if !a.IsActive() {
			continue
		}
		key := alertKey{positionID: a.PositionID, alertType: a.Type}
		if prev, dup := seen[key]; dup {
			t.Fatalf("duplicate ACTIVE %s alerts for %s: %s and %s", a.Type, a.PositionID, prev, a.ID)
		}
		seen[key] = a.ID
	}
}

func TestAlerts_NoDuplicateActiveUnderRandomTicks(t *testing.T) {
	for _, profile := range []string{risk.ProfileConservative, risk.ProfileAggressive, risk.ProfileUltraConservative} {
		t.Run(profile, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(42, uint64(len(profile))))
			advisor := AdvisorFunc(func(context.Context, AdvisoryContext) (AdvisoryDecision, error) {
				decisions := []string{DecisionHold, DecisionRoll, DecisionClose}
				return AdvisoryDecision{Decision: decisions[rng.IntN(3)], Confidence: rng.Float64()}, nil
			})
			h := newHarness(t, profile, advisor)
			ids := []string{"a", "b", "c"}
			ctx := context.Background()

			for step := 0; step < 400; step++ {
				switch op := rng.IntN(6); op {
				case 0, 1:
					h.setPrice(t, "AAPL", 85+rng.Float64()*35)
					h.engine.MonitorTick(ctx)
				case 2:
					h.engine.AggregateTick(ctx)
				case 3:
					h.engine.AdvisoryTick(ctx)
				case 4:
					h.clock.Advance(time.Duration(rng.IntN(90)) * time.Minute)
				case 5:
					id := ids[rng.IntN(len(ids))]
					if _, tracked := h.engine.Position(id); !tracked {
						_, err := h.engine.RegisterPosition(ctx, PositionSpec{
							ID: id, Symbol: "AAPL", Strategy: models.StrategyCoveredCall,
							Strike: 100, Expiry: h.clock.Now().Add(time.Duration(1+rng.IntN(40)) * 24 * time.Hour),
							PremiumCollected: 1 + rng.Float64()*6,
						})
						require.NoError(t, err)
					}
				}
				assertNoDuplicateActive(t, h.engine.Alerts())
			}
		})
	}
}

func TestAlerts_NoDuplicateActiveUnderConcurrentTicks(t *testing.T) {
	h := newHarness(t, risk.ProfileAggressive, fixedAdvisor(DecisionHold, 0.9))
	h.setPrice(t, "AAPL", 104)
	for _, id := range []string{"a", "b", "c", "d"} {
		h.register(t, id, 5)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				switch (w + i) % 3 {
				case 0:
					h.engine.MonitorTick(ctx)
				case 1:
					h.engine.AggregateTick(ctx)
				case 2:
					h.engine.AdvisoryTick(ctx)
				}
			}
		}(w)
	}
	wg.Wait()

	alerts := h.engine.Alerts()
	assertNoDuplicateActive(t, alerts)
	assert.Len(t, alerts, 4)
}

package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/rzzdr/assignment-risk-engine/pkg/models"
)

func TestEstimateAssignmentProbability_StaysInBounds(t *testing.T) {
	moneyness := []float64{-1, 0, 1e-6, 0.5, 0.98, 1, 1.02, 2, 100, math.Inf(1), math.NaN()}
	years := []float64{-1, 0, 1e-9, 1.0 / 365, 30.0 / 365, 1, 5, math.NaN()}
	vols := []float64{-0.5, 0, 1e-6, 0.3, 0.6, 3, math.NaN()}
	conditions := []Conditions{
		{},
		{DaysToExpiry: 1, ExpirationWeek: true, Trend: models.TrendBullish, Smoothing: 1.1},
		{DaysToExpiry: 10, Trend: models.TrendBearish, Smoothing: 0.9},
	}

	for _, m := range moneyness {
		for _, T := range years {
			for _, v := range vols {
				for _, c := range conditions {
					p := EstimateAssignmentProbability(m, T, v, c)
					assert.GreaterOrEqual(t, p, MinProbability, "m=%v T=%v vol=%v", m, T, v)
					assert.LessOrEqual(t, p, MaxProbability, "m=%v T=%v vol=%v", m, T, v)
				}
			}
		}
	}
}

func TestEstimateAssignmentProbability_MonotonicInMoneyness(t *testing.T) {
	for _, cond := range []Conditions{{}, {DaysToExpiry: 2, ExpirationWeek: true, Trend: models.TrendBullish}} {
		for _, vol := range []float64{0.1, 0.3, 0.6} {
			prev := 0.0
			for m := 0.5; m <= 1.5; m += 0.005 {
				p := EstimateAssignmentProbability(m, 30.0/365, vol, cond)
				assert.GreaterOrEqual(t, p, prev, "m=%v vol=%v", m, vol)
				prev = p
			}
		}
	}
}

func TestEstimateAssignmentProbability_Adjustments(t *testing.T) {
	T := YearsToExpiry(2)
	raw := EstimateAssignmentProbability(1, T, 0.3, Conditions{})

	t.Run("at the money is just under one half", func(t *testing.T) {
		assert.Less(t, raw, 0.5)
		assert.Greater(t, raw, 0.49)
	})

	t.Run("expiration week boost needs the flag", func(t *testing.T) {
		assert.InDelta(t, raw, EstimateAssignmentProbability(1, T, 0.3, Conditions{DaysToExpiry: 2}), 1e-12)
		assert.InDelta(t, raw*1.2, EstimateAssignmentProbability(1, T, 0.3, Conditions{DaysToExpiry: 2, ExpirationWeek: true}), 1e-12)
		assert.InDelta(t, raw, EstimateAssignmentProbability(1, T, 0.3, Conditions{DaysToExpiry: 3, ExpirationWeek: true}), 1e-12)
	})

	t.Run("bullish trend", func(t *testing.T) {
		assert.InDelta(t, raw*1.1, EstimateAssignmentProbability(1, T, 0.3, Conditions{Trend: models.TrendBullish}), 1e-12)
		assert.InDelta(t, raw, EstimateAssignmentProbability(1, T, 0.3, Conditions{Trend: models.TrendNeutral}), 1e-12)
	})

	t.Run("adjustments compose in order", func(t *testing.T) {
		got := EstimateAssignmentProbability(1, T, 0.3, Conditions{
			DaysToExpiry:   2,
			ExpirationWeek: true,
			Trend:          models.TrendBullish,
			Smoothing:      1.05,
		})
		assert.InDelta(t, raw*1.2*1.1*1.05, got, 1e-12)
	})

	t.Run("smoothing is bounded", func(t *testing.T) {
		assert.InDelta(t, raw*1.1, EstimateAssignmentProbability(1, T, 0.3, Conditions{Smoothing: 5}), 1e-12)
		assert.InDelta(t, raw*0.9, EstimateAssignmentProbability(1, T, 0.3, Conditions{Smoothing: 0.01}), 1e-12)
	})
}

func TestNormalCDF_MatchesGonum(t *testing.T) {
	for z := -6.0; z <= 6.0; z += 0.01 {
		assert.InDelta(t, distuv.UnitNormal.CDF(z), NormalCDF(z), 1.5e-7, "z=%v", z)
	}
	assert.InDelta(t, 0.5, NormalCDF(0), 1e-8)
	assert.InDelta(t, 1.0, NormalCDF(math.Inf(1)), 1e-15)
	assert.InDelta(t, 0.0, NormalCDF(math.Inf(-1)), 1e-15)
}

func TestClampProbability(t *testing.T) {
	assert.Equal(t, MinProbability, ClampProbability(-3))
	assert.Equal(t, MaxProbability, ClampProbability(1.4))
	assert.Equal(t, MaxProbability, ClampProbability(math.NaN()))
	assert.Equal(t, 0.42, ClampProbability(0.42))
}

func TestEarlyAssignmentRisk(t *testing.T) {
	assert.InDelta(t, 0.0, EarlyAssignmentRisk(0.9, 20), 1e-12)
	assert.InDelta(t, 0.45, EarlyAssignmentRisk(0.9, 7), 1e-12)
	assert.InDelta(t, 0.9, EarlyAssignmentRisk(0.9, 0), 1e-12)
}

func TestInputsFinite(t *testing.T) {
	assert.True(t, InputsFinite(100, 95, 0.3, 10))
	assert.False(t, InputsFinite(math.NaN(), 95, 0.3, 10))
	assert.False(t, InputsFinite(100, 95, math.Inf(1), 10))
	assert.False(t, InputsFinite(0, 95, 0.3, 10))
	assert.False(t, InputsFinite(100, -1, 0.3, 10))
}

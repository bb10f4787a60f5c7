package risk

import (
	"math"

	"github.com/rzzdr/assignment-risk-engine/pkg/models"
)

const (
	// MinProbability and MaxProbability bound every estimate
	MinProbability = 0.001
	MaxProbability = 0.999

	// minTimeToExpiry is the floor applied to T, in years
	minTimeToExpiry = 0.001
	minVolatility   = 1e-4
	minMoneyness    = 1e-9

	expirationWeekDays       = 3
	expirationWeekMultiplier = 1.2
	bullishTrendMultiplier   = 1.1

	daysPerYear = 365.0
)

// Abramowitz-Stegun 7.1.26 coefficients
const (
	erfA1 = 0.254829592
	erfA2 = -0.284496736
	erfA3 = 1.421413741
	erfA4 = -1.453152027
	erfA5 = 1.061405429
	erfP  = 0.3275911
)

// Conditions carries the optional post-adjustments applied to a raw estimate.
// The zero value applies none of them.
type Conditions struct {
	// DaysToExpiry enables the expiration-week boost when ExpirationWeek is set
	DaysToExpiry   float64
	ExpirationWeek bool

	Trend models.Trend

	// Smoothing is a confidence multiplier; zero disables it
	Smoothing float64
}

// EstimateAssignmentProbability returns the probability that a short option
// with the given exercise moneyness finishes in the money. Degenerate inputs
// are floored, never rejected, and the result is always within
// [MinProbability, MaxProbability].
func EstimateAssignmentProbability(moneyness, timeToExpiryYears, volatility float64, cond Conditions) float64 {
	if !(moneyness > 0) {
		moneyness = minMoneyness
	}
	if !(timeToExpiryYears > 0) {
		timeToExpiryYears = minTimeToExpiry
	}
	if !(volatility > 0) {
		volatility = minVolatility
	}

	volSqrtT := volatility * math.Sqrt(timeToExpiryYears)
	d2 := math.Log(moneyness)/volSqrtT - 0.5*volSqrtT
	p := NormalCDF(d2)

	if cond.ExpirationWeek && cond.DaysToExpiry < expirationWeekDays {
		p *= expirationWeekMultiplier
	}
	if cond.Trend == models.TrendBullish {
		p *= bullishTrendMultiplier
	}
	if cond.Smoothing > 0 {
		p *= ClampSmoothing(cond.Smoothing)
	}

	return ClampProbability(p)
}

// ClampProbability bounds p to [MinProbability, MaxProbability]; NaN maps to the upper bound
func ClampProbability(p float64) float64 {
	if math.IsNaN(p) {
		return MaxProbability
	}
	return math.Min(math.Max(p, MinProbability), MaxProbability)
}

// YearsToExpiry converts days to expiry into the year fraction the model expects
func YearsToExpiry(daysToExpiry float64) float64 {
	return daysToExpiry / daysPerYear
}

// NormalCDF is the standard normal cumulative distribution function
func NormalCDF(z float64) float64 {
	return 0.5 * (1 + erf(z/math.Sqrt2))
}

// erf is the five-term Abramowitz-Stegun approximation, max error 1.5e-7
func erf(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x)

	t := 1 / (1 + erfP*x)
	y := 1 - (((((erfA5*t+erfA4)*t+erfA3)*t+erfA2)*t+erfA1)*t)*math.Exp(-x*x)

	return sign * y
}

// EarlyAssignmentRisk scales p by how deep the position is into its final two weeks
func EarlyAssignmentRisk(p, daysToExpiry float64) float64 {
	return p * math.Max(0, (earlyAssignmentWindowDays-daysToExpiry)/earlyAssignmentWindowDays)
}

const earlyAssignmentWindowDays = 14.0

// InputsFinite reports whether the market inputs of a recomputation are usable
func InputsFinite(price, strike, volatility, daysToExpiry float64) bool {
	for _, v := range []float64{price, strike, volatility, daysToExpiry} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return price > 0 && strike > 0
}

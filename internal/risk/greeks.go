package risk

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/rzzdr/assignment-risk-engine/pkg/models"
)

// Carry assumptions for Black-Scholes valuation
const (
	DefaultRiskFreeRate  = 0.02
	DefaultDividendYield = 0.01
)

// Greeks values the sold option from the writer's side. A short call has
// negative delta and theta is positive while time value decays.
type Greeks struct {
	OptionValue float64 `json:"optionValue"`
	Delta       float64 `json:"delta"`
	Gamma       float64 `json:"gamma"`
	// Theta is per calendar day
	Theta float64 `json:"theta"`
	// Vega is per volatility point
	Vega float64 `json:"vega"`
}

// ShortOptionGreeks prices the option pos is short, per unit of underlying.
// ok is false when the inputs cannot be priced.
func ShortOptionGreeks(pos *models.Position, volatility float64) (g Greeks, ok bool) {
	S, K := pos.CurrentPrice, pos.Strike
	if !InputsFinite(S, K, volatility, pos.DaysToExpiry) || !(volatility > 0) {
		return Greeks{}, false
	}

	T := math.Max(YearsToExpiry(pos.DaysToExpiry), minTimeToExpiry)
	r, q := DefaultRiskFreeRate, DefaultDividendYield
	sqrtT := math.Sqrt(T)

	d1 := (math.Log(S/K) + (r-q+0.5*volatility*volatility)*T) / (volatility * sqrtT)
	d2 := d1 - volatility*sqrtT

	n := distuv.UnitNormal
	disc, carry := math.Exp(-r*T), math.Exp(-q*T)
	pdf := n.Prob(d1)
	decay := -S * carry * pdf * volatility / (2 * sqrtT)

	var value, delta, theta float64
	if pos.Strategy == models.StrategyCashSecuredPut {
		value = K*disc*n.CDF(-d2) - S*carry*n.CDF(-d1)
		delta = carry * (n.CDF(d1) - 1)
		theta = decay + r*K*disc*n.CDF(-d2) - q*S*carry*n.CDF(-d1)
	} else {
		value = S*carry*n.CDF(d1) - K*disc*n.CDF(d2)
		delta = carry * n.CDF(d1)
		theta = decay - r*K*disc*n.CDF(d2) + q*S*carry*n.CDF(d1)
	}

	return Greeks{
		OptionValue: value,
		Delta:       -delta,
		Gamma:       -carry * pdf / (S * volatility * sqrtT),
		Theta:       -theta / daysPerYear,
		Vega:        -S * carry * pdf * sqrtT / 100,
	}, true
}

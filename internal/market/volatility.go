package market

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/rzzdr/assignment-risk-engine/pkg/models"
)

const (
	highRegimeVolatility    = 0.60
	defaultRegimeVolatility = 0.30

	// minHistory is the number of prices needed before realized volatility is trusted
	minHistory = 10

	// DefaultSampleInterval spaces history observations one calendar day apart
	DefaultSampleInterval = 24 * time.Hour

	year = 365 * 24 * time.Hour
)

// RegimeVolatility is the fallback volatility for a regime
func RegimeVolatility(regime models.VolatilityRegime) float64 {
	switch regime {
	case models.VolatilityHigh, models.VolatilityExtreme:
		return highRegimeVolatility
	default:
		return defaultRegimeVolatility
	}
}

// RealizedVolatility returns the standard deviation of log returns of prices
// observed interval apart, annualized over a calendar year. It is 0 when
// there are too few usable prices.
func RealizedVolatility(prices []float64, interval time.Duration) float64 {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	returns := make([]float64, 0, len(prices))
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil) * math.Sqrt(float64(year)/float64(interval))
}

// History keeps a bounded price series per symbol, oldest first, with one
// observation per sample interval
type History struct {
	series map[string]*series
	limit  int
	every  time.Duration
	mu     sync.RWMutex
}

type series struct {
	prices []float64
	// opened is when the newest observation's interval started
	opened time.Time
}

// NewHistory creates a history holding up to limit prices per symbol,
// sampled every interval (a day when zero)
func NewHistory(limit int, every time.Duration) *History {
	if limit <= 0 {
		limit = 252
	}
	if every <= 0 {
		every = DefaultSampleInterval
	}
	return &History{series: make(map[string]*series), limit: limit, every: every}
}

// SampleInterval returns the spacing between observations
func (h *History) SampleInterval() time.Duration {
	return h.every
}

// Record observes price at time at. Within one sample interval the latest
// price replaces the previous one, so ticks faster than the interval do not
// shorten the return horizon.
func (h *History) Record(symbol string, price float64, at time.Time) {
	if !(price > 0) || math.IsInf(price, 0) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.series[symbol]
	if !ok {
		s = &series{}
		h.series[symbol] = s
	}
	if n := len(s.prices); n > 0 && at.Sub(s.opened) < h.every {
		s.prices[n-1] = price
		return
	}

	s.prices = append(s.prices, price)
	s.opened = at
	if len(s.prices) > h.limit {
		s.prices = s.prices[len(s.prices)-h.limit:]
	}
}

// Prices returns a copy of the recorded series for symbol
func (h *History) Prices(symbol string) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.series[symbol]
	if !ok {
		return nil
	}
	return append([]float64(nil), s.prices...)
}

// VolatilityFor picks the volatility to feed the model: the quote's implied
// volatility, then realized volatility from history, then the regime default.
func (h *History) VolatilityFor(q Quote) float64 {
	if q.ImpliedVolatility > 0 && !math.IsInf(q.ImpliedVolatility, 0) {
		return q.ImpliedVolatility
	}
	if h != nil {
		if prices := h.Prices(q.Symbol); len(prices) >= minHistory {
			if v := RealizedVolatility(prices, h.every); v > 0 {
				return v
			}
		}
	}
	return RegimeVolatility(q.VolatilityRegime)
}

package risk

import (
	"math"
	"math/rand/v2"
	"sync"
)

const (
	minSmoothing = 0.9
	maxSmoothing = 1.1
)

// Smoother produces confidence-smoothing multipliers in [0.9, 1.1] from a
// seeded generator, so the same seed always yields the same sequence.
type Smoother struct {
	mu        sync.Mutex
	rng       *rand.Rand
	amplitude float64
}

// NewSmoother creates a smoother. amplitude is the maximum deviation from 1
// and is capped at 0.1.
func NewSmoother(seed uint64, amplitude float64) *Smoother {
	return &Smoother{
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		amplitude: math.Min(math.Abs(amplitude), maxSmoothing-1),
	}
}

// Next returns the next multiplier. A nil smoother returns 0, which disables smoothing.
func (s *Smoother) Next() float64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	u := s.rng.Float64()
	s.mu.Unlock()
	return ClampSmoothing(1 + (2*u-1)*s.amplitude)
}

// ClampSmoothing bounds a multiplier to [0.9, 1.1]
func ClampSmoothing(m float64) float64 {
	return math.Min(math.Max(m, minSmoothing), maxSmoothing)
}

package market

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rzzdr/assignment-risk-engine/pkg/models"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

// Quote is the market-data snapshot the monitor needs for one underlying
type Quote struct {
	Symbol            string                  `json:"symbol" mapstructure:"symbol"`
	Price             float64                 `json:"price" mapstructure:"price"`
	ImpliedVolatility float64                 `json:"impliedVolatility" mapstructure:"implied_volatility"`
	Trend             models.Trend            `json:"trend" mapstructure:"trend"`
	VolatilityRegime  models.VolatilityRegime `json:"volatilityRegime" mapstructure:"volatility_regime"`
	At                time.Time               `json:"at" mapstructure:"-"`
	// Stale is set when the quote came from the last-known cache
	Stale bool `json:"stale" mapstructure:"-"`
}

// Provider supplies quotes on demand
type Provider interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// StaticProvider serves quotes set by the host. It backs tests and the
// assess command, and lets a host push prices it sources elsewhere.
type StaticProvider struct {
	quotes map[string]Quote
	mu     sync.RWMutex
	now    func() time.Time
	log    *logger.Logger
}

// NewStaticProvider creates a provider seeded with quotes
func NewStaticProvider(quotes ...Quote) *StaticProvider {
	p := &StaticProvider{
		quotes: make(map[string]Quote, len(quotes)),
		now:    time.Now,
		log:    logger.GetLogger("market.static"),
	}
	for _, q := range quotes {
		q.Symbol = normalize(q.Symbol)
		if err := checkQuote(q); err != nil {
			p.log.Warnw("Ignoring seed quote", "symbol", q.Symbol, "price", q.Price, "error", err)
			continue
		}
		p.quotes[q.Symbol] = q
	}
	return p
}

func checkQuote(q Quote) error {
	if q.Symbol == "" {
		return errors.InvalidArgument("quote symbol cannot be empty")
	}
	if !(q.Price > 0) || math.IsInf(q.Price, 1) {
		return errors.InvalidArgument("quote price must be positive and finite")
	}
	return nil
}

// Set stores or replaces the quote for q.Symbol
func (p *StaticProvider) Set(q Quote) error {
	q.Symbol = normalize(q.Symbol)
	if err := checkQuote(q); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if q.At.IsZero() {
		q.At = p.now()
	}
	p.quotes[q.Symbol] = q
	return nil
}

// Remove drops the quote for symbol so later lookups fail
func (p *StaticProvider) Remove(symbol string) {
	p.mu.Lock()
	delete(p.quotes, normalize(symbol))
	p.mu.Unlock()
}

// Quote returns the stored quote or a DataUnavailable error
func (p *StaticProvider) Quote(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, errors.DataUnavailable(symbol, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	q, exists := p.quotes[symbol]
	if !exists {
		return Quote{}, errors.DataUnavailable(symbol, errors.ErrNotFound)
	}
	return q, nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

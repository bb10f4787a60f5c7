package advisory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rzzdr/assignment-risk-engine/internal/engine"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

const maxResponseBytes = 1 << 20

// Config configures the advisory HTTP client
type Config struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	// Timeout bounds one HTTP exchange; the engine applies its own deadline too
	Timeout time.Duration `mapstructure:"timeout"`

	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`

	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// Client calls the advisory service. Calls are rate limited and guarded by a
// circuit breaker so a failing service fails fast into the engine fallback.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	log      *logger.Logger
}

var _ engine.Advisor = (*Client)(nil)

// NewClient validates cfg and creates a client
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Config(fmt.Sprintf("invalid advisory url %q", cfg.URL))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = engine.DefaultAdvisoryTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 3
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = time.Minute
	}

	log := logger.GetLogger("advisory.client")
	failures := cfg.BreakerFailures

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "advisory",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("Advisory circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		endpoint: u.String(),
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker:  breaker,
		log:      log,
	}, nil
}

// State reports the circuit breaker state
func (c *Client) State() string {
	return c.breaker.State().String()
}

// Decide sends the context to the service and returns its validated decision.
// Every failure is an AdvisoryFailure error.
func (c *Client) Decide(ctx context.Context, actx engine.AdvisoryContext) (engine.AdvisoryDecision, error) {
	body, err := EncodeContext(actx)
	if err != nil {
		return engine.AdvisoryDecision{}, errors.AdvisoryFailure(err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return engine.AdvisoryDecision{}, errors.AdvisoryFailure(errors.Wrap(err, "rate limit wait"))
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		c.log.Warnw("Advisory call failed",
			"position", actx.Position.ID,
			"purpose", actx.Purpose,
			"breaker", c.breaker.State().String(),
			"error", err)
		return engine.AdvisoryDecision{}, errors.AdvisoryFailure(err)
	}

	dec := out.(engine.AdvisoryDecision)
	c.log.Debugw("Advisory decision received",
		"position", actx.Position.ID,
		"decision", dec.Decision,
		"confidence", dec.Confidence)
	return dec, nil
}

func (c *Client) post(ctx context.Context, body []byte) (engine.AdvisoryDecision, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return engine.AdvisoryDecision{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return engine.AdvisoryDecision{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return engine.AdvisoryDecision{}, errors.Wrap(err, "failed to read advisory response")
	}
	if resp.StatusCode != http.StatusOK {
		return engine.AdvisoryDecision{}, errors.Newf("advisory service returned %d", resp.StatusCode)
	}
	return DecodeDecision(payload)
}

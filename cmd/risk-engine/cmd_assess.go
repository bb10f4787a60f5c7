package main

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzzdr/assignment-risk-engine/config"
	"github.com/rzzdr/assignment-risk-engine/internal/engine"
	"github.com/rzzdr/assignment-risk-engine/internal/market"
	"github.com/rzzdr/assignment-risk-engine/pkg/models"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

// assessCmd scores one position without tracking it
var assessCmd = &cobra.Command{
	Use:   "assess",
	Short: "Assess the assignment risk of a single position",
	Long: `Score one sold option against a quote given on the command line and
print the assessment as JSON. Nothing is persisted and no action is taken.

Examples:
  risk-engine assess --symbol AAPL --strategy COVERED_CALL --strike 100 --days 30 --price 97 --iv 0.3
  risk-engine assess --symbol MSFT --strategy CASH_SECURED_PUT --strike 400 --expiry 2026-12-18 --price 405 --profile aggressive`,
	RunE: runAssess,
}

var (
	assessSymbol   string
	assessStrategy string
	assessStrike   float64
	assessDays     int
	assessExpiry   string
	assessPremium  float64
	assessQuantity float64
	assessPrice    float64
	assessIV       float64
	assessTrend    string
	assessProfile  string
)

func init() {
	rootCmd.AddCommand(assessCmd)

	f := assessCmd.Flags()
	f.StringVar(&assessSymbol, "symbol", "", "Underlying symbol")
	f.StringVar(&assessStrategy, "strategy", string(models.StrategyCoveredCall), "COVERED_CALL or CASH_SECURED_PUT")
	f.Float64Var(&assessStrike, "strike", 0, "Option strike")
	f.IntVar(&assessDays, "days", 30, "Days to expiry, ignored when --expiry is set")
	f.StringVar(&assessExpiry, "expiry", "", "Expiry date (2006-01-02 or RFC3339)")
	f.Float64Var(&assessPremium, "premium", 0, "Premium collected")
	f.Float64Var(&assessQuantity, "quantity", 1, "Contracts")
	f.Float64Var(&assessPrice, "price", 0, "Current underlying price")
	f.Float64Var(&assessIV, "iv", 0, "Implied volatility, 0 uses the regime default")
	f.StringVar(&assessTrend, "trend", string(models.TrendNeutral), "BULLISH, BEARISH or NEUTRAL")
	f.StringVar(&assessProfile, "profile", "", "Risk profile, defaults to the configured one")

	_ = assessCmd.MarkFlagRequired("symbol")
	_ = assessCmd.MarkFlagRequired("strike")
	_ = assessCmd.MarkFlagRequired("price")
}

func runAssess(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// keep stdout for the JSON result
	logger.Init("error", cfg.App.Environment)

	if assessProfile != "" {
		cfg.Engine.Profile = assessProfile
	}
	_, profile, err := cfg.Profiles()
	if err != nil {
		return err
	}

	expiry, err := parseExpiry(assessExpiry, assessDays, time.Now())
	if err != nil {
		return err
	}

	quotes := market.NewStaticProvider()
	if err := quotes.Set(market.Quote{
		Symbol:            strings.ToUpper(strings.TrimSpace(assessSymbol)),
		Price:             assessPrice,
		ImpliedVolatility: assessIV,
		Trend:             models.Trend(strings.ToUpper(assessTrend)),
	}); err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{Profile: profile, Thresholds: cfg.Engine.Thresholds}, engine.Deps{Market: quotes})
	if err != nil {
		return err
	}

	assessment, err := eng.Assess(cmd.Context(), engine.PositionSpec{
		Symbol:           assessSymbol,
		Strategy:         models.StrategyKind(strings.ToUpper(assessStrategy)),
		Strike:           assessStrike,
		Expiry:           expiry,
		PremiumCollected: assessPremium,
		Quantity:         assessQuantity,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Profile    string `json:"profile"`
		Assessment any    `json:"assessment"`
	}{Profile: profile.Name, Assessment: assessment})
}

func parseExpiry(raw string, days int, now time.Time) (time.Time, error) {
	if raw == "" {
		if days <= 0 {
			return time.Time{}, errors.InvalidArgument("--days must be positive")
		}
		return now.Add(time.Duration(days) * 24 * time.Hour), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.InvalidArgument("--expiry must be a date or RFC3339 time: " + raw)
	}
	// options expire at the close
	return t.Add(16 * time.Hour), nil
}

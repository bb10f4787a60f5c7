package advisory

import (
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rzzdr/assignment-risk-engine/internal/engine"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
)

// EncodeContext renders the advisory context as the JSON object the service
// expects: {purpose, position, profile, marketConditions, rollHistory}
func EncodeContext(actx engine.AdvisoryContext) ([]byte, error) {
	s, err := ContextStruct(actx)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

// ContextStruct builds the structured context value
func ContextStruct(actx engine.AdvisoryContext) (*structpb.Struct, error) {
	rolls := make([]interface{}, 0, len(actx.RollHistory))
	for _, r := range actx.RollHistory {
		rolls = append(rolls, map[string]interface{}{
			"action":    string(r.Action),
			"oldStrike": number(r.OldStrike),
			"newStrike": number(r.NewStrike),
			"oldExpiry": timestamp(r.OldExpiry),
			"newExpiry": timestamp(r.NewExpiry),
			"netCredit": number(r.NetCredit),
			"success":   r.Success,
			"timestamp": timestamp(r.Timestamp),
		})
	}

	p := actx.Position
	s, err := structpb.NewStruct(map[string]interface{}{
		"purpose": actx.Purpose,
		"position": map[string]interface{}{
			"id":                    p.ID,
			"symbol":                p.Symbol,
			"strategy":              string(p.Strategy),
			"strike":                number(p.Strike),
			"expiry":                timestamp(p.Expiry),
			"daysToExpiry":          number(p.DaysToExpiry),
			"premiumCollected":      number(p.PremiumCollected),
			"quantity":              number(p.Quantity),
			"currentPrice":          number(p.CurrentPrice),
			"moneyness":             number(p.Moneyness),
			"volatility":            number(p.Volatility),
			"assignmentProbability": number(p.AssignmentProbability),
			"riskLevel":             string(p.RiskLevel),
			"longTermHolding":       p.LongTermHolding,
		},
		"profile": map[string]interface{}{
			"name":             actx.Profile.Name,
			"maxRiskTolerance": actx.Profile.MaxRiskTolerance,
			"rollThreshold":    actx.Profile.RollThreshold,
			"closeThreshold":   actx.Profile.CloseThreshold,
			"autoRoll":         actx.Profile.AutoRoll,
			"rollStrategy":     string(actx.Profile.RollStrategy),
			"allowEarlyClose":  actx.Profile.AllowEarlyClose,
			"minProfitToClose": actx.Profile.MinProfitToClose,
		},
		"marketConditions": map[string]interface{}{
			"volatilityRegime": string(actx.MarketConditions.VolatilityRegime),
			"trendDirection":   string(actx.MarketConditions.TrendDirection),
			"lastUpdate":       timestamp(actx.MarketConditions.LastUpdate),
		},
		"rollHistory": rolls,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build advisory context")
	}
	return s, nil
}

// DecodeDecision parses and validates a service response
func DecodeDecision(body []byte) (engine.AdvisoryDecision, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(body, &s); err != nil {
		return engine.AdvisoryDecision{}, errors.Wrap(err, "malformed advisory response")
	}

	fields := s.GetFields()
	dec := engine.AdvisoryDecision{
		Decision:   strings.ToUpper(strings.TrimSpace(fields["decision"].GetStringValue())),
		Confidence: fields["confidence"].GetNumberValue(),
		Reasoning:  fields["reasoning"].GetStringValue(),
	}

	switch dec.Decision {
	case engine.DecisionHold, engine.DecisionRoll, engine.DecisionClose:
	default:
		return engine.AdvisoryDecision{}, errors.Newf("unknown advisory decision %q", dec.Decision)
	}
	if _, ok := fields["confidence"].GetKind().(*structpb.Value_NumberValue); !ok {
		return engine.AdvisoryDecision{}, errors.New("advisory response has no confidence")
	}
	if dec.Confidence < 0 || dec.Confidence > 1 {
		return engine.AdvisoryDecision{}, errors.Newf("advisory confidence %v outside [0, 1]", dec.Confidence)
	}
	return dec, nil
}

// number maps non-finite values to null; JSON has no NaN
func number(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func timestamp(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

package risk

import (
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
)

// RollStrategy describes how eagerly a profile rolls
type RollStrategy string

const (
	RollDefensive     RollStrategy = "DEFENSIVE"
	RollBalanced      RollStrategy = "BALANCED"
	RollOpportunistic RollStrategy = "OPPORTUNISTIC"
	RollAggressive    RollStrategy = "AGGRESSIVE"
)

// Profile names
const (
	ProfileUltraConservative = "ULTRA_CONSERVATIVE"
	ProfileConservative      = "CONSERVATIVE"
	ProfileModerate          = "MODERATE"
	ProfileAggressive        = "AGGRESSIVE"

	DefaultProfile = ProfileConservative
)

// Profile is the decision configuration the alert engine and executor use
type Profile struct {
	Name             string       `json:"name" yaml:"name"`
	MaxRiskTolerance float64      `json:"maxRiskTolerance" yaml:"max_risk_tolerance"`
	RollThreshold    float64      `json:"rollThreshold" yaml:"roll_threshold"`
	CloseThreshold   float64      `json:"closeThreshold" yaml:"close_threshold"`
	AutoRoll         bool         `json:"autoRoll" yaml:"auto_roll"`
	RollStrategy     RollStrategy `json:"rollStrategy" yaml:"roll_strategy"`
	AllowEarlyClose  bool         `json:"allowEarlyClose" yaml:"allow_early_close"`
	MinProfitToClose float64      `json:"minProfitToClose" yaml:"min_profit_to_close"`
}

var presets = map[string]Profile{
	ProfileUltraConservative: {
		Name:             ProfileUltraConservative,
		MaxRiskTolerance: 0.20,
		RollThreshold:    0.15,
		CloseThreshold:   0.35,
		AutoRoll:         true,
		RollStrategy:     RollDefensive,
		AllowEarlyClose:  true,
		MinProfitToClose: 0.25,
	},
	ProfileConservative: {
		Name:             ProfileConservative,
		MaxRiskTolerance: 0.35,
		RollThreshold:    0.25,
		CloseThreshold:   0.50,
		AutoRoll:         true,
		RollStrategy:     RollBalanced,
		AllowEarlyClose:  true,
		MinProfitToClose: 0.20,
	},
	ProfileModerate: {
		Name:             ProfileModerate,
		MaxRiskTolerance: 0.50,
		RollThreshold:    0.40,
		CloseThreshold:   0.65,
		AutoRoll:         true,
		RollStrategy:     RollOpportunistic,
		AllowEarlyClose:  false,
		MinProfitToClose: 0.15,
	},
	ProfileAggressive: {
		Name:             ProfileAggressive,
		MaxRiskTolerance: 0.70,
		RollThreshold:    0.60,
		CloseThreshold:   0.80,
		AutoRoll:         false,
		RollStrategy:     RollAggressive,
		AllowEarlyClose:  false,
		MinProfitToClose: 0.10,
	},
}

// Validate checks the profile is internally consistent
func (p Profile) Validate() error {
	if p.Name == "" {
		return errors.Config("risk profile name is required")
	}
	if !(p.RollThreshold > 0 && p.RollThreshold < p.CloseThreshold && p.CloseThreshold < 1) {
		return errors.Config("risk profile " + p.Name + ": roll threshold must be below close threshold, both in (0, 1)")
	}
	if p.MinProfitToClose < 0 || p.MinProfitToClose > 1 {
		return errors.Config("risk profile " + p.Name + ": min profit to close must be a fraction")
	}
	switch p.RollStrategy {
	case RollDefensive, RollBalanced, RollOpportunistic, RollAggressive:
	default:
		return errors.Config("risk profile " + p.Name + ": unknown roll strategy " + string(p.RollStrategy))
	}
	return nil
}

// Registry resolves profile names to profiles. It starts with the built-in
// presets; a profiles file may override or add to them.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry returns a registry holding only the built-in presets
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]Profile, len(presets))}
	for name, p := range presets {
		r.profiles[name] = p
	}
	return r
}

// Lookup returns the named profile or a Config error
func (r *Registry) Lookup(name string) (Profile, error) {
	p, ok := r.profiles[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, errors.Config("unknown risk profile: " + name)
	}
	return p, nil
}

// Names lists the registered profile names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// Load merges profiles from a YAML document into the registry
func (r *Registry) Load(data []byte) error {
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return errors.WithType(errors.Wrap(err, "failed to parse risk profiles"), errors.ErrorTypeConfig)
	}
	for _, p := range file.Profiles {
		p.Name = strings.ToUpper(strings.TrimSpace(p.Name))
		if err := p.Validate(); err != nil {
			return err
		}
		r.profiles[p.Name] = p
	}
	return nil
}

// LoadFile reads a profiles file. A missing file is not an error.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.WithType(errors.Wrapf(err, "failed to read risk profiles from %s", path), errors.ErrorTypeConfig)
	}
	return r.Load(data)
}

// LookupProfile resolves one of the built-in presets
func LookupProfile(name string) (Profile, error) {
	return NewRegistry().Lookup(name)
}

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pricing maps model identifiers to a USD rate per 1K tokens.
// Rules are matched in order by substring; the first hit wins.
type Pricing struct {
	DefaultPer1K float64       `yaml:"default_per_1k"`
	Rules        []PricingRule `yaml:"models"`
}

// PricingRule prices every model whose identifier contains Match.
type PricingRule struct {
	Match string  `yaml:"match"`
	Per1K float64 `yaml:"per_1k"`
}

// DefaultPricing returns the built-in rate table.
func DefaultPricing() *Pricing {
	return &Pricing{
		DefaultPer1K: 0.001,
		Rules: []PricingRule{
			{Match: "gpt-4", Per1K: 0.03},
			{Match: "gpt-3.5", Per1K: 0.002},
		},
	}
}

// LoadPricing reads a YAML pricing table. An empty path yields DefaultPricing.
func LoadPricing(path string) (*Pricing, error) {
	if path == "" {
		return DefaultPricing(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}

	p := DefaultPricing()
	p.Rules = nil
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	for i, r := range p.Rules {
		if r.Match == "" {
			return nil, fmt.Errorf("pricing rule %d: match is required", i)
		}
		if r.Per1K < 0 {
			return nil, fmt.Errorf("pricing rule %q: negative rate", r.Match)
		}
	}
	return p, nil
}

// Rate returns the per-1K-token rate for model.
func (p *Pricing) Rate(model string) float64 {
	for _, r := range p.Rules {
		if strings.Contains(model, r.Match) {
			return r.Per1K
		}
	}
	return p.DefaultPer1K
}

// Cost estimates the USD cost of tokens for model.
func (p *Pricing) Cost(model string, tokens int64) float64 {
	if tokens <= 0 {
		return 0
	}
	return float64(tokens) / 1000 * p.Rate(model)
}

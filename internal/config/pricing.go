package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultCostPerRequest is the estimated USD cost of one upstream call per request type
var DefaultCostPerRequest = map[string]float64{
	"chat":      0.002,
	"embedding": 0.0001,
	"content":   0,
	"insight":   0.001,
}

// PricingFile is the optional YAML document that tunes cost accounting and moderation
//
//	cost_per_request:
//	  chat: 0.003
//	moderation_rules:
//	  - category: confidential
//	    pattern: '(?i)\bsalary\b'
type PricingFile struct {
	CostPerRequest  map[string]float64 `yaml:"cost_per_request"`
	ModerationRules []RuleSpec         `yaml:"moderation_rules"`
}

// RuleSpec is an extra denial rule appended after the built-in ones
type RuleSpec struct {
	Category string `yaml:"category"`
	Pattern  string `yaml:"pattern"`
}

// LoadPricing reads path and merges its cost table over DefaultCostPerRequest.
// An empty path returns the defaults.
func LoadPricing(path string) (*PricingFile, error) {
	pf := &PricingFile{CostPerRequest: make(map[string]float64, len(DefaultCostPerRequest))}
	for k, v := range DefaultCostPerRequest {
		pf.CostPerRequest[k] = v
	}
	if path == "" {
		return pf, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var parsed PricingFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}
	for k, v := range parsed.CostPerRequest {
		if v < 0 {
			return nil, fmt.Errorf("cost for %q must not be negative", k)
		}
		pf.CostPerRequest[k] = v
	}
	pf.ModerationRules = parsed.ModerationRules
	return pf, nil
}

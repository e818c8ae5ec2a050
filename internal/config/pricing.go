package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Price is the per-million-token rate card for one model.
type Price struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheRead  float64 `yaml:"cache_read"`
	CacheWrite float64 `yaml:"cache_write"`
}

// Pricing maps model identifiers to their rate cards.
type Pricing map[string]Price

// DefaultPricing is used when no pricing file is configured.
func DefaultPricing() Pricing {
	return Pricing{
		"claude-sonnet-4-5":         {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
		"claude-haiku-4-5":          {Input: 1, Output: 5, CacheRead: 0.1, CacheWrite: 1.25},
		"claude-opus-4-1":           {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
		"gpt-4o":                    {Input: 2.5, Output: 10, CacheRead: 1.25},
		"gpt-4o-mini":               {Input: 0.15, Output: 0.6, CacheRead: 0.075},
		"text-embedding-3-small":    {Input: 0.02},
		"claude-3-5-haiku-20241022": {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
	}
}

// LoadPricing reads a YAML rate card, layering it over the defaults.
//
//	claude-sonnet-4-5:
//	  input: 3
//	  output: 15
//	  cache_read: 0.3
func LoadPricing(path string) (Pricing, error) {
	pricing := DefaultPricing()
	if path == "" {
		return pricing, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var overrides Pricing
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}
	for model, price := range overrides {
		pricing[model] = price
	}
	return pricing, nil
}

// Package cost prices AI provider calls and enforces the per-tenant
// spend budget through an append-only ledger.
package cost

import "github.com/sells-group/taxaudit-cli/internal/config"

// Provider identifiers used in cost records and model pool entries.
const (
	ProviderAnthropic  = "anthropic"
	ProviderPerplexity = "perplexity"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic  map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity map[string]ModelRate `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Call computes the cost of one completion call. Unknown provider/model
// pairs price at zero; the ledger still records the token counts.
func (c *Calculator) Call(provider, model string, tokensIn, tokensOut int64) float64 {
	var table map[string]ModelRate
	switch provider {
	case ProviderAnthropic:
		table = c.rates.Anthropic
	case ProviderPerplexity:
		table = c.rates.Perplexity
	}

	rate, ok := table[model]
	if !ok {
		return 0
	}

	inCost := (float64(tokensIn) / 1e6) * rate.Input
	outCost := (float64(tokensOut) / 1e6) * rate.Output
	return inCost + outCost
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		},
		Perplexity: map[string]ModelRate{
			"sonar":     {Input: 1.00, Output: 1.00},
			"sonar-pro": {Input: 3.00, Output: 15.00},
		},
	}
}

// RatesFromConfig merges configured pricing over the defaults. Entries
// present in config replace the default entry for that model.
func RatesFromConfig(p config.PricingConfig) Rates {
	rates := DefaultRates()
	for model, mp := range p.Anthropic {
		rates.Anthropic[model] = ModelRate{Input: mp.Input, Output: mp.Output}
	}
	for model, mp := range p.Perplexity {
		rates.Perplexity[model] = ModelRate{Input: mp.Input, Output: mp.Output}
	}
	return rates
}

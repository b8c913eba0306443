package models

// PricingMode selects how a call is billed.
type PricingMode string

const (
	PricingPerRequest       PricingMode = "per_request"
	PricingPerMillionTokens PricingMode = "per_million_tokens"
	PricingFree             PricingMode = "free"
)

// DefaultModelKey is the model name under which a provider-level fallback rate is stored.
const DefaultModelKey = "*"

// PricingEntry is one immutable row of the pricing table.
type PricingEntry struct {
	Provider   string      `yaml:"provider" json:"provider"`
	Model      string      `yaml:"model" json:"model"`
	Mode       PricingMode `yaml:"mode" json:"mode"`
	FlatCost   float64     `yaml:"flat_cost,omitempty" json:"flat_cost,omitzero"`
	InputRate  float64     `yaml:"input_rate,omitempty" json:"input_rate,omitzero"`
	OutputRate float64     `yaml:"output_rate,omitempty" json:"output_rate,omitzero"`
}

// PricingConfig lets the YAML file extend or override the built-in table.
type PricingConfig struct {
	Entries []PricingEntry `yaml:"entries" json:"entries"`

	// RejectUnpriced surfaces ErrUnpricedUsage instead of silently pricing at zero.
	RejectUnpriced bool `yaml:"reject_unpriced" json:"reject_unpriced"`
}

// CostBreakdown is the result of pricing one call. InputCost and OutputCost
// are nil for per-request pricing.
type CostBreakdown struct {
	Total      float64  `json:"total_cost_usd"`
	InputCost  *float64 `json:"input_cost_usd,omitempty"`
	OutputCost *float64 `json:"output_cost_usd,omitempty"`
	Priced     bool     `json:"priced"`
}

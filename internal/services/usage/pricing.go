package usage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Egham-7/adaptive-governor/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
)

// defaultPricing is the built-in table. Rates are USD per million tokens.
// Rows under models.DefaultModelKey price any model the provider has no explicit row for.
var defaultPricing = []models.PricingEntry{
	// openai
	{Provider: "openai", Model: "gpt-5", Mode: models.PricingPerMillionTokens, InputRate: 1.25, OutputRate: 10.0},
	{Provider: "openai", Model: "gpt-5-pro", Mode: models.PricingPerMillionTokens, InputRate: 15.0, OutputRate: 75.0},
	{Provider: "openai", Model: "gpt-5-mini", Mode: models.PricingPerMillionTokens, InputRate: 0.25, OutputRate: 2.0},
	{Provider: "openai", Model: "gpt-5-nano", Mode: models.PricingPerMillionTokens, InputRate: 0.05, OutputRate: 0.4},
	{Provider: "openai", Model: "gpt-4.1", Mode: models.PricingPerMillionTokens, InputRate: 30.0, OutputRate: 60.0},
	{Provider: "openai", Model: "gpt-4.1-mini", Mode: models.PricingPerMillionTokens, InputRate: 5.0, OutputRate: 10.0},
	{Provider: "openai", Model: "gpt-4.1-nano", Mode: models.PricingPerMillionTokens, InputRate: 0.5, OutputRate: 1.0},
	{Provider: "openai", Model: "gpt-4o", Mode: models.PricingPerMillionTokens, InputRate: 2.5, OutputRate: 10.0},
	{Provider: "openai", Model: "gpt-4o-mini", Mode: models.PricingPerMillionTokens, InputRate: 0.15, OutputRate: 0.6},
	{Provider: "openai", Model: "o3", Mode: models.PricingPerMillionTokens, InputRate: 60.0, OutputRate: 240.0},
	{Provider: "openai", Model: "o3-pro", Mode: models.PricingPerMillionTokens, InputRate: 120.0, OutputRate: 480.0},
	{Provider: "openai", Model: "o4-mini", Mode: models.PricingPerMillionTokens, InputRate: 10.0, OutputRate: 40.0},
	// anthropic
	{Provider: "anthropic", Model: "claude-opus-4.1", Mode: models.PricingPerMillionTokens, InputRate: 15.0, OutputRate: 75.0},
	{Provider: "anthropic", Model: "claude-opus-4", Mode: models.PricingPerMillionTokens, InputRate: 15.0, OutputRate: 75.0},
	{Provider: "anthropic", Model: "claude-sonnet-4-5-20250929", Mode: models.PricingPerMillionTokens, InputRate: 3.0, OutputRate: 15.0},
	{Provider: "anthropic", Model: "claude-sonnet-3.7", Mode: models.PricingPerMillionTokens, InputRate: 3.0, OutputRate: 15.0},
	{Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", Mode: models.PricingPerMillionTokens, InputRate: 3.0, OutputRate: 15.0},
	{Provider: "anthropic", Model: "claude-3-5-haiku-20241022", Mode: models.PricingPerMillionTokens, InputRate: 0.8, OutputRate: 4.0},
	// gemini
	{Provider: "gemini", Model: "gemini-2.5-pro", Mode: models.PricingPerMillionTokens, InputRate: 1.25, OutputRate: 10.0},
	{Provider: "gemini", Model: "gemini-2.5-flash", Mode: models.PricingPerMillionTokens, InputRate: 0.3, OutputRate: 1.2},
	{Provider: "gemini", Model: "gemini-2.5-flash-lite", Mode: models.PricingPerMillionTokens, InputRate: 0.1, OutputRate: 0.4},
	{Provider: "gemini", Model: "gemini-2.0-flash", Mode: models.PricingPerMillionTokens, InputRate: 0.1, OutputRate: 0.4},
	{Provider: "gemini", Model: "gemini-2.0-flash-live", Mode: models.PricingPerMillionTokens, InputRate: 0.15, OutputRate: 0.6},
	// deepseek
	{Provider: "deepseek", Model: "deepseek-chat", Mode: models.PricingPerMillionTokens, InputRate: 0.27, OutputRate: 1.1},
	{Provider: "deepseek", Model: "deepseek-reasoner", Mode: models.PricingPerMillionTokens, InputRate: 0.55, OutputRate: 2.19},
	{Provider: "deepseek", Model: "deepseek-v3-0324", Mode: models.PricingPerMillionTokens, InputRate: 0.27, OutputRate: 1.1},
	{Provider: "deepseek", Model: "deepseek-r1", Mode: models.PricingPerMillionTokens, InputRate: 0.55, OutputRate: 2.19},
	{Provider: "deepseek", Model: "deepseek-r1-0528", Mode: models.PricingPerMillionTokens, InputRate: 0.75, OutputRate: 2.99},
	{Provider: "deepseek", Model: "deepseek-coder-v2", Mode: models.PricingPerMillionTokens, InputRate: 0.27, OutputRate: 1.1},
	// groq
	{Provider: "groq", Model: "llama-3.3-70b-versatile", Mode: models.PricingPerMillionTokens, InputRate: 0.59, OutputRate: 0.79},
	{Provider: "groq", Model: "llama-3.1-8b-instant", Mode: models.PricingPerMillionTokens, InputRate: 0.05, OutputRate: 0.08},
	{Provider: "groq", Model: "deepseek-r1-distill-llama-70b", Mode: models.PricingPerMillionTokens, InputRate: 0.75, OutputRate: 0.99},
	{Provider: "groq", Model: "llama-3-groq-70b-tool-use", Mode: models.PricingPerMillionTokens, InputRate: 0.59, OutputRate: 0.79},
	{Provider: "groq", Model: "llama-3-groq-8b-tool-use", Mode: models.PricingPerMillionTokens, InputRate: 0.05, OutputRate: 0.08},
	{Provider: "groq", Model: "llama-guard-4-12b", Mode: models.PricingPerMillionTokens, InputRate: 0.2, OutputRate: 0.2},
	// grok
	{Provider: "grok", Model: "grok-4", Mode: models.PricingPerMillionTokens, InputRate: 15.0, OutputRate: 75.0},
	{Provider: "grok", Model: "grok-4-heavy", Mode: models.PricingPerMillionTokens, InputRate: 25.0, OutputRate: 125.0},
	{Provider: "grok", Model: "grok-4-fast", Mode: models.PricingPerMillionTokens, InputRate: 5.0, OutputRate: 25.0},
	{Provider: "grok", Model: "grok-code-fast-1", Mode: models.PricingPerMillionTokens, InputRate: 3.0, OutputRate: 15.0},
	{Provider: "grok", Model: "grok-3", Mode: models.PricingPerMillionTokens, InputRate: 3.0, OutputRate: 15.0},
	{Provider: "grok", Model: "grok-3-mini", Mode: models.PricingPerMillionTokens, InputRate: 0.3, OutputRate: 0.5},
	// huggingface
	{Provider: "huggingface", Model: "meta-llama/Llama-3.3-70B-Instruct", Mode: models.PricingPerMillionTokens, InputRate: 0.05, OutputRate: 0.08},
	{Provider: "huggingface", Model: "meta-llama/Llama-3.1-8B-Instruct", Mode: models.PricingPerMillionTokens, InputRate: 0.01, OutputRate: 0.02},
	{Provider: "huggingface", Model: "deepseek-ai/DeepSeek-R1-Distill-Qwen-14B", Mode: models.PricingPerMillionTokens, InputRate: 0.02, OutputRate: 0.04},
	{Provider: "huggingface", Model: "deepseek-ai/DeepSeek-R1-Distill-Llama-8B", Mode: models.PricingPerMillionTokens, InputRate: 0.01, OutputRate: 0.02},
	{Provider: "huggingface", Model: "Qwen/Qwen3-235B-A22B", Mode: models.PricingPerMillionTokens, InputRate: 0.1, OutputRate: 0.2},
	{Provider: "huggingface", Model: "Qwen/Qwen3-30B-A3B", Mode: models.PricingPerMillionTokens, InputRate: 0.02, OutputRate: 0.04},
	// cerebras
	{Provider: "cerebras", Model: "llama3.1-8b", Mode: models.PricingPerMillionTokens, InputRate: 0.1, OutputRate: 0.1},
	{Provider: "cerebras", Model: "llama-3.3-70b", Mode: models.PricingPerMillionTokens, InputRate: 0.85, OutputRate: 1.2},
	{Provider: "cerebras", Model: models.DefaultModelKey, Mode: models.PricingPerMillionTokens, InputRate: 0.6, OutputRate: 0.6},
	// provider-level fallbacks
	{Provider: "groq", Model: models.DefaultModelKey, Mode: models.PricingPerMillionTokens, InputRate: 0.59, OutputRate: 0.79},
	{Provider: "deepseek", Model: models.DefaultModelKey, Mode: models.PricingPerMillionTokens, InputRate: 0.27, OutputRate: 1.1},
	// per-request
	{Provider: "perplexity", Model: "sonar", Mode: models.PricingPerRequest, FlatCost: 0.005},
	{Provider: "perplexity", Model: "sonar-pro", Mode: models.PricingPerRequest, FlatCost: 0.01},
	// local
	{Provider: "ollama", Model: models.DefaultModelKey, Mode: models.PricingFree},
}

const costDecimals = 8

var million = decimal.NewFromInt(1_000_000)

// PricingTable is an immutable provider/model price lookup.
type PricingTable struct {
	entries  map[string]map[string]models.PricingEntry
	unpriced sync.Map // "provider/model" -> struct{}, for log-once
}

// NewPricingTable merges overrides on top of the built-in table. Later
// entries win for the same provider/model.
func NewPricingTable(overrides []models.PricingEntry) (*PricingTable, error) {
	t := &PricingTable{entries: make(map[string]map[string]models.PricingEntry)}
	for _, entry := range defaultPricing {
		t.put(entry)
	}
	for i, entry := range overrides {
		if err := validateEntry(entry); err != nil {
			return nil, fmt.Errorf("pricing entry %d: %w", i, err)
		}
		t.put(entry)
	}
	return t, nil
}

func validateEntry(e models.PricingEntry) error {
	if e.Provider == "" || e.Model == "" {
		return fmt.Errorf("provider and model are required")
	}
	switch e.Mode {
	case models.PricingFree:
	case models.PricingPerRequest:
		if e.FlatCost < 0 {
			return fmt.Errorf("flat_cost must not be negative")
		}
	case models.PricingPerMillionTokens:
		if e.InputRate < 0 || e.OutputRate < 0 {
			return fmt.Errorf("rates must not be negative")
		}
	default:
		return fmt.Errorf("unknown pricing mode %q", e.Mode)
	}
	return nil
}

func (t *PricingTable) put(e models.PricingEntry) {
	provider := strings.ToLower(e.Provider)
	e.Provider = provider
	if t.entries[provider] == nil {
		t.entries[provider] = make(map[string]models.PricingEntry)
	}
	t.entries[provider][e.Model] = e
}

// Lookup returns the entry for provider/model, falling back to the
// provider's default row.
func (t *PricingTable) Lookup(provider, model string) (models.PricingEntry, bool) {
	byModel, ok := t.entries[strings.ToLower(provider)]
	if !ok {
		return models.PricingEntry{}, false
	}
	if entry, ok := byModel[model]; ok {
		return entry, true
	}
	entry, ok := byModel[models.DefaultModelKey]
	return entry, ok
}

// Entries returns a copy of every row, for diagnostics.
func (t *PricingTable) Entries() []models.PricingEntry {
	var out []models.PricingEntry
	for _, byModel := range t.entries {
		for _, entry := range byModel {
			out = append(out, entry)
		}
	}
	return out
}

// CalculateCost prices one call. It is deterministic for the same inputs.
// Unpriced usage yields a zero breakdown with Priced=false.
func (t *PricingTable) CalculateCost(provider, model string, promptTokens, completionTokens int) models.CostBreakdown {
	entry, ok := t.Lookup(provider, model)
	if !ok {
		t.warnUnpriced(provider, model)
		return models.CostBreakdown{}
	}

	switch entry.Mode {
	case models.PricingFree:
		zero := 0.0
		return models.CostBreakdown{Total: 0, InputCost: &zero, OutputCost: &zero, Priced: true}
	case models.PricingPerRequest:
		flat := decimal.NewFromFloat(entry.FlatCost).Round(costDecimals)
		return models.CostBreakdown{Total: flat.InexactFloat64(), Priced: true}
	default:
		input := tokenCost(promptTokens, entry.InputRate)
		output := tokenCost(completionTokens, entry.OutputRate)
		inputF, outputF := input.InexactFloat64(), output.InexactFloat64()
		return models.CostBreakdown{
			Total:      input.Add(output).Round(costDecimals).InexactFloat64(),
			InputCost:  &inputF,
			OutputCost: &outputF,
			Priced:     true,
		}
	}
}

func tokenCost(tokens int, ratePerMillion float64) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(tokens)).
		Div(million).
		Mul(decimal.NewFromFloat(ratePerMillion)).
		Round(costDecimals)
}

func (t *PricingTable) warnUnpriced(provider, model string) {
	key := strings.ToLower(provider) + "/" + model
	if _, seen := t.unpriced.LoadOrStore(key, struct{}{}); seen {
		return
	}
	fiberlog.Warnf("[usage] no pricing for provider=%s model=%s, recording zero cost", provider, model)
}

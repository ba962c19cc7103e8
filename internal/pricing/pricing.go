// Package pricing estimates request cost in USD from token counts.
package pricing

import (
	"strings"

	"github.com/routexhq/routex/internal/storage"
)

// Rate is the price per million tokens for one model family.
type Rate struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// Table maps model name prefixes to rates. Longest matching prefix wins,
// so "claude-sonnet-4" can override a broader "claude-" entry.
type Table struct {
	rates    map[string]Rate
	fallback Rate
}

// defaultRates reflect published list prices as of mid 2025. Operators
// override them from the config file.
var defaultRates = map[string]Rate{
	"claude-opus":    {InputPerMTok: 15, OutputPerMTok: 75},
	"claude-sonnet":  {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-haiku":   {InputPerMTok: 0.8, OutputPerMTok: 4},
	"gpt-4o":         {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4o-mini":    {InputPerMTok: 0.15, OutputPerMTok: 0.6},
	"o1":             {InputPerMTok: 15, OutputPerMTok: 60},
	"gemini-1.5-pro": {InputPerMTok: 1.25, OutputPerMTok: 5},
	"gemini-2.0":     {InputPerMTok: 0.1, OutputPerMTok: 0.4},
	"gemini-2.5-pro": {InputPerMTok: 1.25, OutputPerMTok: 10},
	"deepseek":       {InputPerMTok: 0.27, OutputPerMTok: 1.1},
	"glm":            {InputPerMTok: 0.6, OutputPerMTok: 2.2},
}

// defaultFallback prices unknown models conservatively.
var defaultFallback = Rate{InputPerMTok: 3, OutputPerMTok: 15}

// NewTable builds a table from operator overrides layered over the
// defaults. A nil or empty overrides map yields the default table.
func NewTable(overrides map[string]Rate, fallback *Rate) *Table {
	rates := make(map[string]Rate, len(defaultRates)+len(overrides))
	for k, v := range defaultRates {
		rates[k] = v
	}
	for k, v := range overrides {
		rates[k] = v
	}
	t := &Table{rates: rates, fallback: defaultFallback}
	if fallback != nil {
		t.fallback = *fallback
	}
	return t
}

// Lookup returns the rate for a model. The longest prefix entry wins.
func (t *Table) Lookup(model string) Rate {
	best := ""
	for prefix := range t.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return t.fallback
	}
	return t.rates[best]
}

// Cost returns the USD cost of one request's token usage.
func (t *Table) Cost(model string, inputTokens, outputTokens int64) float64 {
	r := t.Lookup(model)
	return float64(inputTokens)*r.InputPerMTok/1e6 + float64(outputTokens)*r.OutputPerMTok/1e6
}

// TotalCost sums the cost of per-model token aggregates.
func (t *Table) TotalCost(byModel map[string]storage.ModelTokens) float64 {
	var total float64
	for model, tok := range byModel {
		total += t.Cost(model, tok.InputTokens, tok.OutputTokens)
	}
	return total
}

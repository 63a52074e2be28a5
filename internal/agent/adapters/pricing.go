package adapters

import (
	"strings"

	"github.com/flomonster/sentryhub/pkg/models"
)

// modelPrice is USD per million tokens.
type modelPrice struct {
	inputPerMTok  float64
	outputPerMTok float64
}

// priceTable is the static price table adapters price usage from. Longest
// matching prefix wins so dated model ids resolve without per-release rows.
var priceTable = map[string]modelPrice{
	// Anthropic
	"claude-opus-4":     {15.00, 75.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-3-5-sonnet": {3.00, 15.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-3-haiku":    {0.25, 1.25},

	// OpenAI
	"gpt-4o":        {2.50, 10.00},
	"gpt-4o-mini":   {0.15, 0.60},
	"gpt-4-turbo":   {10.00, 30.00},
	"gpt-4":         {30.00, 60.00},
	"gpt-3.5-turbo": {0.50, 1.50},
	"o3":            {2.00, 8.00},
	"o4-mini":       {1.10, 4.40},

	// Gemini
	"gemini-2.5-pro":   {1.25, 10.00},
	"gemini-2.5-flash": {0.30, 2.50},
	"gemini-2.0-flash": {0.10, 0.40},
	"gemini-1.5-pro":   {1.25, 5.00},
	"gemini-1.5-flash": {0.075, 0.30},
}

// lookupPrice resolves a model id to its price row by longest prefix match.
// Unknown models price at zero so cost budgets never trip on models the
// table has no row for.
func lookupPrice(model string) modelPrice {
	best := ""
	for prefix := range priceTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return modelPrice{}
	}
	return priceTable[best]
}

// estimateCost prices usage against the table. Shared by every adapter.
func estimateCost(model string, usage models.Usage) models.CostEstimate {
	price := lookupPrice(model)
	inputCost := float64(usage.InputTokens) / 1e6 * price.inputPerMTok
	outputCost := float64(usage.OutputTokens) / 1e6 * price.outputPerMTok
	return models.CostEstimate{
		InputCost:  inputCost,
		OutputCost: outputCost,
		TotalCost:  inputCost + outputCost,
		Currency:   "USD",
	}
}

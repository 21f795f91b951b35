// Package pricing computes usage-based cost. It is pure: the ledger
// consults it, nothing here touches storage.
package pricing

import (
	"fmt"
	"math"
	"unicode/utf8"

	"multichat_go_backend/internal/catalog"
)

// Cost returns the USD cost of a request, rounded to 6 decimal places.
// Unknown model keys price at zero.
func Cost(modelKey string, inputTokens, outputTokens int64) float64 {
	price, ok := catalog.ModelPricing[modelKey]
	if !ok {
		return 0.0
	}

	inputCost := float64(inputTokens) / 1_000_000 * price.Input
	outputCost := float64(outputTokens) / 1_000_000 * price.Output

	return math.Round((inputCost+outputCost)*1e6) / 1e6
}

// EstimateTokens is a crude pre-flight heuristic, roughly one token per
// three characters. Billing never uses it; provider-reported counts do.
func EstimateTokens(text string) int64 {
	return int64(utf8.RuneCountInString(text) / 3)
}

// IsFreeModel reports whether both unit prices are exactly zero.
func IsFreeModel(modelKey string) bool {
	price, ok := catalog.ModelPricing[modelKey]
	if !ok {
		return false
	}
	return price.Input == 0.0 && price.Output == 0.0
}

// FormatCost renders a cost for display, widening precision for
// sub-cent amounts.
func FormatCost(cost float64) string {
	switch {
	case cost == 0.0:
		return "Free"
	case cost < 0.001:
		return fmt.Sprintf("$%.6f", cost)
	case cost < 0.01:
		return fmt.Sprintf("$%.4f", cost)
	default:
		return fmt.Sprintf("$%.3f", cost)
	}
}

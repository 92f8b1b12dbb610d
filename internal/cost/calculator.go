// Package cost turns normalized token usage into ledger amounts.
// All amounts are micro-cents (1e-6 cents), matching the billing columns.
package cost

import (
	"math"

	"github.com/opencode-ai/gateway/internal/domain"
)

// tierThreshold is the pricing cliff: above this many combined input-side
// tokens the cost200K table applies instead of the base table. A cliff, not
// a blend.
const tierThreshold = 200_000

// MicroCents converts a cent amount to micro-cents.
func MicroCents(cents float64) int64 {
	return int64(math.Round(cents * 1_000_000))
}

// Calculate computes the micro-cent cost of one request. Optional token
// classes contribute nothing when the table carries no rate for them.
func Calculate(model domain.ModelInfo, usage domain.TokenUsage) int64 {
	table := model.Cost
	combined := usage.InputTokens + usage.CacheReadTokens + usage.CacheWrite5mTokens + usage.CacheWrite1hTokens
	if model.Cost200K != nil && combined > tierThreshold {
		table = *model.Cost200K
	}

	cents := table.Input*float64(usage.InputTokens)*100 +
		table.Output*float64(usage.OutputTokens)*100

	// Reasoning tokens bill at the output rate.
	if usage.ReasoningTokens > 0 {
		cents += table.Output * float64(usage.ReasoningTokens) * 100
	}
	if usage.CacheReadTokens > 0 && table.CacheRead > 0 {
		cents += table.CacheRead * float64(usage.CacheReadTokens) * 100
	}
	if usage.CacheWrite5mTokens > 0 && table.CacheWrite5m > 0 {
		cents += table.CacheWrite5m * float64(usage.CacheWrite5mTokens) * 100
	}
	if usage.CacheWrite1hTokens > 0 && table.CacheWrite1h > 0 {
		cents += table.CacheWrite1h * float64(usage.CacheWrite1hTokens) * 100
	}

	return MicroCents(cents)
}

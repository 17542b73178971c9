package llm

import (
	"fmt"

	"github.com/wardnb/autonomous-dev-team/core"
)

// EstimateCost returns the USD cost of one call given its usage, or an
// error if the model isn't in the price table -- a price table gap should
// fail loud rather than let a call through uncosted.
func EstimateCost(prices map[string]ModelPrice, model string, usage Usage) (float64, error) {
	price, ok := prices[model]
	if !ok {
		return 0, fmt.Errorf("no price entry for model %q", model)
	}
	cost := float64(usage.PromptTokens)/1000*price.InputPer1K +
		float64(usage.CompletionTokens)/1000*price.OutputPer1K
	return cost, nil
}

// ModelPrice is the per-model price table entry. It is core.ModelPrice, so
// a Config's LLMPriceTable can be used directly as a price map here.
type ModelPrice = core.ModelPrice

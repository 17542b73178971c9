package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Print today's LLM spend and remaining daily budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			TodayCost       float64 `json:"today_cost"`
			RemainingBudget float64 `json:"remaining_budget"`
		}
		if err := newAPIClient(addr).do("GET", "/v1/cost", nil, &out); err != nil {
			return err
		}
		fmt.Printf("today: $%.4f  remaining: $%.4f\n", out.TodayCost, out.RemainingBudget)
		return nil
	},
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dispatcher queue depth, running count and pause state",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]interface{}
		if err := newAPIClient(addr).do("GET", "/v1/dispatcher/status", nil, &out); err != nil {
			return err
		}
		fmt.Printf("paused: %v  running: %v  queued: %v\n", out["paused"], out["running_count"], out["queue_depth"])
		return nil
	},
}

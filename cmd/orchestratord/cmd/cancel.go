package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel SESSION_ID",
	Short: "Cancel a session at its next safe point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient(addr).do("POST", "/v1/sessions/"+args[0]+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Println("cancelled")
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry SESSION_ID",
	Short: "Re-enqueue a failed, blocked or rolled-back session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient(addr).do("POST", "/v1/sessions/"+args[0]+"/retry", nil, nil); err != nil {
			return err
		}
		fmt.Println("queued")
		return nil
	},
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop the dispatcher from starting new sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient(addr).do("POST", "/v1/dispatcher/pause", nil, nil); err != nil {
			return err
		}
		fmt.Println("paused")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Allow the dispatcher to resume starting new sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient(addr).do("POST", "/v1/dispatcher/resume", nil, nil); err != nil {
			return err
		}
		fmt.Println("resumed")
		return nil
	},
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardnb/autonomous-dev-team/core"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known fix sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		var sessions []*core.FixSession
		if err := newAPIClient(addr).do("GET", "/v1/sessions", nil, &sessions); err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Printf("%s\t%-18s\t%s\n", s.ID, s.Status, s.Issue.Title)
		}
		return nil
	},
}

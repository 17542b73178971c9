package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardnb/autonomous-dev-team/core"
)

var prCmd = &cobra.Command{
	Use:   "pr",
	Short: "Inspect a pull request's CI check status",
}

var prStatusCmd = &cobra.Command{
	Use:   "status PR_NUMBER",
	Short: "Print the current CI check status for a PR number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var status core.CheckStatus
		if err := newAPIClient(addr).do("GET", "/v1/pr/"+args[0], nil, &status); err != nil {
			return err
		}
		fmt.Printf("overall: %s\n", status.Overall)
		for _, c := range status.PerCheck {
			fmt.Printf("  %-24s %s\n", c.Name, c.Status)
		}
		return nil
	},
}

func init() {
	prCmd.AddCommand(prStatusCmd)
}

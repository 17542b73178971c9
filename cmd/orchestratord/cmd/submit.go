package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardnb/autonomous-dev-team/core"
)

var (
	submitTitle       string
	submitDescription string
	submitSeverity    string
	submitCategory    string
	submitReporter    string
	submitSteps       string
	submitExpected    string
	submitActual      string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new issue report, enqueuing a fix session",
	RunE: func(cmd *cobra.Command, args []string) error {
		in := core.IssueInput{
			Title:       submitTitle,
			Description: submitDescription,
			Severity:    submitSeverity,
			Category:    submitCategory,
			Reporter:    submitReporter,
			Steps:       submitSteps,
			Expected:    submitExpected,
			Actual:      submitActual,
		}
		var out struct {
			ID string `json:"id"`
		}
		if err := newAPIClient(addr).do("POST", "/v1/sessions", in, &out); err != nil {
			return err
		}
		fmt.Println(out.ID)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitTitle, "title", "", "issue title (required)")
	submitCmd.Flags().StringVar(&submitDescription, "description", "", "issue description")
	submitCmd.Flags().StringVar(&submitSeverity, "severity", "medium", "critical|high|medium|low")
	submitCmd.Flags().StringVar(&submitCategory, "category", "bug", "issue category")
	submitCmd.Flags().StringVar(&submitReporter, "reporter", "", "persona/source that reported the issue")
	submitCmd.Flags().StringVar(&submitSteps, "steps", "", "steps to reproduce, newline-delimited")
	submitCmd.Flags().StringVar(&submitExpected, "expected", "", "expected behavior")
	submitCmd.Flags().StringVar(&submitActual, "actual", "", "actual behavior")
	_ = submitCmd.MarkFlagRequired("title")
}

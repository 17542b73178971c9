package cmd

import (
	"github.com/spf13/cobra"
)

// addr, configPath and dotenvPath are the control-surface-wide persistent
// flags: addr is where a running serve instance listens (thin-client
// commands talk to it over HTTP); configPath/dotenvPath are read by serve
// itself to build core.Config.
var (
	addr       string
	configPath string
	dotenvPath string
)

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Autonomous code-repair orchestrator control surface",
	Long: `orchestratord runs the fix-session dispatcher (serve) and doubles as a
thin CLI client against a running instance's HTTP control API.

Start the orchestrator:
  orchestratord serve

Drive a running instance:
  orchestratord status
  orchestratord submit --title "..." --category bug --severity medium
  orchestratord list
  orchestratord pause
  orchestratord resume
  orchestratord cancel SESSION_ID
  orchestratord retry SESSION_ID
  orchestratord pr status PR_NUMBER
  orchestratord cost`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "base URL of a running orchestratord serve instance")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (serve only)")
	rootCmd.PersistentFlags().StringVar(&dotenvPath, "env", ".env", "path to .env (serve only)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(prCmd)
	rootCmd.AddCommand(costCmd)
}

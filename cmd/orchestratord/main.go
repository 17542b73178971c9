// Command orchestratord runs the autonomous code-repair orchestrator: the
// Dispatcher loop and its HTTP control API (serve), plus a thin cobra CLI
// for operators to drive a running instance.
package main

import (
	"fmt"
	"os"

	"github.com/wardnb/autonomous-dev-team/cmd/orchestratord/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

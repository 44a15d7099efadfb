package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "run-orch",
		Short: "Run Execution Orchestrator - autonomous code-change runs",
		Long: `Run Execution Orchestrator executes work orders with coding agents.
Each run gets an isolated git worktree, iterates through a builder, the test
suite, and a reviewer, and merges into trunk under a per-project merge lock.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Kazi — multi-agent task queue orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kazi",
	Short: "Kazi — task queue orchestrator for heterogeneous agent fleets.",
	Long: `Kazi coordinates a fleet of worker agents over WebSocket. Submitted tasks
are scored for complexity, routed to the cheapest capable worker tier, and
assigned to agents by declared capability. Failed work is retried with
backoff, rebalanced across queues, or dead-lettered for operator review.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, agentCmd, submitCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Conduit is a workflow execution engine",
	Long: `Conduit executes node-graph workflows: triggers, HTTP requests,
AI text generation, chat webhooks, transforms and conditions, with durable
per-step memoization and exactly-once execution records.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(versionCmd)
}

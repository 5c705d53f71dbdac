package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/conduitworks/conduit/pkg/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server over stdio",
	Long: `Starts conduit as a Model Context Protocol server on stdin/stdout so
agents can execute workflows and inspect runs as tools.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		rt, err := buildRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.close()

		// Keep stdout clean for JSON-RPC.
		log.SetOutput(os.Stderr)

		srv := mcp.NewConduitServer(mcp.ConduitServerDeps{
			Executor: rt.engine,
			Store:    rt.store,
			Logger:   rt.logger,
		})
		return srv.Serve(cmd.Context())
	},
}

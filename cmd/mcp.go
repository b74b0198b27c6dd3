package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/conductor/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent client integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets MCP clients drive conductor natively: spawn and steer agents,
start workflows, and approve or reject phases. Configure with:

  {
    "mcpServers": {
      "conductor": { "command": "conductor", "args": ["mcp"] }
    }
  }

Available tools: conductor_spawn_agent, conductor_cancel_agent,
conductor_agent_status, conductor_agent_output, conductor_start_workflow,
conductor_approve_phase, conductor_reject_phase, conductor_status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		plane, err := buildPlane(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			if dataStore != nil {
				_ = dataStore.Close()
			}
		}()
		return mcp.NewServer(plane).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

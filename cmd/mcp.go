package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/fitroom/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an assistant drive the try-on studio: create a model, dress it
from the wardrobe, change poses and backgrounds, and step through history.
Configure in Claude Code with:

  {
    "mcpServers": {
      "fitroom": { "command": "fitroom", "args": ["mcp"] }
    }
  }

Available tools: fitroom_state, fitroom_create_model, fitroom_wear,
fitroom_pose, fitroom_edit, fitroom_background, fitroom_undo, fitroom_redo,
fitroom_regenerate, fitroom_reset, fitroom_list_wardrobe`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := getStudio(ctx)
		if err != nil {
			return err
		}
		return mcp.NewServer(st, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

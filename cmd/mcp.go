package cmd

import (
	"os"

	"github.com/kayz/specforge/internal/logger"
	"github.com/kayz/specforge/internal/mcptools"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the build tools over MCP stdio",
	Long: `Start an MCP server on stdin/stdout exposing build_agent,
get_agent_document and build_status. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.SetOutput(os.Stderr)

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		s := mcptools.NewServer("specforge", Version, mcptools.New(rt.builds, rt.store))
		logger.Info("[MCP] Serving on stdio")
		return server.ServeStdio(s)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

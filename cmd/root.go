package cmd

import (
	"fmt"
	"os"

	"github.com/kayz/specforge/internal/logger"
	"github.com/spf13/cobra"
)

var (
	logLevel   string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "specforge",
	Short: "Build agent specifications from natural-language requests",
	Long: `specforge turns a natural-language request into an agent specification:
data models, enums, actions and schedules, generated phase by phase and
merged into a stored document.

Commands:
  specforge build "..."      Build or modify a document
  specforge resume <id>      Continue an interrupted build
  specforge show [id]        List documents or print one
  specforge web              Serve the HTTP API and web UI
  specforge mcp              Serve the build tools over MCP stdio`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logger.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info",
		"Log level: trace, debug, info, warn, error, fatal, panic")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default .specforge.yaml next to the executable)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

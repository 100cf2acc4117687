package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	aprmcp "github.com/joescharf/aprgen/internal/mcp"
	"github.com/joescharf/aprgen/internal/pacing"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio so an assistant
can analyze bugs and read their rounds, artifacts and run history.

  {
    "mcpServers": {
      "aprgen": { "command": "aprgen", "args": ["mcp"] }
    }
  }

Available tools: aprgen_analyze_bug, aprgen_list_rounds,
aprgen_get_artifact, aprgen_list_runs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		// Read-only tools still work without an API key.
		var analyzer aprmcp.Analyzer
		r, err := newRunner(pacing.NewGate(viper.GetDuration("pacing.min_interval")), nil, refineConfig())
		switch {
		case err == nil:
			analyzer = r
		case errors.Is(err, errNoAPIKey):
		default:
			return err
		}

		return aprmcp.NewServer(s, analyzer, buildVersion).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

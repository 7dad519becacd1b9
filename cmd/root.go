package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"datapilot/cmd/server"
	"datapilot/internal/config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "datapilot",
	Short: "Durable multi-agent analysis orchestration engine",
	Long: `datapilot coordinates hierarchical agents (routers, planners, workers)
to decompose a natural-language request into an executable plan, run code and
SQL in a sandbox, and synthesise the results into a final answer.

Work is driven through a durable task queue, so interrupted plans resume
after a restart.`,
}

// serveCmd starts the engine: store, dispatcher and HTTP/WebSocket surface.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return server.Run(cfg)
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "HTTP listen port (overrides PORT)")
	serveCmd.Flags().String("database-path", "", "path of the engine's SQLite database")
	serveCmd.Flags().String("collaterals-path", "", "base directory for planner artefacts")

	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("database-path", serveCmd.Flags().Lookup("database-path"))
	viper.BindPFlag("collaterals-path", serveCmd.Flags().Lookup("collaterals-path"))
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/aggregator/cmd/aggregator/commands"
	"github.com/teranos/aggregator/logger"
)

var rootCmd = &cobra.Command{
	Use:   "aggregator",
	Short: "Deduplicating aggregator for continuous RSP-QL queries",
	Long: `aggregator - Deduplicating aggregator for continuous RSP-QL queries.

Clients submit continuous queries over a websocket. Equivalent queries share
one execution: the first is started on the streaming engine, later ones are
subscribed to its results. Every registration and every access is audited.

Available commands:
  server  - Start the websocket aggregator
  audit   - Inspect, export and archive the query audit log
  am      - Manage aggregator configuration
  version - Show version information

Examples:
  aggregator server --port 8080
  aggregator audit list --status duplicate
  aggregator am show --format yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		logger.SetVerbosity(verbosity)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.AuditCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

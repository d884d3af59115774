// Command harness registers with a collab service, submits simulation runs
// and reports their progress and results.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wyn/collab/internal/config"
)

// Version information (set at build time).
var Version = "0.1.0"

type configKey struct{}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:     "harness",
		Short:   "Submit and monitor collab simulation runs",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./collab.yaml)")
	flags.String("host", "", "collab service host")
	flags.Int("port", 0, "collab service port")
	flags.String("identity", "", "identity (jid) to register as")
	flags.String("ws-path", "", "WebSocket endpoint path")
	flags.Duration("stall-timeout", 0, "report runs without progress for this long (0 disables)")
	flags.Int("max-active-runs", 0, "maximum outstanding runs (0 is unbounded)")
	flags.String("history-db", "", "SQLite database recording run history (empty disables)")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-format", "", "log format (text|json)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newRegisterCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func configFrom(cmd *cobra.Command) *config.Config {
	cfg, _ := cmd.Context().Value(configKey{}).(*config.Config)
	return cfg
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "harness %s\n", Version)
		},
	}
}

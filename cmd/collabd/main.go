// Command collabd runs the simulated collab service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wyn/collab/internal/collab"
	"github.com/wyn/collab/internal/config"
	"github.com/wyn/collab/internal/logging"
	"github.com/wyn/collab/internal/policy"
)

// Version information (set at build time).
var Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "collabd",
		Short:         "Simulated collab service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "collabd %s\n", Version)
		},
	})

	return rootCmd
}

func newServeCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept harness connections and simulate runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./collab.yaml)")
	flags.Int("listen-port", 0, "port to listen on")
	flags.String("ws-path", "", "WebSocket endpoint path")
	flags.String("policy-file", "", "admission policy (default: built-in)")
	flags.Int("max-active-runs", 0, "maximum concurrent runs per connection (0 is unbounded)")
	flags.Int("max-number-runs", 0, "largest accepted number of simulation runs")
	flags.Duration("progress-interval", 0, "delay between progress reports")
	flags.Int("progress-step", 0, "percent advanced per progress report")
	flags.Int("samples", 0, "loss samples drawn per run")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-format", "", "log format (text|json)")

	return cmd
}

// serve runs the service until ctx is cancelled, then shuts it down.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	engine, err := policy.LoadEngine(ctx, cfg.PolicyFile, policy.Limits{
		MaxActiveRuns: cfg.MaxActiveRuns,
		MaxNumberRuns: cfg.MaxNumberRuns,
	})
	if err != nil {
		return err
	}

	srv := collab.NewServer(cfg, engine, logger)
	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("collab service started", "addr", addr, "ws_path", cfg.WSPath)
		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down collab service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown gracefully", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("collab service stopped")
	return nil
}

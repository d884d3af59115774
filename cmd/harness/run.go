package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wyn/collab/internal/domain"
	"github.com/wyn/collab/internal/prompt"
)

var (
	// ErrRunRejected is returned when the start request was refused.
	ErrRunRejected = errors.New("run rejected")
	// ErrInterrupted is returned when the user interrupts before a run starts.
	ErrInterrupted = errors.New("interrupted")
)

func newRunCommand() *cobra.Command {
	var (
		portfolio string
		output    string
		label     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a simulation run and follow it to completion",
		Long: `Submit a simulation run for a portfolio and report its progress and
percentile results. Interrupting the command cancels the run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			if portfolio == "" {
				portfolio, err = a.prompt.SelectFile(ctx, "Portfolio")
				if errors.Is(err, prompt.ErrNone) {
					return fmt.Errorf("no portfolio selected")
				}
				if err != nil {
					return err
				}
			}

			job := domain.JobSpec{
				Portfolio:  portfolio,
				Output:     output,
				NumberRuns: cfg.NumberRuns,
				Label:      label,
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			return a.serve(ctx, func(ctx context.Context) error {
				return a.superviseRun(ctx, job, sigs)
			})
		},
	}

	cmd.Flags().StringVarP(&portfolio, "portfolio", "p", "", "portfolio file (prompted for when omitted)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path passed to the service")
	cmd.Flags().StringVar(&label, "label", "", "label attached to the run")
	cmd.Flags().IntP("number-runs", "n", 0, "number of simulation runs")

	return cmd
}

// superviseRun submits job and follows its events until the run ends. An
// interrupt cancels the run; a second one gives up immediately.
func (a *app) superviseRun(ctx context.Context, job domain.JobSpec, interrupts <-chan os.Signal) error {
	if err := a.ctrl.Run(ctx, job); err != nil {
		return err
	}

	var (
		runID      string
		cancelling bool
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-interrupts:
			if runID == "" || cancelling {
				return ErrInterrupted
			}
			cancelling = true
			a.log.Info("cancelling run", "run_id", runID)
			if err := a.ctrl.Cancel(ctx, runID); err != nil {
				return err
			}

		case ev := <-a.events.C:
			switch ev.Type {
			case domain.EventTypeRunStarted:
				if runID == "" {
					runID = ev.RunID
				}
			case domain.EventTypeRunCompleted:
				if ev.RunID == runID {
					return nil
				}
			case domain.EventTypeRunCancelled:
				if ev.RunID == runID {
					if cancelling {
						return nil
					}
					return fmt.Errorf("run %s cancelled", runID)
				}
			case domain.EventTypeRunRejected:
				if runID == "" {
					return fmt.Errorf("%w: %s", ErrRunRejected, ev.Reason)
				}
			case domain.EventTypeRunFailed:
				if ev.RunID == runID {
					return fmt.Errorf("run %s failed: %s", runID, ev.Reason)
				}
			case domain.EventTypeConnectionError:
				return &domain.TransportError{Kind: ev.ErrorKind, Err: errors.New(ev.Reason)}
			case domain.EventTypeDisconnected:
				return fmt.Errorf("disconnected before the run finished")
			}
		}
	}
}

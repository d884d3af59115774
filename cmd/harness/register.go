package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wyn/collab/internal/domain"
	"github.com/wyn/collab/internal/prompt"
)

// unregisterTimeout bounds the wait for the Disconnected event.
const unregisterTimeout = 5 * time.Second

func newRegisterCommand() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register with the collab service",
		Long: `Register with the collab service and stay connected until interrupted.
With --once the command disconnects as soon as the registration succeeds.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			d := cfg.Descriptor()
			if d.Credential == "" && interactive(cmd.InOrStdin()) {
				d, err = a.prompt.PromptCredentials(ctx, d)
				if errors.Is(err, prompt.ErrCancelled) {
					fmt.Fprintln(cmd.OutOrStdout(), "Registration cancelled")
					return nil
				}
				if err != nil {
					return err
				}
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			var stay <-chan os.Signal = sigs
			if once {
				stay = nil
			}
			return a.serve(ctx, func(ctx context.Context) error {
				return a.superviseRegistration(ctx, d, stay, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "disconnect right after registering")

	return cmd
}

// superviseRegistration registers with d and, once connected, waits for a
// signal on until before unregistering. A nil until unregisters immediately.
func (a *app) superviseRegistration(ctx context.Context, d domain.Descriptor, until <-chan os.Signal, out io.Writer) error {
	if err := a.ctrl.Register(ctx, d); err != nil {
		return err
	}

	if err := a.waitFor(ctx, nil, domain.EventTypeConnected); err != nil {
		return err
	}

	if until != nil {
		fmt.Fprintln(out, "Registered, press Ctrl+C to disconnect")
		if err := a.waitFor(ctx, until, ""); err != nil && !errors.Is(err, ErrInterrupted) {
			return err
		}
	}

	if err := a.ctrl.Unregister(ctx); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, unregisterTimeout)
	defer cancel()
	return a.waitFor(waitCtx, nil, domain.EventTypeDisconnected)
}

// waitFor consumes events until one of type want arrives. A connection error
// or unexpected disconnect ends the wait with an error, as does a signal on
// interrupts (ErrInterrupted). An empty want waits for the interrupt only.
func (a *app) waitFor(ctx context.Context, interrupts <-chan os.Signal, want domain.EventType) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-interrupts:
			return ErrInterrupted
		case ev := <-a.events.C:
			if want != "" && ev.Type == want {
				return nil
			}
			switch ev.Type {
			case domain.EventTypeConnectionError:
				return &domain.TransportError{Kind: ev.ErrorKind, Err: errors.New(ev.Reason)}
			case domain.EventTypeDisconnected:
				return fmt.Errorf("disconnected by the service")
			}
		}
	}
}

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/wyn/collab/internal/config"
	"github.com/wyn/collab/internal/history"
	"github.com/wyn/collab/internal/logging"
	"github.com/wyn/collab/internal/policy"
	"github.com/wyn/collab/internal/prompt"
	"github.com/wyn/collab/internal/session"
	"github.com/wyn/collab/internal/sink"
	"github.com/wyn/collab/internal/transport"
)

// app holds the components shared by the harness commands.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	ctrl      *session.Controller
	transport *transport.WebSocket
	queue     *sink.Queue
	events    *sink.Channel
	store     *history.SQLiteStore
	prompt    *prompt.Terminal
}

func newApp(ctx context.Context, cfg *config.Config, in io.Reader, out, errOut io.Writer) (*app, error) {
	logger := logging.New(errOut, cfg.LogLevel, cfg.LogFormat)

	engine, err := policy.LoadEngine(ctx, cfg.PolicyFile, policy.Limits{
		MaxActiveRuns: cfg.MaxActiveRuns,
		MaxNumberRuns: cfg.MaxNumberRuns,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		log:    logger,
		events: sink.NewChannel(64),
		prompt: prompt.NewTerminal(in, out),
	}

	sinks := sink.Multi{sink.NewConsole(out), a.events}
	if cfg.HistoryDB != "" {
		a.store, err = history.NewSQLiteStore(cfg.HistoryDB)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, history.NewRecorder(a.store, logger))
	}
	a.queue = sink.NewQueue(sinks)

	a.transport = transport.NewWebSocket(transport.OptionsFromConfig(cfg, logger))

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithAdmitter(engine),
		session.WithStallDetection(cfg.StallTimeout, cfg.StallCheckInterval),
		session.WithPrompter(a.prompt),
	}
	// Without a credential an interactive user is asked for one.
	if cfg.Credential != "" || !interactive(in) {
		opts = append(opts, session.WithDescriptor(cfg.Descriptor()))
	}
	a.ctrl = session.New(a.transport, a.queue, opts...)

	return a, nil
}

// close flushes queued events and releases resources.
func (a *app) close() {
	drained := make(chan struct{})
	go func() {
		for {
			select {
			case <-a.events.C:
			case <-drained:
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.queue.Close(ctx); err != nil {
		a.log.Warn("failed to flush events", "error", err)
	}
	close(drained)

	if err := a.transport.Close(); err != nil {
		a.log.Warn("failed to close transport", "error", err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close history", "error", err)
		}
	}
}

// serve runs the controller loop alongside fn and stops the loop once fn
// returns. The loop outlives ctx so fn can still unregister or cancel after
// an interrupt.
func (a *app) serve(ctx context.Context, fn func(ctx context.Context) error) error {
	loopCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		return a.ctrl.Serve(gctx)
	})
	g.Go(func() error {
		defer stop()
		return fn(gctx)
	})
	return g.Wait()
}

func interactive(in io.Reader) bool {
	f, ok := in.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

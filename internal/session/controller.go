// Package session implements the controller that owns the connection and the
// run registry. All state changes happen on the goroutine running Serve;
// public methods post commands to it and wait for the synchronous part of
// the result.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/wyn/collab/internal/domain"
	"github.com/wyn/collab/internal/prompt"
	"github.com/wyn/collab/internal/registry"
	"github.com/wyn/collab/internal/sink"
	"github.com/wyn/collab/internal/transport"
)

// ErrClosed is returned by commands issued after Serve has returned.
var ErrClosed = errors.New("session closed")

// Admitter decides whether another run may be started given the number of
// runs already outstanding. A denial is returned as a *domain.PolicyRejection.
type Admitter interface {
	Admit(ctx context.Context, outstanding int, job domain.JobSpec) error
}

// CredentialPrompter asks the user for connection details. It returns
// prompt.ErrCancelled when the user declines.
type CredentialPrompter interface {
	PromptCredentials(ctx context.Context, defaults domain.Descriptor) (domain.Descriptor, error)
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State       domain.ConnectionState
	Descriptor  *domain.Descriptor
	Active      []domain.Run
	Outstanding int
	Queued      bool
}

type connectResult struct {
	generation uint64
	descriptor domain.Descriptor
	err        error
}

// Controller coordinates registration, run submission and transport events.
type Controller struct {
	transport transport.Transport
	sink      sink.Sink
	log       *slog.Logger
	now       func() time.Time
	admitter  Admitter
	prompter  CredentialPrompter

	stallTimeout    time.Duration
	stallCheck      time.Duration
	shutdownTimeout time.Duration
	regOpts         []registry.Option

	cmds     chan func()
	connects chan connectResult
	done     chan struct{}

	// Owned by the Serve goroutine.
	ctx           context.Context
	reg           *registry.Registry
	state         domain.ConnectionState
	descriptor    *domain.Descriptor
	pending       *domain.JobSpec
	generation    uint64
	cancelConnect context.CancelFunc
	closing       chan struct{} // closed when the last disconnect finished
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithClock replaces time.Now for events and run timing.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithAdmitter installs an admission policy. Without one every run is admitted.
func WithAdmitter(a Admitter) Option {
	return func(c *Controller) { c.admitter = a }
}

// WithPrompter installs the credential prompt used when Run needs a
// connection and no descriptor is known.
func WithPrompter(p CredentialPrompter) Option {
	return func(c *Controller) { c.prompter = p }
}

// WithDescriptor seeds the last-used descriptor.
func WithDescriptor(d domain.Descriptor) Option {
	return func(c *Controller) { c.descriptor = &d }
}

// WithStallDetection enables the stall sweep. A zero timeout disables it.
func WithStallDetection(timeout, interval time.Duration) Option {
	return func(c *Controller) {
		c.stallTimeout = timeout
		c.stallCheck = interval
	}
}

// New creates a disconnected controller. Call Serve to start it.
func New(t transport.Transport, s sink.Sink, opts ...Option) *Controller {
	c := &Controller{
		transport:       t,
		sink:            s,
		log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:             time.Now,
		shutdownTimeout: 5 * time.Second,
		cmds:            make(chan func()),
		connects:        make(chan connectResult, 1),
		done:            make(chan struct{}),
		state:           domain.ConnectionDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sink == nil {
		c.sink = sink.Discard
	}
	if c.stallCheck <= 0 {
		c.stallCheck = c.stallTimeout / 2
	}
	c.reg = registry.New(t, c.sink,
		registry.WithClock(c.now),
		registry.WithLogger(c.log),
		registry.WithStallTimeout(c.stallTimeout),
	)
	return c
}

// Serve runs the controller loop until ctx is cancelled. On exit an
// established connection is closed.
func (c *Controller) Serve(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.done)

	var sweep <-chan time.Time
	if c.stallTimeout > 0 {
		ticker := time.NewTicker(c.stallCheck)
		defer ticker.Stop()
		sweep = ticker.C
	}

	notes := c.transport.Notifications()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil

		case fn := <-c.cmds:
			fn()

		case n := <-notes:
			c.handleNotification(n)

		case r := <-c.connects:
			c.handleConnectResult(r)

		case <-sweep:
			c.reg.SweepStalled()
		}
	}
}

// Register starts connecting with d. The outcome is reported to the sink as
// Connected or ConnectionError. Register while connected is a no-op.
func (c *Controller) Register(ctx context.Context, d domain.Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid descriptor: %w", err)
	}
	return c.do(ctx, func() error {
		switch c.state {
		case domain.ConnectionConnecting:
			return domain.ErrAlreadyConnecting
		case domain.ConnectionConnected:
			c.log.Info("register ignored, already connected", "descriptor", c.descriptor.String())
			return nil
		}
		c.descriptor = &d
		c.connect(d)
		return nil
	})
}

// Unregister drops the connection. It always succeeds locally; an in-flight
// connect is abandoned together with its queued run.
func (c *Controller) Unregister(ctx context.Context) error {
	return c.do(ctx, func() error {
		switch c.state {
		case domain.ConnectionConnecting:
			c.abandonConnect()
			c.state = domain.ConnectionDisconnected
			c.log.Info("connect abandoned")
		case domain.ConnectionConnected:
			c.markDisconnected()
			c.emit(domain.Event{Type: domain.EventTypeDisconnected, Descriptor: c.publicDescriptor()})
			c.disconnectAsync()
		}
		return nil
	})
}

// Run submits job. When connected the start request is sent immediately.
// Otherwise the controller connects with the last-used descriptor, prompting
// for one if none is known, and sends the request once connected. While a
// connect is in flight a single run is queued; further runs are rejected
// with domain.ErrAlreadyConnecting.
func (c *Controller) Run(ctx context.Context, job domain.JobSpec) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	var defaults domain.Descriptor
	needPrompt := false
	err := c.do(ctx, func() error {
		if c.state != domain.ConnectionDisconnected || c.descriptor != nil {
			return c.submit(ctx, job)
		}
		needPrompt = true
		defaults = domain.Descriptor{Host: domain.DefaultHost, Port: domain.DefaultPort, Identity: domain.DefaultIdentity}
		return nil
	})
	if err != nil || !needPrompt {
		return err
	}

	if c.prompter == nil {
		return domain.ErrCredentialsRequired
	}
	d, err := c.prompter.PromptCredentials(ctx, defaults)
	if errors.Is(err, prompt.ErrCancelled) {
		return domain.ErrRegistrationCancelled
	}
	if err != nil {
		return fmt.Errorf("prompt credentials: %w", err)
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid descriptor: %w", err)
	}

	return c.do(ctx, func() error {
		if c.state == domain.ConnectionDisconnected {
			c.descriptor = &d
		}
		return c.submit(ctx, job)
	})
}

// Cancel asks the service to abort run id. Unknown ids are logged and ignored.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, func() error {
		c.reg.RequestCancel(id)
		return nil
	})
}

// Snapshot returns the current connection state and active runs.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() error {
		snap = Snapshot{
			State:       c.state,
			Descriptor:  c.publicDescriptor(),
			Active:      c.reg.Active(),
			Outstanding: c.reg.Outstanding(),
			Queued:      c.pending != nil,
		}
		return nil
	})
	return snap, err
}

// submit runs on the loop. It starts, queues or connects for job depending on
// the connection state.
func (c *Controller) submit(ctx context.Context, job domain.JobSpec) error {
	switch c.state {
	case domain.ConnectionConnected:
		if err := c.admit(ctx, job); err != nil {
			return err
		}
		c.reg.RequestStart(job)
		return nil

	case domain.ConnectionConnecting:
		if c.pending != nil {
			return domain.ErrAlreadyConnecting
		}
		if err := c.admit(ctx, job); err != nil {
			return err
		}
		c.pending = &job
		return nil
	}

	if err := c.admit(ctx, job); err != nil {
		return err
	}
	c.pending = &job
	c.connect(*c.descriptor)
	return nil
}

func (c *Controller) admit(ctx context.Context, job domain.JobSpec) error {
	if c.admitter == nil {
		return nil
	}
	return c.admitter.Admit(ctx, c.reg.Outstanding(), job)
}

// connect starts an asynchronous connect whose result is posted back to the
// loop tagged with the current generation.
func (c *Controller) connect(d domain.Descriptor) {
	c.state = domain.ConnectionConnecting
	c.generation++
	gen := c.generation

	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelConnect = cancel

	closing := c.closing
	c.log.Info("connecting", "descriptor", d.String())
	go func() {
		var err error
		if closing != nil {
			select {
			case <-closing:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if err == nil {
			err = c.transport.Connect(ctx, d)
		}
		select {
		case c.connects <- connectResult{generation: gen, descriptor: d, err: err}:
		case <-c.done:
		}
	}()
}

func (c *Controller) abandonConnect() {
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}
	c.generation++
	if c.pending != nil {
		c.log.Warn("queued run dropped", "portfolio", c.pending.Portfolio)
		c.pending = nil
	}
}

func (c *Controller) handleConnectResult(r connectResult) {
	if r.generation != c.generation {
		if r.err == nil {
			c.log.Info("closing connection from abandoned connect")
			c.disconnectAsync()
		}
		return
	}
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}

	if r.err != nil {
		kind := domain.TransportErrorKindOf(r.err)
		c.log.Error("connect failed", "kind", kind, "error", r.err)
		c.markDisconnected()
		if c.pending != nil {
			c.log.Warn("queued run dropped", "portfolio", c.pending.Portfolio)
			c.pending = nil
		}
		c.emit(domain.Event{Type: domain.EventTypeConnectionError, ErrorKind: kind, Reason: r.err.Error()})
		return
	}

	c.state = domain.ConnectionConnected
	c.log.Info("connected", "descriptor", r.descriptor.String())
	c.emit(domain.Event{Type: domain.EventTypeConnected, Descriptor: c.publicDescriptor()})

	if job := c.pending; job != nil {
		c.pending = nil
		// Admitted when queued; the outstanding count may have changed since.
		if err := c.admit(c.ctx, *job); err != nil {
			c.log.Warn("queued run rejected", "portfolio", job.Portfolio, "error", err)
			c.emit(domain.Event{Type: domain.EventTypeRunRejected, Reason: err.Error()})
			return
		}
		c.reg.RequestStart(*job)
	}
}

func (c *Controller) handleNotification(n transport.Notification) {
	switch n.Kind {
	case transport.NotifyInbound:
		c.reg.OnInboundMessage(n.Message)

	case transport.NotifyConnectionError:
		if c.state != domain.ConnectionConnected {
			return
		}
		c.markDisconnected()
		c.emit(domain.Event{Type: domain.EventTypeConnectionError, ErrorKind: n.ErrorKind, Reason: errString(n.Err)})

	case transport.NotifyDisconnected:
		if c.state != domain.ConnectionConnected {
			return
		}
		c.markDisconnected()
		c.emit(domain.Event{Type: domain.EventTypeDisconnected, Descriptor: c.publicDescriptor()})

	case transport.NotifyConnected:
		c.log.Debug("transport connected")
	}
}

// markDisconnected moves to Disconnected. Active runs are left untouched;
// unacknowledged start requests are forgotten.
func (c *Controller) markDisconnected() {
	c.state = domain.ConnectionDisconnected
	if n := c.reg.AbandonPending(); n > 0 {
		c.log.Warn("start requests lost with connection", "count", n)
	}
	if active := c.reg.Len(); active > 0 {
		c.log.Warn("runs left without connection", "count", active)
	}
}

// disconnectAsync closes the transport off the loop. A following connect
// waits for it to finish.
func (c *Controller) disconnectAsync() {
	closing := make(chan struct{})
	c.closing = closing
	go func() {
		defer close(closing)
		c.disconnect()
	}()
}

func (c *Controller) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()
	if err := c.transport.Disconnect(ctx); err != nil {
		c.log.Warn("disconnect failed", "error", err)
	}
}

func (c *Controller) shutdown() {
	switch c.state {
	case domain.ConnectionConnecting:
		c.abandonConnect()
	case domain.ConnectionConnected:
		c.disconnect()
	}
	c.state = domain.ConnectionDisconnected
}

// do runs fn on the loop and returns its error.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.cmds <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) emit(event domain.Event) {
	if event.Ts.IsZero() {
		event.Ts = c.now()
	}
	c.sink.Emit(event)
}

// publicDescriptor returns the last-used descriptor without its credential.
func (c *Controller) publicDescriptor() *domain.Descriptor {
	if c.descriptor == nil {
		return nil
	}
	d := *c.descriptor
	d.Credential = ""
	return &d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Package registry tracks active runs and maps inbound protocol messages onto
// their lifecycle. A Registry is single-writer: every method must be called
// from the goroutine that owns it (see session.Controller).
package registry

import (
	"io"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/wyn/collab/internal/domain"
	"github.com/wyn/collab/internal/protocol"
	"github.com/wyn/collab/internal/sink"
)

// Sender is the part of the transport the registry needs.
type Sender interface {
	Send(msg protocol.Outbound) error
	Connected() bool
}

// Registry owns the set of active runs, keyed by server-assigned id.
type Registry struct {
	sender     Sender
	sink       sink.Sink
	log        *slog.Logger
	now        func() time.Time
	stallAfter time.Duration

	runs     map[string]*domain.Run
	awaiting int // start requests sent but not yet acknowledged
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithStallTimeout sets how long a running run may go without progress before
// it is reported as stalled. Zero disables stall detection.
func WithStallTimeout(d time.Duration) Option {
	return func(r *Registry) { r.stallAfter = d }
}

// New creates an empty registry.
func New(sender Sender, s sink.Sink, opts ...Option) *Registry {
	r := &Registry{
		sender: sender,
		sink:   s,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
		runs:   make(map[string]*domain.Run),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sink == nil {
		r.sink = sink.Discard
	}
	return r
}

// RequestStart sends a start request for job. No run is tracked until the
// service acknowledges it with an id. Failures are logged, not returned.
func (r *Registry) RequestStart(job domain.JobSpec) {
	if !r.sender.Connected() {
		r.log.Warn("start requested while not connected", "portfolio", job.Portfolio)
		return
	}
	if err := r.sender.Send(protocol.StartRequest(job)); err != nil {
		r.log.Error("failed to send start request", "portfolio", job.Portfolio, "error", err)
		return
	}
	r.awaiting++
	r.log.Info("start requested", "portfolio", job.Portfolio, "number_runs", job.NumberRuns)
}

// RequestCancel sends a cancel request for a known run and, once the
// transport has accepted it, moves the run to Cancelled and reaps it.
// Unknown ids are a logged no-op.
func (r *Registry) RequestCancel(id string) {
	run, ok := r.runs[id]
	if !ok {
		r.log.Warn("cancel requested for unknown run", "error", &domain.ProtocolViolation{Kind: domain.UnknownRunID, RunID: id})
		return
	}
	if err := r.sender.Send(protocol.CancelRequest(id)); err != nil {
		r.log.Warn("failed to send cancel request", "run_id", id, "error", err)
		return
	}
	r.finish(run, domain.RunStateCancelled, domain.EventTypeRunCancelled, "cancelled by user")
}

// OnInboundMessage applies a decoded service message.
func (r *Registry) OnInboundMessage(msg protocol.Inbound) {
	switch msg.Kind {
	case protocol.KindStarted:
		r.onStarted(msg)
	case protocol.KindProgress:
		r.onProgress(msg)
	case protocol.KindResult:
		r.onResult(msg)
	case protocol.KindCancelled:
		r.onTerminal(msg, domain.RunStateCancelled, domain.EventTypeRunCancelled)
	case protocol.KindFailed:
		r.onTerminal(msg, domain.RunStateFailed, domain.EventTypeRunFailed)
	case protocol.KindError:
		r.onError(msg)
	default:
		r.log.Warn("ignoring inbound message of unknown kind", "kind", msg.Kind, "run_id", msg.RunID)
	}
}

func (r *Registry) onStarted(msg protocol.Inbound) {
	if _, ok := r.runs[msg.RunID]; ok {
		r.discard(msg, domain.DuplicateStart)
		return
	}

	now := r.now()
	r.runs[msg.RunID] = &domain.Run{
		ID:             msg.RunID,
		State:          domain.RunStateRunning,
		StartedAt:      now,
		LastProgressAt: now,
	}
	if r.awaiting > 0 {
		r.awaiting--
	}

	r.log.Info("run started", "run_id", msg.RunID)
	r.emit(domain.Event{Type: domain.EventTypeRunStarted, Ts: now, RunID: msg.RunID})
}

func (r *Registry) onProgress(msg protocol.Inbound) {
	run, ok := r.runs[msg.RunID]
	if !ok {
		r.discard(msg, domain.UnknownRunID)
		return
	}

	percent := clamp(msg.Percent)
	if percent < run.LastProgress {
		r.log.Warn("retrograde progress ignored", "run_id", run.ID, "percent", percent, "last_progress", run.LastProgress)
		return
	}

	now := r.now()
	run.LastProgress = percent
	run.LastProgressAt = now
	if run.Stalled {
		run.Stalled = false
		r.log.Info("run resumed", "run_id", run.ID)
	}
	r.emit(domain.Event{Type: domain.EventTypeRunProgress, Ts: now, RunID: run.ID, Percent: percent})
}

func (r *Registry) onResult(msg protocol.Inbound) {
	run, ok := r.runs[msg.RunID]
	if !ok {
		r.discard(msg, domain.UnknownRunID)
		return
	}

	now := r.now()
	run.Result = r.validPercentiles(run.ID, msg.Percentiles)
	run.State = domain.RunStateCompleted
	run.LastProgress = 100
	run.LastProgressAt = now
	elapsed := run.Elapsed(now)

	r.emit(domain.Event{Type: domain.EventTypeRunProgress, Ts: now, RunID: run.ID, Percent: 100})
	r.emit(domain.Event{
		Type:        domain.EventTypeRunCompleted,
		Ts:          now,
		RunID:       run.ID,
		Percentiles: run.Result.Clone(),
		Elapsed:     elapsed,
	})

	delete(r.runs, run.ID)
	r.log.Info("run finished", "run_id", run.ID, "elapsed", elapsed)
}

// validPercentiles copies m without pairs whose percentile lies outside [0,1].
func (r *Registry) validPercentiles(runID string, m domain.PercentileMap) domain.PercentileMap {
	out := make(domain.PercentileMap, len(m))
	for p, v := range m {
		if math.IsNaN(p) || p < 0 || p > 1 {
			r.log.Warn("dropping out of range percentile", "run_id", runID, "percentile", p, "value", v)
			continue
		}
		out[p] = v
	}
	return out
}

// onError handles a service error that names no run. An error answering a
// start request releases it and is reported as RunRejected.
func (r *Registry) onError(msg protocol.Inbound) {
	r.log.Warn("service reported an error", "code", msg.Code, "message", msg.Reason)
	if r.awaiting == 0 || !answersStart(msg.Code) {
		return
	}
	r.awaiting--

	reason := msg.Code
	if msg.Reason != "" {
		reason += ": " + msg.Reason
	}
	r.emit(domain.Event{Type: domain.EventTypeRunRejected, Ts: r.now(), Reason: reason})
}

// answersStart reports whether a run-less error with code can be the reply to
// a start request. unknown_run answers cancels; unauthorized ends the hello.
func answersStart(code string) bool {
	switch code {
	case protocol.ErrorCodeRunRejected,
		protocol.ErrorCodeInvalidMessage,
		protocol.ErrorCodeInternalError,
		protocol.ErrorCodeHelloRequired:
		return true
	}
	return false
}

func (r *Registry) onTerminal(msg protocol.Inbound, state domain.RunState, eventType domain.EventType) {
	run, ok := r.runs[msg.RunID]
	if !ok {
		r.discard(msg, domain.UnknownRunID)
		return
	}
	r.finish(run, state, eventType, msg.Reason)
}

// finish moves run to a terminal state, emits eventType and reaps the record.
func (r *Registry) finish(run *domain.Run, state domain.RunState, eventType domain.EventType, reason string) {
	now := r.now()
	run.State = state
	elapsed := run.Elapsed(now)

	r.emit(domain.Event{Type: eventType, Ts: now, RunID: run.ID, Elapsed: elapsed, Reason: reason})

	delete(r.runs, run.ID)
	r.log.Info("run ended", "run_id", run.ID, "state", state, "elapsed", elapsed, "reason", reason)
}

// SweepStalled reports running runs that have had no progress for longer than
// the stall timeout. Each stall is reported once; progress clears it.
func (r *Registry) SweepStalled() {
	if r.stallAfter <= 0 {
		return
	}

	now := r.now()
	for _, id := range r.sortedIDs() {
		run := r.runs[id]
		idle := now.Sub(run.LastProgressAt)
		if run.Stalled || idle < r.stallAfter {
			continue
		}
		run.Stalled = true
		r.log.Warn("run stalled", "run_id", run.ID, "idle", idle, "last_progress", run.LastProgress)
		r.emit(domain.Event{
			Type:    domain.EventTypeRunStalled,
			Ts:      now,
			RunID:   run.ID,
			Percent: run.LastProgress,
			Elapsed: idle,
		})
	}
}

// AbandonPending forgets start requests that can no longer be acknowledged,
// e.g. after the connection dropped. It returns how many were forgotten.
func (r *Registry) AbandonPending() int {
	n := r.awaiting
	r.awaiting = 0
	return n
}

// Get returns a copy of the run with the given id.
func (r *Registry) Get(id string) (domain.Run, bool) {
	run, ok := r.runs[id]
	if !ok {
		return domain.Run{}, false
	}
	cp := *run
	cp.Result = run.Result.Clone()
	return cp, true
}

// Active returns copies of all active runs ordered by id.
func (r *Registry) Active() []domain.Run {
	out := make([]domain.Run, 0, len(r.runs))
	for _, id := range r.sortedIDs() {
		run, _ := r.Get(id)
		out = append(out, run)
	}
	return out
}

// Len returns the number of active runs.
func (r *Registry) Len() int {
	return len(r.runs)
}

// Outstanding returns active runs plus unacknowledged start requests.
func (r *Registry) Outstanding() int {
	return len(r.runs) + r.awaiting
}

func (r *Registry) discard(msg protocol.Inbound, kind domain.ViolationKind) {
	r.log.Warn("discarding inbound message",
		"message_kind", msg.Kind,
		"error", &domain.ProtocolViolation{Kind: kind, RunID: msg.RunID},
	)
}

func (r *Registry) emit(event domain.Event) {
	r.sink.Emit(event)
}

func (r *Registry) sortedIDs() []string {
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func clamp(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

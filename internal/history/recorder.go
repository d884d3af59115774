package history

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/wyn/collab/internal/domain"
)

// Recorder is a sink that writes lifecycle events to a Store. Emit blocks on
// the database, so it belongs behind a sink.Queue.
type Recorder struct {
	store   Store
	log     *slog.Logger
	timeout time.Duration
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{store: store, log: logger, timeout: 5 * time.Second}
}

// Emit stores event. Failures are logged.
func (r *Recorder) Emit(event domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.record(ctx, event); err != nil {
		r.log.Error("failed to record event", "type", event.Type, "run_id", event.RunID, "error", err)
	}
}

func (r *Recorder) record(ctx context.Context, event domain.Event) error {
	switch event.Type {
	case domain.EventTypeRunStarted:
		if err := r.store.CreateRun(ctx, event.RunID, event.Ts); err != nil {
			return err
		}

	case domain.EventTypeRunProgress:
		// Progress only updates the run row.
		return r.store.UpdateProgress(ctx, event.RunID, event.Percent)

	case domain.EventTypeRunCompleted:
		if err := r.store.EndRun(ctx, event.RunID, domain.RunStateCompleted, event.Ts, event.Elapsed, ""); err != nil {
			return err
		}
		if err := r.store.SaveResult(ctx, event.RunID, event.Percentiles); err != nil {
			return err
		}

	case domain.EventTypeRunCancelled:
		if err := r.store.EndRun(ctx, event.RunID, domain.RunStateCancelled, event.Ts, event.Elapsed, event.Reason); err != nil {
			return err
		}

	case domain.EventTypeRunFailed:
		if err := r.store.EndRun(ctx, event.RunID, domain.RunStateFailed, event.Ts, event.Elapsed, event.Reason); err != nil {
			return err
		}
	}

	return r.store.AppendEvent(ctx, event)
}

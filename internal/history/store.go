// Package history persists run outcomes reported by the registry.
package history

import (
	"context"
	"time"

	"github.com/wyn/collab/internal/domain"
)

// RunRecord is the stored view of a run.
type RunRecord struct {
	RunID        string
	State        domain.RunState
	StartedAt    time.Time
	EndedAt      *time.Time
	LastProgress int
	Elapsed      time.Duration
	Reason       string
	Result       domain.PercentileMap
}

// EventRecord is a stored lifecycle event.
type EventRecord struct {
	ID      int64
	RunID   string
	Ts      time.Time
	Type    domain.EventType
	Payload []byte
}

// Store defines the history storage interface.
type Store interface {
	CreateRun(ctx context.Context, runID string, startedAt time.Time) error
	UpdateProgress(ctx context.Context, runID string, percent int) error
	EndRun(ctx context.Context, runID string, state domain.RunState, endedAt time.Time, elapsed time.Duration, reason string) error
	SaveResult(ctx context.Context, runID string, result domain.PercentileMap) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	AppendEvent(ctx context.Context, event domain.Event) error
	GetEvents(ctx context.Context, runID string, types []domain.EventType, limit int) ([]EventRecord, error)

	Close() error
}

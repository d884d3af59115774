package history

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyn/collab/internal/domain"
	"github.com/wyn/collab/internal/testutil"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestSQLiteStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateRun(ctx, "run_1", t0))
	require.NoError(t, store.UpdateProgress(ctx, "run_1", 40))
	require.NoError(t, store.UpdateProgress(ctx, "run_1", 30))

	run, err := store.GetRun(ctx, "run_1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunStateRunning, run.State)
	assert.Equal(t, 40, run.LastProgress)
	assert.True(t, t0.Equal(run.StartedAt))
	assert.Nil(t, run.EndedAt)

	require.NoError(t, store.EndRun(ctx, "run_1", domain.RunStateCompleted, t0.Add(90*time.Second), 90*time.Second, ""))
	require.NoError(t, store.SaveResult(ctx, "run_1", domain.PercentileMap{0.95: 12.3, 0.99: 18.7}))

	run, err = store.GetRun(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateCompleted, run.State)
	require.NotNil(t, run.EndedAt)
	assert.Equal(t, 90*time.Second, run.Elapsed)
	assert.Equal(t, domain.PercentileMap{0.95: 12.3, 0.99: 18.7}, run.Result)
}

func TestSQLiteStoreGetRunNotFound(t *testing.T) {
	store := newTestStore(t)

	run, err := store.GetRun(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestSQLiteStoreEndUnknownRun(t *testing.T) {
	store := newTestStore(t)

	err := store.EndRun(context.Background(), "missing", domain.RunStateCancelled, t0, 0, "")
	assert.ErrorContains(t, err, "not found")
}

func TestSQLiteStoreCreateRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateRun(ctx, "run_1", t0))
	require.NoError(t, store.CreateRun(ctx, "run_1", t0.Add(time.Hour)))

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, t0.Equal(runs[0].StartedAt))
}

func TestSQLiteStoreListRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateRun(ctx, "run_a", t0))
	require.NoError(t, store.CreateRun(ctx, "run_b", t0.Add(time.Minute)))
	require.NoError(t, store.CreateRun(ctx, "run_c", t0.Add(2*time.Minute)))

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run_c", runs[0].RunID)
	assert.Equal(t, "run_b", runs[1].RunID)
}

func TestSQLiteStoreEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AppendEvent(ctx, domain.Event{Type: domain.EventTypeConnected, Ts: t0}))
	require.NoError(t, store.AppendEvent(ctx, domain.Event{Type: domain.EventTypeRunStarted, Ts: t0, RunID: "run_1"}))
	require.NoError(t, store.AppendEvent(ctx, domain.Event{Type: domain.EventTypeRunCancelled, Ts: t0.Add(time.Second), RunID: "run_1", Reason: "cancelled by user"}))

	all, err := store.GetEvents(ctx, "", nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.EventTypeConnected, all[0].Type)
	assert.Empty(t, all[0].RunID)

	forRun, err := store.GetEvents(ctx, "run_1", []domain.EventType{domain.EventTypeRunCancelled}, 0)
	require.NoError(t, err)
	require.Len(t, forRun, 1)
	assert.Equal(t, t0.Add(time.Second).UnixMilli(), forRun[0].Ts.UnixMilli())

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(forRun[0].Payload, &payload))
	assert.Equal(t, "cancelled by user", payload["reason"])
}

func TestRecorderStoresLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rec := NewRecorder(store, testutil.NewTestLogger(t))

	rec.Emit(domain.Event{Type: domain.EventTypeRunStarted, Ts: t0, RunID: "run_1"})
	rec.Emit(domain.Event{Type: domain.EventTypeRunProgress, Ts: t0.Add(time.Second), RunID: "run_1", Percent: 60})
	rec.Emit(domain.Event{
		Type:        domain.EventTypeRunCompleted,
		Ts:          t0.Add(12 * time.Second),
		RunID:       "run_1",
		Elapsed:     12 * time.Second,
		Percentiles: domain.PercentileMap{0.5: 1.5, 0.99: 9.25},
	})
	rec.Emit(domain.Event{Type: domain.EventTypeRunStarted, Ts: t0, RunID: "run_2"})
	rec.Emit(domain.Event{Type: domain.EventTypeRunFailed, Ts: t0.Add(time.Second), RunID: "run_2", Elapsed: time.Second, Reason: "portfolio unreadable"})

	run, err := store.GetRun(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateCompleted, run.State)
	assert.Equal(t, 60, run.LastProgress)
	assert.Equal(t, 12*time.Second, run.Elapsed)
	assert.Equal(t, domain.PercentileMap{0.5: 1.5, 0.99: 9.25}, run.Result)

	run, err = store.GetRun(ctx, "run_2")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateFailed, run.State)
	assert.Equal(t, "portfolio unreadable", run.Reason)

	events, err := store.GetEvents(ctx, "", nil, 0)
	require.NoError(t, err)
	types := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventTypeRunStarted,
		domain.EventTypeRunCompleted,
		domain.EventTypeRunStarted,
		domain.EventTypeRunFailed,
	}, types)
}

func TestRecorderLogsFailures(t *testing.T) {
	store := newTestStore(t)
	logger, logs := testutil.NewBufferLogger()
	rec := NewRecorder(store, logger)

	rec.Emit(domain.Event{Type: domain.EventTypeRunCancelled, Ts: t0, RunID: "unknown"})
	assert.Contains(t, logs.String(), "failed to record event")
}

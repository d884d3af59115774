package registry

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyn/collab/internal/domain"
	"github.com/wyn/collab/internal/protocol"
	"github.com/wyn/collab/internal/sink"
	"github.com/wyn/collab/internal/testutil"
)

type fakeSender struct {
	connected bool
	sendErr   error
	sent      []protocol.Outbound
}

func (f *fakeSender) Send(msg protocol.Outbound) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) Connected() bool {
	return f.connected
}

type fixture struct {
	reg    *Registry
	sender *fakeSender
	events *sink.Recorder
	clock  *testutil.Clock
	logs   *testutil.LogBuffer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger, logs := testutil.NewBufferLogger()
	f := &fixture{
		sender: &fakeSender{connected: true},
		events: &sink.Recorder{},
		clock:  testutil.NewClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
		logs:   logs,
	}
	opts = append([]Option{WithClock(f.clock.Now), WithLogger(logger)}, opts...)
	f.reg = New(f.sender, f.events, opts...)
	return f
}

func started(id string) protocol.Inbound {
	return protocol.Inbound{Kind: protocol.KindStarted, RunID: id}
}

func progress(id string, p int) protocol.Inbound {
	return protocol.Inbound{Kind: protocol.KindProgress, RunID: id, Percent: p}
}

func result(id string, m domain.PercentileMap) protocol.Inbound {
	return protocol.Inbound{Kind: protocol.KindResult, RunID: id, Percentiles: m}
}

func cancelled(id string) protocol.Inbound {
	return protocol.Inbound{Kind: protocol.KindCancelled, RunID: id}
}

func TestLifecycleScenario(t *testing.T) {
	f := newFixture(t)

	f.reg.OnInboundMessage(started("r1"))
	run, ok := f.reg.Get("r1")
	require.True(t, ok)
	assert.Equal(t, domain.RunStateRunning, run.State)
	assert.Equal(t, 0, run.LastProgress)
	assert.Equal(t, 1, f.reg.Len())

	f.clock.Advance(10 * time.Second)
	f.reg.OnInboundMessage(progress("r1", 40))
	run, _ = f.reg.Get("r1")
	assert.Equal(t, 40, run.LastProgress)

	f.reg.OnInboundMessage(progress("r1", 30))
	run, _ = f.reg.Get("r1")
	assert.Equal(t, 40, run.LastProgress, "retrograde progress must be ignored")
	assert.Contains(t, f.logs.String(), "retrograde progress ignored")

	f.clock.Advance(20 * time.Second)
	f.reg.OnInboundMessage(result("r1", domain.PercentileMap{0.95: 12.3, 0.99: 18.7}))

	_, ok = f.reg.Get("r1")
	assert.False(t, ok, "completed run must be reaped")
	assert.Equal(t, 0, f.reg.Len())

	assert.Equal(t, []domain.EventType{
		domain.EventTypeRunStarted,
		domain.EventTypeRunProgress,
		domain.EventTypeRunProgress,
		domain.EventTypeRunCompleted,
	}, f.events.Types())

	events := f.events.Events()
	assert.Equal(t, 40, events[1].Percent)
	assert.Equal(t, 100, events[2].Percent)
	completed := events[3]
	assert.Equal(t, "r1", completed.RunID)
	assert.Equal(t, domain.PercentileMap{0.95: 12.3, 0.99: 18.7}, completed.Percentiles)
	assert.Equal(t, 30*time.Second, completed.Elapsed)
	assert.Equal(t, int64(30), completed.ElapsedSeconds())
}

func TestDuplicateStartKeepsSingleRecord(t *testing.T) {
	f := newFixture(t)

	f.reg.OnInboundMessage(started("r1"))
	f.reg.OnInboundMessage(progress("r1", 25))
	f.clock.Advance(time.Minute)
	f.reg.OnInboundMessage(started("r1"))

	assert.Equal(t, 1, f.reg.Len())
	run, ok := f.reg.Get("r1")
	require.True(t, ok)
	assert.Equal(t, 25, run.LastProgress, "duplicate start must not reset the run")
	assert.Equal(t, f.clock.Now().Add(-time.Minute), run.StartedAt)
	assert.Contains(t, f.logs.String(), string(domain.DuplicateStart))
	assert.Equal(t, []domain.EventType{domain.EventTypeRunStarted, domain.EventTypeRunProgress}, f.events.Types())
}

func TestUnknownRunMessagesAreDiscarded(t *testing.T) {
	f := newFixture(t)

	f.reg.OnInboundMessage(progress("ghost", 50))
	f.reg.OnInboundMessage(result("ghost", domain.PercentileMap{0.99: 1}))
	f.reg.OnInboundMessage(cancelled("ghost"))
	f.reg.OnInboundMessage(protocol.Inbound{Kind: protocol.KindFailed, RunID: "ghost", Reason: "x"})

	assert.Equal(t, 0, f.reg.Len())
	assert.Empty(t, f.events.Events())
	assert.Contains(t, f.logs.String(), string(domain.UnknownRunID))
}

func TestRequestCancelUnknownIsNoop(t *testing.T) {
	f := newFixture(t)

	f.reg.RequestCancel("nope")

	assert.Equal(t, 0, f.reg.Len())
	assert.Empty(t, f.events.Events())
	assert.Empty(t, f.sender.sent)
	assert.Contains(t, f.logs.String(), "cancel requested for unknown run")
}

func TestRequestCancelTransitionsAndReaps(t *testing.T) {
	f := newFixture(t)
	f.reg.OnInboundMessage(started("r1"))
	f.clock.Advance(7 * time.Second)

	f.reg.RequestCancel("r1")

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, protocol.CancelRequest("r1"), f.sender.sent[0])
	_, ok := f.reg.Get("r1")
	assert.False(t, ok)

	events := f.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTypeRunCancelled, events[1].Type)
	assert.Equal(t, 7*time.Second, events[1].Elapsed)

	// The service's own acknowledgement arrives after the run was reaped.
	f.reg.OnInboundMessage(cancelled("r1"))
	assert.Len(t, f.events.Events(), 2)
}

func TestRequestCancelSendFailureKeepsRun(t *testing.T) {
	f := newFixture(t)
	f.reg.OnInboundMessage(started("r1"))
	f.sender.sendErr = errors.New("buffer full")

	f.reg.RequestCancel("r1")

	run, ok := f.reg.Get("r1")
	require.True(t, ok)
	assert.Equal(t, domain.RunStateRunning, run.State)
}

func TestServerCancelReaps(t *testing.T) {
	f := newFixture(t)
	f.reg.OnInboundMessage(started("r1"))
	f.clock.Advance(3 * time.Second)

	f.reg.OnInboundMessage(protocol.Inbound{Kind: protocol.KindCancelled, RunID: "r1", Reason: "operator abort"})

	_, ok := f.reg.Get("r1")
	assert.False(t, ok)
	events := f.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTypeRunCancelled, events[1].Type)
	assert.Equal(t, "operator abort", events[1].Reason)
	assert.Equal(t, 3*time.Second, events[1].Elapsed)
	assert.Empty(t, f.sender.sent)
}

func TestFailedReaps(t *testing.T) {
	f := newFixture(t)
	f.reg.OnInboundMessage(started("r1"))

	f.reg.OnInboundMessage(protocol.Inbound{Kind: protocol.KindFailed, RunID: "r1", Reason: "bad portfolio"})

	assert.Equal(t, 0, f.reg.Len())
	events := f.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTypeRunFailed, events[1].Type)
	assert.Equal(t, "bad portfolio", events[1].Reason)
}

func TestProgressIsClampedAndTiesAllowed(t *testing.T) {
	f := newFixture(t)
	f.reg.OnInboundMessage(started("r1"))

	f.reg.OnInboundMessage(progress("r1", -5))
	f.reg.OnInboundMessage(progress("r1", 250))
	f.reg.OnInboundMessage(progress("r1", 100))

	run, _ := f.reg.Get("r1")
	assert.Equal(t, 100, run.LastProgress)

	var percents []int
	for _, e := range f.events.Events() {
		if e.Type == domain.EventTypeRunProgress {
			percents = append(percents, e.Percent)
		}
	}
	assert.Equal(t, []int{0, 100, 100}, percents)
}

func TestProgressNeverDecreases(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		f := newFixture(t)
		f.reg.OnInboundMessage(started("r1"))

		last := 0
		for i := 0; i < 200; i++ {
			f.reg.OnInboundMessage(progress("r1", rng.Intn(140)-20))
			run, ok := f.reg.Get("r1")
			require.True(t, ok)
			require.GreaterOrEqual(t, run.LastProgress, last)
			require.LessOrEqual(t, run.LastProgress, 100)
			last = run.LastProgress
		}
	}
}

func TestTerminalMessagesAlwaysReap(t *testing.T) {
	terminals := []protocol.Inbound{
		result("r1", domain.PercentileMap{0.5: 1}),
		cancelled("r1"),
		{Kind: protocol.KindFailed, RunID: "r1"},
	}
	for _, msg := range terminals {
		t.Run(string(msg.Kind), func(t *testing.T) {
			f := newFixture(t)
			f.reg.OnInboundMessage(started("r1"))
			f.reg.OnInboundMessage(progress("r1", 10))

			f.reg.OnInboundMessage(msg)

			_, ok := f.reg.Get("r1")
			assert.False(t, ok)
			assert.Equal(t, 0, f.reg.Outstanding())
		})
	}
}

func TestElapsedMatchesInjectedClock(t *testing.T) {
	for _, d := range []time.Duration{0, time.Second, 59 * time.Second, 3*time.Hour + 17*time.Second} {
		f := newFixture(t)
		f.reg.OnInboundMessage(started("r1"))
		startedAt := f.clock.Now()
		f.clock.Advance(d)
		f.reg.OnInboundMessage(result("r1", nil))

		events := f.events.Events()
		completed := events[len(events)-1]
		require.Equal(t, domain.EventTypeRunCompleted, completed.Type)
		assert.Equal(t, f.clock.Now().Sub(startedAt), completed.Elapsed)
		assert.Equal(t, int64(d/time.Second), completed.ElapsedSeconds())
	}
}

func TestRequestStartSendsWithoutTracking(t *testing.T) {
	f := newFixture(t)
	job := domain.JobSpec{Portfolio: "book.xml", NumberRuns: 1000}

	f.reg.RequestStart(job)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, protocol.TypeStartRequest, f.sender.sent[0].Type)
	assert.Equal(t, &job, f.sender.sent[0].Job)
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, 1, f.reg.Outstanding())

	f.reg.OnInboundMessage(started("srv-1"))
	assert.Equal(t, 1, f.reg.Len())
	assert.Equal(t, 1, f.reg.Outstanding())
}

func TestRequestStartWhileDisconnectedIsLogged(t *testing.T) {
	f := newFixture(t)
	f.sender.connected = false

	f.reg.RequestStart(domain.JobSpec{Portfolio: "book.xml", NumberRuns: 1})

	assert.Empty(t, f.sender.sent)
	assert.Equal(t, 0, f.reg.Outstanding())
	assert.Contains(t, f.logs.String(), "start requested while not connected")
}

func TestAbandonPending(t *testing.T) {
	f := newFixture(t)
	f.reg.RequestStart(domain.JobSpec{Portfolio: "a", NumberRuns: 1})
	f.reg.RequestStart(domain.JobSpec{Portfolio: "b", NumberRuns: 1})

	assert.Equal(t, 2, f.reg.AbandonPending())
	assert.Equal(t, 0, f.reg.Outstanding())
}

func TestSweepStalledReportsOncePerStall(t *testing.T) {
	f := newFixture(t, WithStallTimeout(time.Minute))
	f.reg.OnInboundMessage(started("r1"))
	f.reg.OnInboundMessage(started("r2"))

	f.clock.Advance(30 * time.Second)
	f.reg.OnInboundMessage(progress("r2", 10))
	f.clock.Advance(31 * time.Second)

	f.reg.SweepStalled()
	f.reg.SweepStalled()

	var stalled []domain.Event
	for _, e := range f.events.Events() {
		if e.Type == domain.EventTypeRunStalled {
			stalled = append(stalled, e)
		}
	}
	require.Len(t, stalled, 1)
	assert.Equal(t, "r1", stalled[0].RunID)
	assert.Equal(t, 61*time.Second, stalled[0].Elapsed)

	run, _ := f.reg.Get("r1")
	assert.True(t, run.Stalled)

	f.reg.OnInboundMessage(progress("r1", 5))
	run, _ = f.reg.Get("r1")
	assert.False(t, run.Stalled)
}

func TestSweepStalledDisabledByDefault(t *testing.T) {
	f := newFixture(t)
	f.reg.OnInboundMessage(started("r1"))
	f.clock.Advance(24 * time.Hour)

	f.reg.SweepStalled()

	assert.Equal(t, []domain.EventType{domain.EventTypeRunStarted}, f.events.Types())
}

func TestActiveReturnsCopies(t *testing.T) {
	f := newFixture(t)
	f.reg.OnInboundMessage(started("b"))
	f.reg.OnInboundMessage(started("a"))

	active := f.reg.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "b", active[1].ID)

	active[0].LastProgress = 99
	run, _ := f.reg.Get("a")
	assert.Equal(t, 0, run.LastProgress)
}

func TestRejectedStartReleasesOutstanding(t *testing.T) {
	f := newFixture(t)

	f.reg.RequestStart(domain.JobSpec{Portfolio: "p.xml", NumberRuns: 10})
	require.Equal(t, 1, f.reg.Outstanding())

	f.reg.OnInboundMessage(protocol.Inbound{Kind: protocol.KindError, Code: protocol.ErrorCodeRunRejected, Reason: "too many runs"})
	assert.Equal(t, 0, f.reg.Outstanding())

	// Nothing is awaiting, so a second rejection changes nothing.
	f.reg.OnInboundMessage(protocol.Inbound{Kind: protocol.KindError, Code: protocol.ErrorCodeRunRejected})
	assert.Equal(t, 0, f.reg.Outstanding())

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeRunRejected, events[0].Type)
	assert.Empty(t, events[0].RunID)
	assert.Equal(t, "run_rejected: too many runs", events[0].Reason)
}

func TestErrorsAnsweringStartReleaseOutstanding(t *testing.T) {
	for _, code := range []string{protocol.ErrorCodeInternalError, protocol.ErrorCodeInvalidMessage} {
		t.Run(code, func(t *testing.T) {
			f := newFixture(t)
			f.reg.RequestStart(domain.JobSpec{Portfolio: "p.xml", NumberRuns: 10})

			f.reg.OnInboundMessage(protocol.Inbound{Kind: protocol.KindError, Code: code})
			assert.Equal(t, 0, f.reg.Outstanding())
			assert.Equal(t, []domain.EventType{domain.EventTypeRunRejected}, f.events.Types())
		})
	}
}

func TestCancelErrorKeepsOutstanding(t *testing.T) {
	f := newFixture(t)
	f.reg.RequestStart(domain.JobSpec{Portfolio: "p.xml", NumberRuns: 10})

	f.reg.OnInboundMessage(protocol.Inbound{Kind: protocol.KindError, Code: protocol.ErrorCodeUnknownRun, Reason: "unknown run run_1"})
	assert.Equal(t, 1, f.reg.Outstanding())
	assert.Empty(t, f.events.Events())
}

func TestResultDropsOutOfRangePercentiles(t *testing.T) {
	f := newFixture(t)
	f.reg.OnInboundMessage(started("r1"))

	f.reg.OnInboundMessage(result("r1", domain.PercentileMap{0.5: 1.5, 0.99: 9.1, 1.5: 3, -0.1: 2, 95: 7}))

	events := f.events.Events()
	completed := events[len(events)-1]
	require.Equal(t, domain.EventTypeRunCompleted, completed.Type)
	assert.Equal(t, domain.PercentileMap{0.5: 1.5, 0.99: 9.1}, completed.Percentiles)
	assert.Contains(t, f.logs.String(), "dropping out of range percentile")
}

package collab

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wyn/collab/internal/domain"
	"github.com/wyn/collab/internal/protocol"
)

// FailingPortfolioSuffix marks portfolios the simulator fails half way, so
// clients can exercise the failure path.
const FailingPortfolioSuffix = ".invalid"

// ErrSimulatorStopped is returned by Start after Stop.
var ErrSimulatorStopped = errors.New("simulator stopped")

// RunInfo describes a run in progress.
type RunInfo struct {
	RunID      string    `json:"run_id"`
	ConnID     string    `json:"conn_id"`
	Identity   string    `json:"identity"`
	Portfolio  string    `json:"portfolio"`
	NumberRuns int       `json:"number_runs"`
	Percent    int       `json:"percent"`
	StartedAt  time.Time `json:"started_at"`
}

type simRun struct {
	info      RunInfo
	conn      *Connection
	cancel    context.CancelFunc
	requested bool // cancelled by the client
}

// Simulator executes runs for connected harnesses and reports progress and
// results back over the hub.
type Simulator struct {
	hub      *Hub
	interval time.Duration
	step     int
	samples  int
	log      *slog.Logger

	mu      sync.Mutex
	runs    map[string]*simRun
	stopped bool
	wg      sync.WaitGroup
}

// NewSimulator creates a simulator that advances each run by step percent
// every interval and samples at most samples losses per result.
func NewSimulator(h *Hub, interval time.Duration, step, samples int) *Simulator {
	return &Simulator{
		hub:      h,
		interval: interval,
		step:     step,
		samples:  samples,
		log:      h.log,
		runs:     make(map[string]*simRun),
	}
}

// Start begins a run for conn and returns its id. It fails with
// ErrSimulatorStopped once Stop has been called.
func (s *Simulator) Start(conn *Connection, job domain.JobSpec) (string, error) {
	runID := "run_" + uuid.New().String()[:8]
	ctx, cancel := context.WithCancel(context.Background())

	run := &simRun{
		info: RunInfo{
			RunID:      runID,
			ConnID:     conn.ID,
			Identity:   conn.GetIdentity(),
			Portfolio:  job.Portfolio,
			NumberRuns: job.NumberRuns,
			StartedAt:  time.Now(),
		},
		conn:   conn,
		cancel: cancel,
	}

	// wg.Add happens under mu so Stop never waits before a late Start registers.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return "", ErrSimulatorStopped
	}
	s.runs[runID] = run
	s.wg.Add(1)
	s.mu.Unlock()

	s.send(conn, protocol.StartedMessage{BaseMessage: s.base(protocol.TypeStarted, runID)})
	s.log.Info("run started", "run_id", runID, "portfolio", job.Portfolio, "number_runs", job.NumberRuns)

	go s.simulate(ctx, run, job)
	return runID, nil
}

// Cancel aborts a run owned by conn. It reports whether the run was found.
func (s *Simulator) Cancel(conn *Connection, runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.conn != conn {
		return false
	}
	run.requested = true
	run.cancel()
	return true
}

// Outstanding returns the number of runs owned by conn.
func (s *Simulator) Outstanding(conn *Connection) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, run := range s.runs {
		if run.conn == conn {
			n++
		}
	}
	return n
}

// StopConnection silently aborts every run owned by conn.
func (s *Simulator) StopConnection(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.conn == conn {
			run.cancel()
		}
	}
}

// Stop aborts every run and waits for the run goroutines to exit. Later
// calls to Start fail.
func (s *Simulator) Stop() {
	s.mu.Lock()
	s.stopped = true
	for _, run := range s.runs {
		run.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// List returns the runs in progress ordered by start time.
func (s *Simulator) List() []RunInfo {
	s.mu.Lock()
	out := make([]RunInfo, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run.info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (s *Simulator) simulate(ctx context.Context, run *simRun, job domain.JobSpec) {
	defer s.wg.Done()
	defer s.remove(run.info.RunID)

	runID := run.info.RunID
	failing := strings.HasSuffix(job.Portfolio, FailingPortfolioSuffix)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	percent := 0
	for percent < 100 {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			requested := run.requested
			s.mu.Unlock()
			if requested {
				s.send(run.conn, protocol.CancelledMessage{
					BaseMessage: s.base(protocol.TypeCancelled, runID),
					Reason:      "cancelled by request",
				})
				s.log.Info("run cancelled", "run_id", runID)
			}
			return

		case <-ticker.C:
			percent += s.step
			if percent > 100 {
				percent = 100
			}
			s.setPercent(runID, percent)

			if failing && percent >= 50 {
				s.send(run.conn, protocol.ErrorMessage{
					BaseMessage: s.base(protocol.TypeError, runID),
					Code:        protocol.ErrorCodeRunFailed,
					Message:     "portfolio could not be read: " + job.Portfolio,
				})
				s.log.Warn("run failed", "run_id", runID, "portfolio", job.Portfolio)
				return
			}
			if percent < 100 {
				s.send(run.conn, protocol.ProgressMessage{
					BaseMessage: s.base(protocol.TypeProgress, runID),
					Percent:     percent,
				})
			}
		}
	}

	samples := job.NumberRuns
	if s.samples > 0 && samples > s.samples {
		samples = s.samples
	}
	seed := uint64(time.Now().UnixNano())
	result := SimulateLosses(samples, rand.New(rand.NewPCG(seed, uint64(job.NumberRuns))))

	s.send(run.conn, protocol.ResultMessage{
		BaseMessage: s.base(protocol.TypeResult, runID),
		Percentiles: result.Sorted(),
	})
	s.log.Info("run finished", "run_id", runID, "elapsed", time.Since(run.info.StartedAt))
}

func (s *Simulator) setPercent(runID string, percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[runID]; ok {
		run.info.Percent = percent
	}
}

func (s *Simulator) remove(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

func (s *Simulator) send(conn *Connection, v interface{}) {
	if err := s.hub.SendJSON(conn, v); err != nil {
		s.log.Warn("failed to send to connection", "conn_id", conn.ID, "error", err)
	}
}

func (s *Simulator) base(typ, runID string) protocol.BaseMessage {
	return protocol.BaseMessage{Type: typ, Ts: time.Now().UnixMilli(), RunID: runID}
}

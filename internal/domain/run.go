package domain

import (
	"sort"
	"time"
)

// Run is one server-executed job, tracked from its start acknowledgement
// until it reaches a terminal state.
type Run struct {
	ID             string        `json:"run_id"`
	State          RunState      `json:"state"`
	StartedAt      time.Time     `json:"started_at"`
	LastProgress   int           `json:"last_progress"`
	LastProgressAt time.Time     `json:"last_progress_at"`
	Stalled        bool          `json:"stalled,omitempty"`
	Result         PercentileMap `json:"-"`
}

// Elapsed returns the time between the run's start and now.
func (r *Run) Elapsed(now time.Time) time.Duration {
	return now.Sub(r.StartedAt)
}

// PercentileMap maps a percentile in [0,1] to the result magnitude at it.
type PercentileMap map[float64]float64

// Percentile is a single (percentile, value) pair.
type Percentile struct {
	Percentile float64 `json:"percentile"`
	Value      float64 `json:"value"`
}

// Sorted returns the pairs in ascending percentile order.
func (m PercentileMap) Sorted() []Percentile {
	out := make([]Percentile, 0, len(m))
	for p, v := range m {
		out = append(out, Percentile{Percentile: p, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Percentile < out[j].Percentile })
	return out
}

// Clone returns an independent copy of the map.
func (m PercentileMap) Clone() PercentileMap {
	if m == nil {
		return nil
	}
	out := make(PercentileMap, len(m))
	for p, v := range m {
		out[p] = v
	}
	return out
}

// PercentileMapFrom builds a map from pairs; later duplicates win.
func PercentileMapFrom(pairs []Percentile) PercentileMap {
	out := make(PercentileMap, len(pairs))
	for _, p := range pairs {
		out[p.Percentile] = p.Value
	}
	return out
}

package domain

import "time"

// Event is a lifecycle notification emitted to the presentation layer.
// Only the fields relevant to Type are set.
type Event struct {
	Type        EventType          `json:"type"`
	Ts          time.Time          `json:"ts"`
	RunID       string             `json:"run_id,omitempty"`
	Percent     int                `json:"percent,omitempty"`
	Percentiles PercentileMap      `json:"-"`
	Elapsed     time.Duration      `json:"elapsed,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	ErrorKind   TransportErrorKind `json:"error_kind,omitempty"`
	Descriptor  *Descriptor        `json:"descriptor,omitempty"`
}

// ElapsedSeconds returns the elapsed time truncated to whole seconds.
func (e Event) ElapsedSeconds() int64 {
	return int64(e.Elapsed / time.Second)
}

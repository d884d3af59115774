// Package domain defines the core models of the collab run harness.
package domain

// RunState represents the lifecycle state of a run.
type RunState string

const (
	RunStatePending   RunState = "PENDING"
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateCancelled RunState = "CANCELLED"
	RunStateFailed    RunState = "FAILED"
)

// Terminal reports whether no transition exists out of the state.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateCancelled, RunStateFailed:
		return true
	}
	return false
}

// ConnectionState represents the state of the single transport connection.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "DISCONNECTED"
	ConnectionConnecting   ConnectionState = "CONNECTING"
	ConnectionConnected    ConnectionState = "CONNECTED"
)

// EventType represents the type of a lifecycle event handed to sinks.
type EventType string

const (
	EventTypeRunStarted   EventType = "run_started"
	EventTypeRunProgress  EventType = "run_progress"
	EventTypeRunCancelled EventType = "run_cancelled"
	EventTypeRunCompleted EventType = "run_completed"
	EventTypeRunFailed    EventType = "run_failed"
	EventTypeRunStalled   EventType = "run_stalled"
	EventTypeRunRejected  EventType = "run_rejected" // no run id: the start never produced a run

	// Connection events
	EventTypeConnected       EventType = "connected"
	EventTypeDisconnected    EventType = "disconnected"
	EventTypeConnectionError EventType = "connection_error"
)

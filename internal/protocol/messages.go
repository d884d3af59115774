// Package protocol defines the message contract between the harness and the
// collab service. Frames are JSON objects discriminated by "type".
package protocol

import (
	"encoding/json"

	"github.com/wyn/collab/internal/domain"
)

// Message types from harness to service
const (
	TypeHello         = "hello"
	TypeStartRequest  = "start_request"
	TypeCancelRequest = "cancel_request"
)

// Message types from service to harness
const (
	TypeHelloAck  = "hello_ack"
	TypeStarted   = "started"
	TypeProgress  = "progress"
	TypeCancelled = "cancelled"
	TypeResult    = "result"
	TypeError     = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// HelloMessage is sent by the harness to authenticate a new connection.
type HelloMessage struct {
	BaseMessage
	Identity   string            `json:"identity"`
	Credential string            `json:"credential,omitempty"`
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

// HelloAckMessage is sent by the service after a successful hello.
type HelloAckMessage struct {
	BaseMessage
	Identity string `json:"identity,omitempty"`
}

// JobPayload is the job description carried by a start request.
type JobPayload struct {
	Portfolio  string `json:"portfolio"`
	Output     string `json:"output,omitempty"`
	NumberRuns int    `json:"number_runs"`
	Label      string `json:"label,omitempty"`
}

// StartRequestMessage asks the service to begin a run.
type StartRequestMessage struct {
	BaseMessage
	Job JobPayload `json:"job"`
}

// CancelRequestMessage asks the service to abort run_id.
type CancelRequestMessage struct {
	BaseMessage
}

// StartedMessage acknowledges a start request with the assigned run_id.
type StartedMessage struct {
	BaseMessage
}

// ProgressMessage reports the completion percentage of run_id.
type ProgressMessage struct {
	BaseMessage
	Percent int `json:"percent"`
}

// CancelledMessage reports that run_id was aborted.
type CancelledMessage struct {
	BaseMessage
	Reason string `json:"reason,omitempty"`
}

// ResultMessage carries the final percentiles of run_id.
type ResultMessage struct {
	BaseMessage
	Percentiles []domain.Percentile `json:"percentiles"`
}

// ErrorMessage is sent by the service when an error occurs. When run_id is
// set the run has failed.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeHelloRequired  = "hello_required"
	ErrorCodeUnknownRun     = "unknown_run"
	ErrorCodeRunFailed      = "run_failed"
	ErrorCodeRunRejected    = "run_rejected"
	ErrorCodeInternalError  = "internal_error"
)

// Peek returns the type of a raw frame without decoding the rest.
func Peek(data []byte) (BaseMessage, error) {
	var base BaseMessage
	err := json.Unmarshal(data, &base)
	return base, err
}

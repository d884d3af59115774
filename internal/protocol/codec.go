package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wyn/collab/internal/domain"
)

// Kind is the structural kind of a decoded inbound message.
type Kind string

const (
	KindStarted   Kind = "started"
	KindProgress  Kind = "progress"
	KindCancelled Kind = "cancelled"
	KindResult    Kind = "result"
	KindFailed    Kind = "failed"
	KindError     Kind = "error"
)

// Inbound is a structurally decoded service message. It carries no
// interpretation beyond kind, run identifier and payload fields.
type Inbound struct {
	Kind        Kind
	RunID       string
	RequestID   string
	Percent     int
	Percentiles domain.PercentileMap
	Code        string
	Reason      string
	Ts          time.Time
}

// ErrUnknownType is returned by Decode for frames of an unexpected type.
var ErrUnknownType = errors.New("unknown message type")

// Decode parses an inbound frame.
func Decode(data []byte) (Inbound, error) {
	base, err := Peek(data)
	if err != nil {
		return Inbound{}, fmt.Errorf("invalid frame: %w", err)
	}

	in := Inbound{RunID: base.RunID, RequestID: base.RequestID}
	if base.Ts > 0 {
		in.Ts = time.UnixMilli(base.Ts)
	}

	switch base.Type {
	case TypeStarted:
		in.Kind = KindStarted
	case TypeProgress:
		var msg ProgressMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return Inbound{}, fmt.Errorf("invalid progress frame: %w", err)
		}
		in.Kind = KindProgress
		in.Percent = msg.Percent
	case TypeCancelled:
		var msg CancelledMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return Inbound{}, fmt.Errorf("invalid cancelled frame: %w", err)
		}
		in.Kind = KindCancelled
		in.Reason = msg.Reason
	case TypeResult:
		var msg ResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return Inbound{}, fmt.Errorf("invalid result frame: %w", err)
		}
		in.Kind = KindResult
		in.Percentiles = domain.PercentileMapFrom(msg.Percentiles)
	case TypeError:
		var msg ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return Inbound{}, fmt.Errorf("invalid error frame: %w", err)
		}
		in.Kind = KindError
		if msg.RunID != "" {
			in.Kind = KindFailed
		}
		in.Code = msg.Code
		in.Reason = msg.Message
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownType, base.Type)
	}

	if in.Kind != KindError && in.RunID == "" {
		return Inbound{}, fmt.Errorf("%s frame without run_id", base.Type)
	}
	return in, nil
}

// Outbound is a message the harness sends to the service.
type Outbound struct {
	Type  string
	RunID string
	Job   *domain.JobSpec
}

// StartRequest builds the outbound start message for job.
func StartRequest(job domain.JobSpec) Outbound {
	return Outbound{Type: TypeStartRequest, Job: &job}
}

// CancelRequest builds the outbound cancel message for a run.
func CancelRequest(runID string) Outbound {
	return Outbound{Type: TypeCancelRequest, RunID: runID}
}

// Encode renders an outbound message as a JSON frame.
func Encode(o Outbound, requestID string, now time.Time) ([]byte, error) {
	base := BaseMessage{Type: o.Type, Ts: now.UnixMilli(), RequestID: requestID, RunID: o.RunID}

	switch o.Type {
	case TypeStartRequest:
		if o.Job == nil {
			return nil, fmt.Errorf("start request without job")
		}
		return json.Marshal(StartRequestMessage{
			BaseMessage: base,
			Job: JobPayload{
				Portfolio:  o.Job.Portfolio,
				Output:     o.Job.Output,
				NumberRuns: o.Job.NumberRuns,
				Label:      o.Job.Label,
			},
		})
	case TypeCancelRequest:
		if o.RunID == "" {
			return nil, fmt.Errorf("cancel request without run_id")
		}
		return json.Marshal(CancelRequestMessage{BaseMessage: base})
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, o.Type)
}

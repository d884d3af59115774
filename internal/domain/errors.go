package domain

import (
	"errors"
	"fmt"
)

// TransportErrorKind classifies connection failures.
type TransportErrorKind string

const (
	SocketFailure       TransportErrorKind = "socket_failure"
	KeepAliveTimeout    TransportErrorKind = "keepalive_timeout"
	ProtocolStreamError TransportErrorKind = "protocol_stream_error"
)

// Describe returns the human readable label used in logs.
func (k TransportErrorKind) Describe() string {
	switch k {
	case SocketFailure:
		return "socket error"
	case KeepAliveTimeout:
		return "keep alive error"
	case ProtocolStreamError:
		return "xmpp stream error"
	}
	return "unknown"
}

// TransportError is a non-fatal connection failure.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport: " + e.Kind.Describe()
	}
	return fmt.Sprintf("transport: %s: %v", e.Kind.Describe(), e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TransportErrorKindOf extracts the kind from err, defaulting to SocketFailure.
func TransportErrorKindOf(err error) TransportErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return SocketFailure
}

// ViolationKind classifies inbound messages that break the run protocol.
type ViolationKind string

const (
	UnknownRunID   ViolationKind = "unknown_run_id"
	DuplicateStart ViolationKind = "duplicate_start"
)

// ProtocolViolation is logged and the offending message discarded; it never
// reaches the caller of a public operation.
type ProtocolViolation struct {
	Kind  ViolationKind
	RunID string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s (run %s)", e.Kind, e.RunID)
}

// RejectionKind classifies commands refused by the session policy.
type RejectionKind string

const (
	AlreadyConnecting RejectionKind = "already_connecting"
	AlreadyRunning    RejectionKind = "already_running"
)

// PolicyRejection is returned synchronously to the command issuer.
type PolicyRejection struct {
	Kind   RejectionKind
	Reason string
}

func (e *PolicyRejection) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("rejected: %s", e.Kind)
	}
	return fmt.Sprintf("rejected: %s: %s", e.Kind, e.Reason)
}

// Is matches any PolicyRejection of the same kind.
func (e *PolicyRejection) Is(target error) bool {
	t, ok := target.(*PolicyRejection)
	return ok && t.Kind == e.Kind
}

var (
	ErrAlreadyConnecting = &PolicyRejection{Kind: AlreadyConnecting}
	ErrAlreadyRunning    = &PolicyRejection{Kind: AlreadyRunning}

	// ErrCredentialsRequired is returned when a run needs a connection and
	// neither a stored descriptor nor a credential prompter is available.
	ErrCredentialsRequired = errors.New("connection credentials required")

	// ErrRegistrationCancelled is returned when the user dismisses the
	// credential prompt.
	ErrRegistrationCancelled = errors.New("registration cancelled")
)

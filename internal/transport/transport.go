// Package transport connects the harness to the collab service and turns the
// connection into a stream of normalized notifications.
package transport

import (
	"context"
	"errors"

	"github.com/wyn/collab/internal/domain"
	"github.com/wyn/collab/internal/protocol"
)

// NotificationKind identifies a transport notification.
type NotificationKind string

const (
	NotifyConnected       NotificationKind = "connected"
	NotifyDisconnected    NotificationKind = "disconnected"
	NotifyConnectionError NotificationKind = "connection_error"
	NotifyInbound         NotificationKind = "inbound"
)

// Notification is delivered for connection state changes and every decoded
// inbound message.
type Notification struct {
	Kind      NotificationKind
	ErrorKind domain.TransportErrorKind
	Err       error
	Message   protocol.Inbound
}

// Transport is the messaging connection used by the session controller.
// Connect while connected and Disconnect while disconnected are no-ops.
// NotifyDisconnected and NotifyConnectionError report connections lost
// without a call to Disconnect.
type Transport interface {
	Connect(ctx context.Context, d domain.Descriptor) error
	Disconnect(ctx context.Context) error
	Send(msg protocol.Outbound) error
	Connected() bool
	Notifications() <-chan Notification
}

var (
	// ErrNotConnected is returned by Send when there is no connection.
	ErrNotConnected = errors.New("transport not connected")

	// ErrBufferFull is returned by Send when the send buffer is full.
	ErrBufferFull = errors.New("send buffer full")

	// ErrConnectInProgress is returned when Connect is called concurrently.
	ErrConnectInProgress = errors.New("connect already in progress")
)

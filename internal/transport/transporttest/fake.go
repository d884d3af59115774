// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/wyn/collab/internal/domain"
	"github.com/wyn/collab/internal/protocol"
	"github.com/wyn/collab/internal/transport"
)

// Fake is a scriptable transport. Connect succeeds immediately unless
// ConnectFunc is set; inbound traffic is injected with Deliver.
type Fake struct {
	// ConnectFunc, when set, runs before the fake becomes connected. A non-nil
	// error fails the connect.
	ConnectFunc func(ctx context.Context, d domain.Descriptor) error

	notes chan transport.Notification

	mu          sync.Mutex
	connected   bool
	sendErr     error
	sent        []protocol.Outbound
	descriptors []domain.Descriptor
	disconnects int
}

var _ transport.Transport = (*Fake)(nil)

// New creates a disconnected fake.
func New() *Fake {
	return &Fake{notes: make(chan transport.Notification, 256)}
}

func (f *Fake) Connect(ctx context.Context, d domain.Descriptor) error {
	f.mu.Lock()
	if f.connected {
		f.mu.Unlock()
		return nil
	}
	f.descriptors = append(f.descriptors, d)
	fn := f.ConnectFunc
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, d); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.notes <- transport.Notification{Kind: transport.NotifyConnected}
	return nil
}

func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil
	}
	f.connected = false
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *Fake) Send(msg protocol.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Notifications() <-chan transport.Notification {
	return f.notes
}

// Deliver injects an inbound message.
func (f *Fake) Deliver(msg protocol.Inbound) {
	f.notes <- transport.Notification{Kind: transport.NotifyInbound, Message: msg}
}

// Drop simulates the peer closing the connection.
func (f *Fake) Drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.notes <- transport.Notification{Kind: transport.NotifyDisconnected}
}

// Fail drops the connection with a transport error of the given kind.
func (f *Fake) Fail(kind domain.TransportErrorKind) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.notes <- transport.Notification{
		Kind:      transport.NotifyConnectionError,
		ErrorKind: kind,
		Err:       &domain.TransportError{Kind: kind, Err: errors.New("injected failure")},
	}
	f.notes <- transport.Notification{Kind: transport.NotifyDisconnected}
}

// SetSendError makes subsequent sends fail with err.
func (f *Fake) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Sent returns a copy of the messages accepted by Send.
func (f *Fake) Sent() []protocol.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Outbound(nil), f.sent...)
}

// Descriptors returns the descriptors passed to Connect.
func (f *Fake) Descriptors() []domain.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Descriptor(nil), f.descriptors...)
}

// Disconnects returns how many times an established connection was closed.
func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

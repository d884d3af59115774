package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wyn/collab/internal/config"
	"github.com/wyn/collab/internal/domain"
	"github.com/wyn/collab/internal/protocol"
)

// Options tunes the WebSocket transport.
type Options struct {
	Path             string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	MaxMessageSize   int64
	SendBuffer       int
	Logger           *slog.Logger
}

// OptionsFromConfig copies the transport settings out of cfg.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		Path:             cfg.WSPath,
		DialTimeout:      cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		WriteTimeout:     cfg.WriteTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		MaxMessageSize:   cfg.MaxMessageSize,
		SendBuffer:       cfg.SendBuffer,
		Logger:           logger,
	}
}

func (o *Options) setDefaults() {
	if o.Path == "" {
		o.Path = "/ws"
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 65536
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// WebSocket is a Transport speaking the collab protocol over a WebSocket.
type WebSocket struct {
	opts Options
	log  *slog.Logger

	notes  chan Notification
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	conn    *connection
	dialing bool
}

// connection is one established session with the service.
type connection struct {
	ws          *websocket.Conn
	send        chan []byte
	done        chan struct{} // closed to stop the write pump
	finished    chan struct{} // closed when the read pump has exited
	intentional atomic.Bool
	stopOnce    sync.Once
	wmu         sync.Mutex
}

// NewWebSocket creates a disconnected transport.
func NewWebSocket(opts Options) *WebSocket {
	opts.setDefaults()
	return &WebSocket{
		opts:   opts,
		log:    opts.Logger,
		notes:  make(chan Notification, 256),
		closed: make(chan struct{}),
	}
}

// Notifications returns the notification stream.
func (t *WebSocket) Notifications() <-chan Notification {
	return t.notes
}

// Connected reports whether a connection is established.
func (t *WebSocket) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Connect dials the service and performs the hello handshake.
func (t *WebSocket) Connect(ctx context.Context, d domain.Descriptor) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	if t.dialing {
		t.mu.Unlock()
		return ErrConnectInProgress
	}
	t.dialing = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.dialing = false
		t.mu.Unlock()
	}()

	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid descriptor: %w", err)
	}

	u := url.URL{Scheme: "ws", Host: d.Address(), Path: t.opts.Path}
	dialer := websocket.Dialer{HandshakeTimeout: t.opts.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return &domain.TransportError{Kind: domain.SocketFailure, Err: fmt.Errorf("dial %s: %w", u.String(), err)}
	}
	ws.SetReadLimit(t.opts.MaxMessageSize)

	if err := t.hello(ctx, ws, d); err != nil {
		ws.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	c := &connection{
		ws:       ws,
		send:     make(chan []byte, t.opts.SendBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()

	t.log.Info("connected", "host", d.Host, "port", d.Port, "jid", d.Identity)
	t.notify(Notification{Kind: NotifyConnected})

	go t.writePump(c)
	go t.readPump(c)
	return nil
}

// hello sends the hello frame and waits for hello_ack.
func (t *WebSocket) hello(ctx context.Context, ws *websocket.Conn, d domain.Descriptor) error {
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	deadline := time.Now().Add(t.opts.HandshakeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.SetReadDeadline(deadline)

	msg := protocol.HelloMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeHello,
			Ts:        time.Now().UnixMilli(),
			RequestID: newRequestID(),
		},
		Identity:   d.Identity,
		Credential: d.Credential,
		ClientMeta: map[string]string{"client": "collab-harness"},
	}
	if err := ws.WriteJSON(msg); err != nil {
		return &domain.TransportError{Kind: domain.SocketFailure, Err: fmt.Errorf("write hello: %w", err)}
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		return &domain.TransportError{Kind: classify(err), Err: fmt.Errorf("read hello_ack: %w", err)}
	}

	base, err := protocol.Peek(data)
	if err != nil {
		return &domain.TransportError{Kind: domain.ProtocolStreamError, Err: fmt.Errorf("unmarshal hello_ack: %w", err)}
	}
	if base.Type == protocol.TypeError {
		var errMsg protocol.ErrorMessage
		_ = json.Unmarshal(data, &errMsg)
		return &domain.TransportError{
			Kind: domain.ProtocolStreamError,
			Err:  fmt.Errorf("hello failed: %s - %s", errMsg.Code, errMsg.Message),
		}
	}
	if base.Type != protocol.TypeHelloAck {
		return &domain.TransportError{Kind: domain.ProtocolStreamError, Err: fmt.Errorf("expected hello_ack, got: %s", base.Type)}
	}

	_ = ws.SetWriteDeadline(time.Time{})
	return nil
}

// Disconnect closes the connection. It is best-effort on the wire and always
// leaves the transport disconnected. Only connections lost without Disconnect
// produce notifications.
func (t *WebSocket) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}

	c.intentional.Store(true)
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unregister")
	if err := c.write(websocket.CloseMessage, closeMsg, time.Now().Add(t.opts.WriteTimeout)); err != nil {
		t.log.Debug("failed to send close frame", "error", err)
	}
	c.stop()

	select {
	case <-c.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues msg for the write pump. It never blocks.
func (t *WebSocket) Send(msg protocol.Outbound) error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(msg, newRequestID(), time.Now())
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close disconnects and stops delivering notifications.
func (t *WebSocket) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.WriteTimeout)
	defer cancel()
	err := t.Disconnect(ctx)
	t.once.Do(func() { close(t.closed) })
	return err
}

// readPump reads frames until the connection fails or is closed.
func (t *WebSocket) readPump(c *connection) {
	var readErr error
	defer func() {
		t.drop(c, readErr)
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))

		msg, err := protocol.Decode(data)
		if err != nil {
			t.log.Warn("discarding malformed frame", "error", err)
			continue
		}
		t.notify(Notification{Kind: NotifyInbound, Message: msg})
	}
}

// writePump writes queued frames and keep-alive pings.
func (t *WebSocket) writePump(c *connection) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data, time.Now().Add(t.opts.WriteTimeout)); err != nil {
				t.log.Error("failed to write message", "error", err)
				c.stop()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteTimeout)); err != nil {
				t.log.Error("failed to write ping", "error", err)
				c.stop()
				return
			}
		}
	}
}

// drop tears down c after its read pump exits and reports the outcome.
func (t *WebSocket) drop(c *connection, err error) {
	t.mu.Lock()
	if t.conn == c {
		t.conn = nil
	}
	t.mu.Unlock()
	c.stop()

	defer close(c.finished)

	if c.intentional.Load() {
		t.log.Info("disconnected")
		return
	}
	if kind := classify(err); kind != "" {
		t.log.Error("connection lost", "kind", kind, "error", err)
		t.notify(Notification{
			Kind:      NotifyConnectionError,
			ErrorKind: kind,
			Err:       &domain.TransportError{Kind: kind, Err: err},
		})
	}
	t.log.Info("disconnected by peer")
	t.notify(Notification{Kind: NotifyDisconnected})
}

func (t *WebSocket) notify(n Notification) {
	select {
	case t.notes <- n:
	case <-t.closed:
	}
}

func (c *connection) write(messageType int, data []byte, deadline time.Time) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(messageType, data)
}

func (c *connection) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// classify maps a read error to a transport error kind. A normal close by the
// peer is not an error and yields "".
func classify(err error) domain.TransportErrorKind {
	if err == nil {
		return ""
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ""
	}
	if websocket.IsCloseError(err,
		websocket.CloseProtocolError,
		websocket.CloseUnsupportedData,
		websocket.CloseInvalidFramePayloadData,
		websocket.ClosePolicyViolation,
		websocket.CloseMessageTooBig,
	) || errors.Is(err, websocket.ErrReadLimit) {
		return domain.ProtocolStreamError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.KeepAliveTimeout
	}
	return domain.SocketFailure
}

func newRequestID() string {
	return "req_" + uuid.New().String()[:8]
}

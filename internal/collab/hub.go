package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")

// ErrConnectionClosed is returned when sending to an unregistered connection.
var ErrConnectionClosed = errors.New("connection closed")

// Connection is a single harness WebSocket connection.
type Connection struct {
	ID       string
	Identity string
	Conn     *websocket.Conn
	Send     chan []byte

	mu     sync.Mutex // guards closed and Send
	wmu    sync.Mutex // serializes writes on Conn
	closed bool
}

// Hub tracks connections and the identity bound to each.
type Hub struct {
	log *slog.Logger

	connections map[string]*Connection

	register   chan *Connection
	unregister chan *Connection
	done       chan struct{}

	// onUnregister runs on the hub goroutine after a connection is removed.
	onUnregister func(conn *Connection)

	mu sync.RWMutex
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		log:         logger,
		connections: make(map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		done:        make(chan struct{}),
	}
}

// Run processes registrations until ctx is cancelled, then closes every
// remaining connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, conn := range h.connections {
				conn.close()
				conn.Conn.Close()
				delete(h.connections, id)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			h.log.Info("connection registered", "conn_id", conn.ID)

		case conn := <-h.unregister:
			h.mu.Lock()
			_, ok := h.connections[conn.ID]
			if ok {
				delete(h.connections, conn.ID)
				conn.close()
			}
			h.mu.Unlock()
			if ok {
				h.log.Info("connection unregistered", "conn_id", conn.ID, "identity", conn.GetIdentity())
				if h.onUnregister != nil {
					h.onUnregister(conn)
				}
			}
		}
	}
}

// NewConnection wraps ws in an unregistered connection.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, 256),
	}
}

// Register adds conn to the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister removes conn from the hub and closes its send channel.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// BindIdentity records the identity authenticated on conn.
func (h *Hub) BindIdentity(conn *Connection, identity string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.Identity = identity
}

// SendJSON marshals v and queues it on conn. A full buffer closes the
// connection.
func (h *Hub) SendJSON(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	err = conn.send(data)
	if errors.Is(err, ErrBufferFull) {
		h.log.Warn("connection buffer full, closing", "conn_id", conn.ID)
		go h.Unregister(conn)
	}
	return err
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// IdentityCount returns the number of distinct authenticated identities.
func (h *Hub) IdentityCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]bool)
	for _, conn := range h.connections {
		if id := conn.GetIdentity(); id != "" {
			seen[id] = true
		}
	}
	return len(seen)
}

// GetIdentity returns the identity bound by hello, or "".
func (c *Connection) GetIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Identity
}

func (c *Connection) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte, deadline time.Time) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.Conn.SetWriteDeadline(deadline)
	return c.Conn.WriteMessage(messageType, data)
}

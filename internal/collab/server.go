// Package collab implements a simulated collaboration service. It accepts
// harness connections over WebSocket, runs jobs on a loss simulator and
// reports progress and percentile results.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/wyn/collab/internal/config"
	"github.com/wyn/collab/internal/domain"
	"github.com/wyn/collab/internal/policy"
	"github.com/wyn/collab/internal/protocol"
)

// Server is the collab service: WebSocket endpoint plus HTTP status routes.
type Server struct {
	cfg       *config.Config
	log       *slog.Logger
	hub       *Hub
	sim       *Simulator
	admission *policy.Engine
	users     map[string]string
	upgrader  websocket.Upgrader
	echo      *echo.Echo

	stop context.CancelFunc
}

// NewServer creates the service and starts its hub. admission may be nil, in
// which case every job is accepted.
func NewServer(cfg *config.Config, admission *policy.Engine, logger *slog.Logger) *Server {
	h := NewHub(logger)
	s := &Server{
		cfg:       cfg,
		log:       logger,
		hub:       h,
		sim:       NewSimulator(h, cfg.ProgressInterval, cfg.ProgressStep, cfg.Samples),
		admission: admission,
		users:     cfg.Credentials(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	h.onUnregister = s.sim.StopConnection

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	e.GET(cfg.WSPath, s.HandleWebSocket)
	e.GET("/health", s.handleHealth)
	e.GET("/runs", s.handleRuns)
	s.echo = e

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go h.Run(ctx)

	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests, aborts runs and closes connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.sim.Stop()
	s.stop()
	return err
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Error("failed to upgrade websocket", "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Conn.Close()
	}()

	_ = conn.Conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.Conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket error", "conn_id", conn.ID, "error", err)
			}
			return
		}
		_ = conn.Conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if !ok {
				// Hub closed the channel
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{}, deadline)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message, deadline); err != nil {
				s.log.Warn("failed to write message", "conn_id", conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *Connection, data []byte) {
	base, err := protocol.Peek(data)
	if err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	if base.Type != protocol.TypeHello && conn.GetIdentity() == "" {
		s.sendError(conn, "", protocol.ErrorCodeHelloRequired, "must send hello first")
		return
	}

	switch base.Type {
	case protocol.TypeHello:
		s.handleHello(conn, data)
	case protocol.TypeStartRequest:
		s.handleStartRequest(conn, data)
	case protocol.TypeCancelRequest:
		s.handleCancelRequest(conn, base)
	default:
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "unknown message type: "+base.Type)
	}
}

// handleHello authenticates the connection.
func (s *Server) handleHello(conn *Connection, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Identity == "" {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid hello message")
		return
	}

	if len(s.users) > 0 {
		if credential, ok := s.users[msg.Identity]; !ok || credential != msg.Credential {
			s.log.Warn("hello rejected", "conn_id", conn.ID, "identity", msg.Identity)
			s.sendError(conn, "", protocol.ErrorCodeUnauthorized, "invalid identity or credential")
			return
		}
	}

	s.hub.BindIdentity(conn, msg.Identity)

	ack := protocol.HelloAckMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeHelloAck,
			Ts:        time.Now().UnixMilli(),
			RequestID: msg.RequestID,
		},
		Identity: msg.Identity,
	}
	_ = s.hub.SendJSON(conn, ack)

	s.log.Info("hello handshake completed", "conn_id", conn.ID, "identity", msg.Identity)
}

// handleStartRequest admits and starts a run.
func (s *Server) handleStartRequest(conn *Connection, data []byte) {
	var msg protocol.StartRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid start_request message")
		return
	}

	job := domain.JobSpec{
		Portfolio:  msg.Job.Portfolio,
		Output:     msg.Job.Output,
		NumberRuns: msg.Job.NumberRuns,
		Label:      msg.Job.Label,
	}
	if err := job.Validate(); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeRunRejected, err.Error())
		return
	}

	if s.admission != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.admission.Admit(ctx, s.sim.Outstanding(conn), job)
		cancel()
		if err != nil {
			var rejection *domain.PolicyRejection
			if !errors.As(err, &rejection) && !errors.Is(err, policy.ErrTooManyRuns) {
				s.log.Error("admission failed", "error", err)
				s.sendError(conn, "", protocol.ErrorCodeInternalError, "admission failed")
				return
			}
			s.sendError(conn, "", protocol.ErrorCodeRunRejected, err.Error())
			return
		}
	}

	if _, err := s.sim.Start(conn, job); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInternalError, "service is shutting down")
	}
}

// handleCancelRequest aborts a run owned by the connection.
func (s *Server) handleCancelRequest(conn *Connection, base protocol.BaseMessage) {
	if base.RunID == "" {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "run_id is required")
		return
	}
	if !s.sim.Cancel(conn, base.RunID) {
		// Not a run failure: the error is sent without run_id.
		s.sendError(conn, "", protocol.ErrorCodeUnknownRun, fmt.Sprintf("unknown run %s", base.RunID))
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *Connection, runID, code, message string) {
	errMsg := protocol.ErrorMessage{
		BaseMessage: protocol.BaseMessage{
			Type:  protocol.TypeError,
			Ts:    time.Now().UnixMilli(),
			RunID: runID,
		},
		Code:    code,
		Message: message,
	}
	_ = s.hub.SendJSON(conn, errMsg)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": s.hub.ConnectionCount(),
		"identities":  s.hub.IdentityCount(),
		"runs":        len(s.sim.List()),
	})
}

// handleRuns lists the runs in progress.
func (s *Server) handleRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs": s.sim.List(),
	})
}

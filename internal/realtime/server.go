package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"copilot-relay/internal/protocol"
	"copilot-relay/internal/relay"
	"copilot-relay/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Runner executes one invocation, forwarding its events to sink.
type Runner interface {
	Run(ctx context.Context, inv *relay.Invocation, sink relay.Sink)
}

// Server accepts WebSocket clients and relays their prompts to the
// assistant executable.
type Server struct {
	sessionMgr *session.Manager
	runner     Runner
	staticDir  string
	logger     *zap.Logger
}

type client struct {
	conn   *websocket.Conn
	sess   *session.Session
	server *Server
	logger *zap.Logger
}

// New creates a new realtime server.
func New(sessionMgr *session.Manager, runner Runner, staticDir string, logger *zap.Logger) *Server {
	return &Server{
		sessionMgr: sessionMgr,
		runner:     runner,
		staticDir:  staticDir,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Diagnostics.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("DELETE /sessions/{id}/invocation", s.handleCancelInvocation)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionMgr.Open(r.RemoteAddr)
	if err != nil {
		s.logger.Warn("rejecting websocket client", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		s.sessionMgr.Close(sess.ID)
		return
	}

	c := &client{
		conn:   conn,
		sess:   sess,
		server: s,
		logger: s.logger.With(zap.String("session", sess.ID), zap.String("remote", r.RemoteAddr)),
	}
	c.logger.Info("client connected")

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.sessionMgr.Close(c.sess.ID)
		c.conn.Close()
		c.logger.Info("client disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		c.handleMessage(message)
	}
}

// writePump writes queued session events to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.sess.Outbox():
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.sess.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage decodes one client frame. Malformed frames are logged
// and dropped; unknown types are ignored.
func (c *client) handleMessage(raw []byte) {
	msg, err := protocol.DecodeClientMessage(raw)
	if err != nil {
		c.logger.Warn("error parsing message", zap.Error(err))
		return
	}

	if !msg.IsInput() {
		c.logger.Debug("ignoring message", zap.String("type", msg.Type))
		return
	}

	c.startInvocation(msg.Data)
}

func (c *client) startInvocation(prompt string) {
	inv := relay.NewInvocation(prompt)

	ctx, err := c.sess.Begin(inv)
	if err != nil {
		if errors.Is(err, session.ErrSessionBusy) {
			c.logger.Info("rejecting prompt while busy")
			c.sess.Send(protocol.Error(protocol.BusyMessage))
		}
		return
	}

	go func() {
		defer c.sess.End(inv)
		c.server.runner.Run(ctx, inv, c.sess.For(inv))
	}()
}

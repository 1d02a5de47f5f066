// Package dashboard serves the review API and pushes live sync events to
// WebSocket clients.
//
// UI collaborators read the pending deletions, archive, sync log and retry
// queue through GET /api/state and drive the approval transitions through
// the POST routes. Every transition and every finished cycle is broadcast on
// /ws so open views refresh without polling.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeHello is sent to every client right after it connects
	MessageTypeHello MessageType = "hello"

	// MessageTypeSyncComplete indicates a sync cycle finished
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeDeletionsPending indicates deletions are waiting for approval
	MessageTypeDeletionsPending MessageType = "deletions_pending"

	// MessageTypeDeletionResolved indicates a pending deletion was approved,
	// kept or restored
	MessageTypeDeletionResolved MessageType = "deletion_resolved"

	// MessageTypeStateChanged indicates the log or queue was cleared
	MessageTypeStateChanged MessageType = "state_changed"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// hub is the set of connected WebSocket clients.
type hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

func (h *hub) add(c *websocket.Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
	return len(h.conns)
}

// remove reports whether c was still registered and the remaining count.
func (h *hub) remove(c *websocket.Conn) (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return false, len(h.conns)
	}
	delete(h.conns, c)
	return true, len(h.conns)
}

func (h *hub) snapshot() []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Server serves the review API and fans sync events out to WebSocket clients.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	mux      *http.ServeMux

	clients hub
	outbox  chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	loop   sync.Once

	logger *slog.Logger
}

// Config configures the dashboard server.
type Config struct {
	// Port to listen on. 0 picks a free port.
	Port int

	// Trigger requests an immediate sync cycle. Nil disables POST /api/sync.
	Trigger func()
}

func DefaultConfig() Config {
	return Config{Port: 8080}
}

// NewServer creates a dashboard server backed by api. If logger is nil,
// slog.Default() is used.
func NewServer(api API, config Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:    fmt.Sprintf(":%d", config.Port),
		clients: hub{conns: make(map[*websocket.Conn]struct{})},
		outbox:  make(chan Message, 100),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("component", "dashboard"),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	(&apiHandler{api: api, server: s, trigger: config.Trigger}).register(s.mux)
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	return s
}

// Handler returns the HTTP handler and starts the fan-out loop, for serving
// from an existing server or httptest.
func (s *Server) Handler() http.Handler {
	s.loop.Do(func() {
		s.wg.Add(1)
		go s.fanOut()
	})
	return s.mux
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard serve failed", "error", err)
		}
	}()
	return nil
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()
	for _, c := range s.clients.snapshot() {
		s.clients.remove(c)
		_ = c.Close(websocket.StatusGoingAway, "dashboard stopping")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down dashboard: %w", err)
		}
	}
	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return nil
}

// Broadcast queues msg for every client. Messages are dropped when the
// queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.outbox <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("dashboard queue full, dropping message", "type", msg.Type)
	}
}

// Publish marshals data and broadcasts it as a message of type t.
func (s *Server) Publish(t MessageType, data any) {
	msg := Message{Type: t, Timestamp: time.Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			s.logger.Error("failed to marshal message", "type", t, "error", err)
			return
		}
		msg.Data = raw
	}
	s.Broadcast(msg)
}

func (s *Server) fanOut() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.outbox:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			frame, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
				continue
			}
			for _, c := range s.clients.snapshot() {
				if err := s.send(c, frame); err != nil {
					s.logger.Debug("dropping client after failed write", "error", err)
					s.drop(c)
				}
			}
		}
	}
}

func (s *Server) send(c *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, frame)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	n := s.clients.add(c)
	s.logger.Debug("client connected", "clients", n)

	hello, _ := json.Marshal(Message{Type: MessageTypeHello, Timestamp: time.Now()})
	_ = s.send(c, hello)

	go func() {
		defer s.drop(c)
		// Client frames carry nothing; reading only detects the disconnect.
		for {
			if _, _, err := c.Read(s.ctx); err != nil {
				return
			}
		}
	}()
}

func (s *Server) drop(c *websocket.Conn) {
	ok, n := s.clients.remove(c)
	if !ok {
		return
	}
	_ = c.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", "clients", n)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>tasksync</title></head>
<body>
  <h1>tasksync dashboard</h1>
  <ul>
    <li>Events: <code>ws://%[1]s/ws</code></li>
    <li>State: <a href="/api/state">/api/state</a></li>
    <li>Health: <a href="/health">/health</a></li>
  </ul>
</body>
</html>`, r.Host)
}

// Addr returns the listening address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	return s.clients.len()
}

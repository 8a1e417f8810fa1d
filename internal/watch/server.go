// Package watch provides a real-time WebSocket feed of the local task cache.
//
// The feed pushes the full task list, with pending markers, after every
// cache commit, plus a summary after each reconciliation and drain pass, so
// a viewer always shows what the engine believes about each task.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vanishlist/vanish/internal/cache"
	"github.com/vanishlist/vanish/internal/engine"
	"github.com/vanishlist/vanish/internal/schema"
)

// MessageType defines the type of feed message
type MessageType string

const (
	// MessageTypeTasks carries the complete task list after a commit
	MessageTypeTasks MessageType = "tasks"

	// MessageTypeReconcile carries an engine.ReconcileResult
	MessageTypeReconcile MessageType = "reconcile"

	// MessageTypeDrain carries an engine.DrainResult
	MessageTypeDrain MessageType = "drain"
)

// Message represents a feed broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = "127.0.0.1:7878"

// writeTimeout bounds each write to one client.
const writeTimeout = 5 * time.Second

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: DefaultAddr); port 0 picks a free port
	Addr string

	// Logger for server activity (default: slog.Default())
	Logger *slog.Logger
}

// Server manages WebSocket connections and broadcasts feed messages.
// It is an engine.Observer.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	// latest is the last task list seen from the cache.
	latest   []schema.Task
	latestMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewServer creates a feed server. Call Start to listen.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      cfg.Addr,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		latest:    []schema.Task{},
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.Logger.With("component", "watch"),
	}
}

// Handler returns the feed's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start begins the HTTP server and the broadcast loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("watch server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("watch server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down watch server: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("watch server stopped")
	return nil
}

// Attach subscribes the server to the cache's task list. The returned func
// detaches it.
func (s *Server) Attach(db *cache.DB) (detach func()) {
	return db.Subscribe(s.publishTasks)
}

func (s *Server) publishTasks(tasks []schema.Task) {
	s.latestMu.Lock()
	s.latest = slices.Clone(tasks)
	s.latestMu.Unlock()
	s.send(MessageTypeTasks, tasks)
}

// Reconciled implements engine.Observer.
func (s *Server) Reconciled(res engine.ReconcileResult) {
	s.send(MessageTypeReconcile, res)
}

// Drained implements engine.Observer.
func (s *Server) Drained(res engine.DrainResult) {
	s.send(MessageTypeDrain, res)
}

func (s *Server) send(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal feed message", "type", typ, "error", err)
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}

// Broadcast queues a message for every connected client. Messages are
// dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast channel full, dropping message", "type", msg.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.logger.Debug("failed to send to client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// The current list goes out first; registering under the same lock
	// keeps broadcasts from overtaking it.
	welcome, err := json.Marshal(Message{
		Type:      MessageTypeTasks,
		Timestamp: time.Now(),
		Data:      s.latestJSON(),
	})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	s.clientsMu.Lock()
	if err := s.write(conn, welcome); err != nil {
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", "clients", clientCount)

	s.readLoop(conn)
}

// readLoop keeps the connection open until the client goes away.
// Client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", "clients", clientCount)
}

func (s *Server) latestJSON() json.RawMessage {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	data, err := json.Marshal(s.latest)
	if err != nil {
		return json.RawMessage("[]")
	}
	return data
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.latestJSON())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

var _ engine.Observer = (*Server)(nil)

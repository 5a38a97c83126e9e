// Package dashboard provides a local HTTP + WebSocket server that surfaces
// sync engine state to observers in real time.
//
// The server broadcasts a message after every sync cycle and serves a
// point-in-time status snapshot over plain HTTP. It is a development and
// support tool for the host application; the engine itself never depends on
// it.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cadenceapp/cadence-sync/internal/sync/engine"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeCycle is broadcast after every sync cycle.
	MessageTypeCycle MessageType = "cycle"

	// MessageTypeOutbox is broadcast when the outbox depth changes.
	MessageTypeOutbox MessageType = "outbox"

	// MessageTypeBlocked is broadcast when the write path blocks on
	// account-scope ambiguity.
	MessageTypeBlocked MessageType = "blocked"
)

// Message is one dashboard broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CycleData describes a finished sync cycle.
type CycleData struct {
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Pulled    int    `json:"pulled"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
}

// OutboxData carries the current queue depth.
type OutboxData struct {
	Depth int `json:"depth"`
}

// StatusProvider supplies the point-in-time state served on /status.
type StatusProvider interface {
	Status() engine.Status
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:7634)
	Addr string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults. The default bind is loopback
// only; the dashboard carries account data and must not face the network.
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:7634",
		Logger: log.Default(),
	}
}

// Server manages WebSocket connections and broadcasts sync events.
type Server struct {
	addr     string
	status   StatusProvider
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server. status may be nil, in which case
// /status reports only connectivity.
func NewServer(status StatusProvider, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      config.Addr,
		status:    status,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Dashboard server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("dashboard shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// PublishCycle broadcasts the outcome of a sync cycle. Wire it to
// engine.OnCycle.
func (s *Server) PublishCycle(status engine.Status) {
	data, err := json.Marshal(CycleData{
		State:     string(status.State),
		Reason:    status.Reason,
		Pulled:    status.Pulled,
		Processed: status.Processed,
		Failed:    status.Failed,
	})
	if err != nil {
		s.logger.Printf("Failed to encode cycle data: %v", err)
		return
	}

	s.Broadcast(Message{Type: MessageTypeCycle, Data: data})
	if status.State == engine.StateBlocked {
		s.Broadcast(Message{Type: MessageTypeBlocked, Data: data})
	}
}

// PublishOutboxDepth broadcasts the current outbox queue depth.
func (s *Server) PublishOutboxDepth(depth int) {
	data, _ := json.Marshal(OutboxData{Depth: depth})
	s.Broadcast(Message{Type: MessageTypeOutbox, Data: data})
}

// Broadcast sends a message to all connected clients.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop fans messages out to every connected client.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client can't stall
			// registration.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Dashboard client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and notices client disconnects.
// Client messages are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Dashboard client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleStatus serves the most recent sync cycle outcome.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.status == nil {
		_ = json.NewEncoder(w).Encode(map[string]any{"state": "unknown"})
		return
	}

	st := s.status.Status()
	out := map[string]any{
		"state":     string(st.State),
		"pulled":    st.Pulled,
		"processed": st.Processed,
		"failed":    st.Failed,
	}
	if st.Reason != "" {
		out["reason"] = st.Reason
	}
	if !st.CompletedAt.IsZero() {
		out["completedAt"] = st.CompletedAt.Format(time.RFC3339)
	}
	_ = json.NewEncoder(w).Encode(out)
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clientCount,
	})
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

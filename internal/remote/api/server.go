// Package api serves a remote.Store over HTTP.
//
// Row operations are JSON POSTs under /v1/{table}/. The real-time feed is a
// websocket at /v1/{table}/feed?owner=ID that streams remote.Event frames
// for that owner's rows until either side disconnects.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mschirtzinger/todosync/internal/remote"
)

const maxBodyBytes = 1 << 20

// Server exposes a remote.Store over HTTP and websocket.
type Server struct {
	store    remote.Store
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	wg     sync.WaitGroup
	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8787)
	Addr string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:8787",
		Logger: log.Default(),
	}
}

// NewServer creates a server in front of store.
func NewServer(store remote.Store, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	return &Server{
		store:   store,
		addr:    config.Addr,
		clients: make(map[*websocket.Conn]bool),
		logger:  config.Logger,
	}
}

// Handler returns the route table. It is what Start serves and what tests
// mount on httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/{table}/select", s.handleSelect)
	mux.HandleFunc("POST /v1/{table}/insert", s.handleInsert)
	mux.HandleFunc("POST /v1/{table}/update", s.handleUpdate)
	mux.HandleFunc("POST /v1/{table}/delete", s.handleDelete)
	mux.HandleFunc("GET /v1/{table}/feed", s.handleFeed)
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("API server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes feeds and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping API server")

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
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()

	s.logger.Println("API server stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of open feeds.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Subscribers: s.ClientCount()})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if !s.decode(w, r, &req) {
		return
	}
	rows, err := s.store.Select(r.Context(), r.PathValue("table"), req.Filter, req.Order)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RowsResponse{Rows: rows})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req InsertRequest
	if !s.decode(w, r, &req) {
		return
	}
	rows, err := s.store.Insert(r.Context(), r.PathValue("table"), req.Rows...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RowsResponse{Rows: rows})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	rows, err := s.store.Update(r.Context(), r.PathValue("table"), req.Patch, req.Filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RowsResponse{Rows: rows})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.store.Delete(r.Context(), r.PathValue("table"), req.Filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Affected: n})
}

// handleFeed upgrades to a websocket and streams the owner's change events.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	filter := remote.Filter{Owner: r.URL.Query().Get("owner")}
	if err := filter.Validate(); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// The client never sends data frames; CloseRead handles control frames
	// and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(context.Background())

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return wsjson.Write(wctx, conn, v)
	}

	// Events wait for the ready frame so it is always first on the wire.
	ready := make(chan struct{})
	sub, err := s.store.Subscribe(ctx, table, filter, func(e remote.Event) {
		select {
		case <-ready:
		case <-ctx.Done():
			return
		}
		if err := send(e); err != nil {
			s.logger.Printf("Failed to send to client: %v", err)
			s.removeClient(conn)
		}
	})
	if err != nil {
		var re *remote.Error
		reason := err.Error()
		if errors.As(err, &re) {
			reason = re.Code
		}
		_ = conn.Close(websocket.StatusPolicyViolation, reason)
		return
	}
	defer s.store.Unsubscribe(sub)

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Feed opened for %s (total: %d)", filter.Owner, clientCount)

	if err := send(remote.Event{Type: FeedReady, Table: table, Timestamp: time.Now().UTC()}); err != nil {
		s.removeClient(conn)
		return
	}
	close(ready)

	<-ctx.Done()
	s.removeClient(conn)
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Feed closed (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, &remote.Error{
			Code:    remote.CodeInvalidRequest,
			Message: "invalid request body",
			Details: err.Error(),
		})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var re *remote.Error
	if !errors.As(err, &re) {
		s.logger.Printf("Internal error: %v", err)
		re = &remote.Error{Code: remote.CodeInternal, Message: "internal error", Details: err.Error()}
	}
	writeJSON(w, StatusFor(re.Code), re)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

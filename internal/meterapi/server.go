// Package meterapi exposes the joule meter over loopback HTTP.
// Other local processes query the bucket and withdraw joules through it.
package meterapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Daniele-Cangi/CryoFlux/internal/meter"
)

// Budget is the meter surface the server needs.
type Budget interface {
	Sample() meter.Snapshot
	Take(joules float64) error
}

// TakeRequest is the body of POST /v1/take.
type TakeRequest struct {
	Joules float64 `json:"joules"`
}

// TakeResponse reports the withdrawal outcome and remaining balance.
type TakeResponse struct {
	OK         bool    `json:"ok"`
	RemainingJ float64 `json:"remaining_j"`
	Error      string  `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Server provides the local metering API.
type Server struct {
	budget     Budget
	listen     string
	version    string
	limiter    *rate.Limiter
	httpServer *http.Server
	upgrader   websocket.Upgrader

	watchMu     sync.Mutex
	watchers    map[*websocket.Conn]struct{}
	watchPeriod time.Duration
}

// ServerConfig holds configuration for the metering server.
type ServerConfig struct {
	Listen    string // default 127.0.0.1:8787
	Version   string
	TakeRPS   float64 // withdrawal rate limit, requests per second
	TakeBurst int
}

// NewServer creates a metering server. Withdrawals are rate limited so a
// misbehaving client cannot spin the bucket lock.
func NewServer(cfg ServerConfig, budget Budget) *Server {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8787"
	}
	if cfg.TakeRPS <= 0 {
		cfg.TakeRPS = 10
	}
	if cfg.TakeBurst <= 0 {
		cfg.TakeBurst = 5
	}
	return &Server{
		budget:      budget,
		listen:      cfg.Listen,
		version:     cfg.Version,
		limiter:     rate.NewLimiter(rate.Limit(cfg.TakeRPS), cfg.TakeBurst),
		watchers:    make(map[*websocket.Conn]struct{}),
		watchPeriod: time.Second,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// Loopback-only service, no cross-origin browsers expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.listen
}

// Handler builds the route table. Split out so tests can drive the mux
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sample", s.handleSample)
	mux.HandleFunc("/v1/take", s.handleTake)
	mux.HandleFunc("/v1/watch", s.handleWatch)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins listening for HTTP requests.
// This method blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go s.broadcastLoop(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.closeWatchers()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// handleSample returns the current meter snapshot.
// GET /v1/sample
func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.budget.Sample())
}

// handleTake withdraws joules from the bucket.
// POST /v1/take {"joules": N}
func (s *Server) handleTake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		http.Error(w, "Too many withdrawal requests", http.StatusTooManyRequests)
		return
	}

	var req TakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	err := s.budget.Take(req.Joules)
	resp := TakeResponse{OK: err == nil, RemainingJ: s.budget.Sample().BucketJoules}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case err == nil:
		// fallthrough to encode below
	case errors.Is(err, meter.ErrInvalidWithdrawal):
		resp.Error = err.Error()
		w.WriteHeader(http.StatusBadRequest)
	case errors.Is(err, meter.ErrInsufficientBudget):
		// Shortfall is a normal outcome, reported in-band with ok:false.
		resp.Error = err.Error()
	default:
		resp.Error = err.Error()
		w.WriteHeader(http.StatusInternalServerError)
	}
	json.NewEncoder(w).Encode(resp)
}

// handleHealth returns a simple health check response.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok", Version: s.version})
}

// handleWatch upgrades to a WebSocket and streams meter snapshots.
// GET /v1/watch
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.watchMu.Lock()
	s.watchers[conn] = struct{}{}
	s.watchMu.Unlock()

	// Drain the client side so close frames are processed.
	go func() {
		defer s.dropWatcher(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) dropWatcher(conn *websocket.Conn) {
	s.watchMu.Lock()
	delete(s.watchers, conn)
	s.watchMu.Unlock()
	conn.Close()
}

// broadcastLoop pushes one snapshot per period to every watcher.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.watchPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.budget.Sample()
			payload, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			s.watchMu.Lock()
			for conn := range s.watchers {
				conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					delete(s.watchers, conn)
					conn.Close()
				}
			}
			s.watchMu.Unlock()
		}
	}
}

func (s *Server) closeWatchers() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for conn := range s.watchers {
		conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		conn.Close()
		delete(s.watchers, conn)
	}
}

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/znlabs/zn-vault-agent/pkg/log"
	"github.com/znlabs/zn-vault-agent/pkg/metrics"
)

// Server exposes the agent's health, readiness, and metrics endpoints.
type Server struct {
	mux    *http.ServeMux
	server *http.Server

	mu          sync.RWMutex
	startedAt   time.Time
	wsConnected bool
	lastSyncAt  time.Time
	version     string
}

// NewServer creates the health HTTP server.
func NewServer(version string) *Server {
	mux := http.NewServeMux()
	s := &Server{
		mux:       mux,
		startedAt: time.Now(),
		version:   version,
	}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/live", s.liveHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// SetWebSocketState records whether the event channel is open.
func (s *Server) SetWebSocketState(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wsConnected = connected
}

// SetLastSync records the completion time of the latest sync.
func (s *Server) SetLastSync(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSyncAt = t
}

// Start serves on addr until Stop is called. A failure to bind the port
// is reported but must not kill the daemon; the caller logs and runs on.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		logger := log.WithComponent("health")
		logger.Warn().Err(err).Msg("health server shutdown failed")
	}
}

// HealthResponse is the /health payload
type HealthResponse struct {
	Status             string    `json:"status"`
	Version            string    `json:"version,omitempty"`
	UptimeSeconds      int64     `json:"uptimeSeconds"`
	WebSocketConnected bool      `json:"websocketConnected"`
	LastSyncAt         time.Time `json:"lastSyncAt,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	resp := HealthResponse{
		Status:             "ok",
		Version:            s.version,
		UptimeSeconds:      int64(time.Since(s.startedAt).Seconds()),
		WebSocketConnected: s.wsConnected,
		LastSyncAt:         s.lastSyncAt,
		Timestamp:          time.Now(),
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.wsConnected
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "reason": "websocket disconnected"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// Package health serves the liveness, status and metrics endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"laughingfox/internal/metrics"
)

// Status is what /healthz reports.
type Status struct {
	State         string     `json:"state"`
	StateSince    *time.Time `json:"stateSince,omitempty"`
	Healthy       bool       `json:"healthy"`
	UptimeSeconds float64    `json:"uptimeSeconds"`
	StoredMsgs    int        `json:"storedMessages"`
	Commands      int        `json:"commands"`
	RecentFaults  int        `json:"recentFaults"`
	SendTokens    *int       `json:"sendTokens,omitempty"` // nil without a send limit
}

// StatusFunc reports the gateway's current status.
type StatusFunc func() Status

type ServerConfig struct {
	Host       string
	Port       int
	StatusFunc StatusFunc
	Logger     *slog.Logger
}

type Server struct {
	addr   string
	status StatusFunc
	logger *slog.Logger
	server *http.Server
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		addr:   net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		status: cfg.StatusFunc,
		logger: cfg.Logger,
	}
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler routes GET /, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", metrics.Collector.Handler())
	return mux
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("health endpoint started", "addr", s.addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func (s *Server) handleRoot(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "bot is up and running"})
}

func (s *Server) handleHealthz(rw http.ResponseWriter, _ *http.Request) {
	st := s.status()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(rw, code, st)
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(v)
}

// Package status serves the device's health, loop state and Prometheus
// metrics over HTTP. It is optional and read-only; nothing here can
// change what the control loop does.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/shakenotify/internal/buildinfo"
	"github.com/nugget/shakenotify/internal/link"
	"github.com/nugget/shakenotify/internal/notifier"
)

// LoopSource reports control loop state.
type LoopSource interface {
	Snapshot() notifier.Snapshot
}

// LinkSource reports link health.
type LinkSource interface {
	Status() link.Status
}

// Server is the status HTTP server.
type Server struct {
	addr     string
	loop     LoopSource
	link     LinkSource
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a status server listening on addr. A nil gatherer
// exposes the default Prometheus registry.
func NewServer(addr string, loop LoopSource, lnk LinkSource, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		loop:     loop,
		link:     lnk,
		gatherer: gatherer,
		logger:   logger,
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start listens and serves until ctx is cancelled, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting status server", "address", ln.Addr().String())
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ls := s.link.Status()
	status := "healthy"
	code := http.StatusOK
	if !ls.Connected {
		status = "link_down"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"loop":    s.loop.Snapshot(),
		"link":    s.link.Status(),
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().String(),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("status response encode failed", "error", err)
	}
}

package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the agent is healthy, with details rendered as JSON.
type HealthFunc func() (ok bool, details any)

type MetricsServer struct {
	server *http.Server
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewMetricsServer(addr string, gatherer prometheus.Gatherer, health HealthFunc, logger *slog.Logger) *MetricsServer {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", healthHandler(health, logger))

	if addr == "" {
		addr = "localhost:9090"
	}

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func healthHandler(health HealthFunc, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, details := true, any(nil)
		if health != nil {
			ok, details = health()
		}

		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		body := map[string]any{"ok": ok}
		if details != nil {
			body["details"] = details
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logger.Warn("failed to encode health response", "error", err)
		}
	}
}

// Start serves until Shutdown. It is meant to run in its own goroutine.
func (s *MetricsServer) Start() error {
	s.wg.Add(1)
	defer s.wg.Done()

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("metrics server started", "addr", ln.Addr().String())

	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}

// Handler exposes the routes for tests.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Package ops serves the operational HTTP endpoints: Prometheus metrics and
// liveness/readiness probes.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// checkTimeout bounds each readiness probe.
const checkTimeout = 5 * time.Second

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes /metrics, /live and /ready.
type Server struct {
	health  healthcheck.Handler
	mux     *http.ServeMux
	logger  *zap.Logger
	srv     *http.Server
	timeout time.Duration
}

// New creates an ops server. metrics may be nil to omit /metrics.
func New(metrics http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		health:  healthcheck.NewHandler(),
		mux:     http.NewServeMux(),
		logger:  logger.Named("ops"),
		timeout: checkTimeout,
	}

	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))

	s.mux.HandleFunc("/live", s.health.LiveEndpoint)
	s.mux.HandleFunc("/ready", s.health.ReadyEndpoint)
	if metrics != nil {
		s.mux.Handle("/metrics", metrics)
	}
	return s
}

// AddReadinessCheck registers p under name. The service is not ready while
// the ping fails.
func (s *Server) AddReadinessCheck(name string, p Pinger) {
	s.health.AddReadinessCheck(name, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		return p.Ping(ctx)
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve runs the server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("ops server shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("ops server listening", zap.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

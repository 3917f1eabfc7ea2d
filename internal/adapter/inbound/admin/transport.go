package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server runs the management API on its own listener, separate from the
// policy port.
type Server struct {
	handler       http.Handler
	addr          string
	logger        *slog.Logger
	registry      *prometheus.Registry
	metrics       *Metrics
	shutdownGrace time.Duration

	server *http.Server
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithListenAddr sets the listen address. Default is "127.0.0.1:5003".
func WithListenAddr(addr string) ServerOption {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetricsRegistry mounts GET /metrics serving the given registry. Start
// adds the Go and process collectors to it.
func WithMetricsRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithHTTPMetrics wraps the route tree in MetricsMiddleware recording into
// the given metrics.
func WithHTTPMetrics(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithServerShutdownGrace bounds how long shutdown waits for in-flight
// requests. Default is 5 seconds.
func WithServerShutdownGrace(d time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownGrace = d
	}
}

// NewServer creates a management API server around the given route tree,
// normally APIHandler.Routes().
func NewServer(handler http.Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler:       handler,
		addr:          "127.0.0.1:5003",
		logger:        slog.Default(),
		shutdownGrace: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the configured address and serves until the context is
// cancelled. A bind failure is fatal and returned immediately.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve answers requests from an existing listener until the context is
// cancelled. It blocks.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/", s.handler)
	if s.registry != nil {
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
			Registry: s.registry,
		}))
	}

	var handler http.Handler = mux
	if s.metrics != nil {
		handler = MetricsMiddleware(s.metrics)(handler)
	}

	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("management api listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down management api")
		return s.shutdown()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("management api: %w", err)
		}
		return nil
	}
}

// shutdown drains in-flight requests up to the grace period, then force
// closes. Hijacked websocket connections are not waited for; the hub closes
// those itself.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during management api shutdown", "error", err)
		if closeErr := s.server.Close(); closeErr != nil {
			return errors.Join(err, closeErr)
		}
		return err
	}
	s.logger.Info("management api shut down cleanly")
	return nil
}

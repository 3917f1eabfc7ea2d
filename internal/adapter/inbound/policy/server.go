// Package policy provides the MTA-facing TCP adapter: the listener Postfix
// delegates access decisions to via the check_policy_service protocol.
package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fluxkompensator/postfixer/internal/port/inbound"
	"github.com/fluxkompensator/postfixer/internal/service"
	"github.com/fluxkompensator/postfixer/pkg/postfix"
)

// acceptRetryDelay is the pause after a transient accept error before the
// loop retries.
const acceptRetryDelay = time.Second

// Server accepts policy connections and answers framed inquiries. Postfix
// holds connections open and sends many inquiries per connection; each
// connection gets its own goroutine and inquiries on one connection are
// answered in order.
type Server struct {
	decider       inbound.Decider
	addr          string
	logger        *slog.Logger
	stats         *service.StatsService
	gauge         prometheus.Gauge
	duration      prometheus.Observer
	shutdownGrace time.Duration

	listener net.Listener
	closing  chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:10040".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStats sets the stats sink for protocol-level counters (invalid
// inquiries never reach the pipeline, so the adapter records them).
func WithStats(stats *service.StatsService) Option {
	return func(s *Server) {
		s.stats = stats
	}
}

// WithConnectionGauge sets a gauge tracking currently open connections.
func WithConnectionGauge(g prometheus.Gauge) Option {
	return func(s *Server) {
		s.gauge = g
	}
}

// WithInquiryDuration sets an observer fed the wall-clock time spent
// deciding each valid inquiry.
func WithInquiryDuration(o prometheus.Observer) Option {
	return func(s *Server) {
		s.duration = o
	}
}

// WithShutdownGrace bounds how long shutdown waits for open connections
// before force-closing them. Default is 5 seconds.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownGrace = d
	}
}

// NewServer creates a policy server answering inquiries with the given
// decider.
func NewServer(decider inbound.Decider, opts ...Option) *Server {
	s := &Server{
		decider:       decider,
		addr:          "127.0.0.1:10040",
		logger:        slog.Default(),
		shutdownGrace: 5 * time.Second,
		closing:       make(chan struct{}),
		conns:         make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the configured address and serves until the context is
// cancelled or the listener fails. A bind failure is fatal and returned
// immediately.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve answers connections from an existing listener until the context is
// cancelled. It blocks; on cancellation it drains open connections up to
// the shutdown grace period.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.listener = ln
	s.logger.Info("policy server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.acceptLoop()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down policy server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// acceptLoop accepts until the listener closes. Transient accept errors are
// logged and retried after a short pause.
func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("accept failed, retrying", "error", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// shutdown closes the listener, waits for open connections up to the grace
// period, then force-closes whatever remains.
func (s *Server) shutdown() error {
	close(s.closing)
	s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.shutdownGrace):
		s.mu.Lock()
		remaining := len(s.conns)
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.logger.Warn("grace period elapsed, closed remaining connections", "count", remaining)
		<-done
	}

	s.logger.Info("policy server shutdown complete")
	return nil
}

// Close force-closes the listener without draining. Prefer cancelling the
// Serve context.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	if s.gauge != nil {
		s.gauge.Inc()
	}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	if s.gauge != nil {
		s.gauge.Dec()
	}
}

// handleConn reads framed inquiries off one connection until EOF or error.
// The buffer accumulates chunks; a frame is complete when the buffer ends
// with the blank-line terminator.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	logger := s.logger.With("remote_addr", conn.RemoteAddr().String())
	logger.Debug("connection established")

	var buf []byte
	chunk := make([]byte, 1024)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if bytes.HasSuffix(buf, []byte(postfix.FrameSuffix)) {
				if werr := s.answer(conn, string(buf), logger); werr != nil {
					logger.Debug("write failed, closing connection", "error", werr)
					return
				}
				buf = buf[:0]
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("connection closed by client")
			} else if !errors.Is(err, net.ErrClosed) {
				logger.Debug("read failed, closing connection", "error", err)
			}
			return
		}
	}
}

// answer parses one frame, decides, and writes the framed verdict. Frames
// that fail the validity gate are answered inline and never reach the
// pipeline; the connection stays open either way.
func (s *Server) answer(conn net.Conn, frame string, logger *slog.Logger) error {
	attrs := postfix.ParseAttributes(frame)
	if !attrs.IsAccessPolicy() {
		logger.Warn("invalid request, missing access policy attribute")
		if s.stats != nil {
			s.stats.RecordInvalid()
		}
		_, err := conn.Write(postfix.FormatResponse(postfix.VerdictInvalid))
		return err
	}

	start := time.Now()
	verdict := s.decider.Decide(context.Background(), attrs)
	if s.duration != nil {
		s.duration.Observe(time.Since(start).Seconds())
	}
	_, err := conn.Write(postfix.FormatResponse(verdict))
	return err
}

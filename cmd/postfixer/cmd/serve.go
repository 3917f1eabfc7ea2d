package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/fluxkompensator/postfixer/internal/adapter/inbound/admin"
	"github.com/fluxkompensator/postfixer/internal/adapter/inbound/policy"
	"github.com/fluxkompensator/postfixer/internal/adapter/inbound/ws"
	"github.com/fluxkompensator/postfixer/internal/adapter/outbound/memory"
	"github.com/fluxkompensator/postfixer/internal/adapter/outbound/sqlite"
	"github.com/fluxkompensator/postfixer/internal/config"
	"github.com/fluxkompensator/postfixer/internal/port/outbound"
	"github.com/fluxkompensator/postfixer/internal/service"
)

// recentCacheSize bounds the in-memory recent-inquiry buffer served by
// GET /api/data; entries also age out after an hour.
const recentCacheSize = 1000

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the policy and management servers",
	Long: `Start the Postfix policy server and the management API.

The policy server answers check_policy_service inquiries on the policy
port. The management API serves rule and rate limiter CRUD, decision
history, Prometheus metrics, and the websocket feed on the admin port.

Examples:
  # Start with config file settings
  postfixer serve

  # Override the policy listener
  postfixer serve --host 127.0.0.1 --port 10025

  # Start with a specific config file
  postfixer --config /etc/postfixer/postfixer.yaml serve`,
	RunE: runServe,
}

var (
	serveHost  string
	servePort  int
	serveStore string
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "policy server listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "policy server listen port (overrides config)")
	serveCmd.Flags().StringVar(&serveStore, "store", "", "SQLite database path (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if serveHost != "" {
		cfg.PolicyServer.Host = serveHost
	}
	if servePort != 0 {
		cfg.PolicyServer.Port = servePort
	}
	if serveStore != "" {
		cfg.Store.Path = serveStore
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "postfixer stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("postfixer stopped")
	return nil
}

// run wires stores, services, and servers together and blocks until the
// context is cancelled or a server fails. Teardown happens in reverse
// wiring order via the defers.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now().UTC()

	// Tracing first, so the pipeline's tracer resolves to a real provider.
	if cfg.Tracing.Enabled {
		shutdownTracing, err := initTracing(Version)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutCtx); err != nil {
				logger.Error("failed to shut down tracer provider", "error", err)
			}
		}()
		logger.Info("tracing enabled", "exporter", "stdout")
	}

	store, err := openStore(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	rules, err := service.NewRuleRegistry(ctx, store, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize rule registry: %w", err)
	}

	limiters, err := service.NewRateLimitService(ctx, store, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize rate limiters: %w", err)
	}

	stats := service.NewStatsService()

	// The hub outlives the emitter: Stop flushes buffered events into it.
	hub := ws.NewHub(logger, ws.WithAllowedOrigin(cfg.Admin.CORSOrigin))
	defer hub.Close()

	emitter := service.NewEmitterService(hub, logger,
		service.WithChannelSize(cfg.Emitter.QueueSize),
		service.WithSendTimeout(cfg.Emitter.SendTimeout),
	)
	emitter.Start(ctx)
	defer emitter.Stop()

	recent := service.NewRecentCache(recentCacheSize, time.Hour)
	pipeline := service.NewPipelineService(rules, limiters, store, emitter, stats, recent, logger)

	sweeper := service.NewRetentionService(store, cfg.Retention.InquiryTTL, cfg.Retention.SweepInterval, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// One registry feeds both servers: the admin transport exposes it at
	// /metrics, the policy server feeds the connection gauge and the
	// per-inquiry latency histogram.
	promReg := prometheus.NewRegistry()
	metrics := admin.NewMetrics(promReg)
	promReg.MustRegister(admin.NewStatsCollector(stats, rules, limiters, emitter))

	var ready atomic.Bool

	apiHandler := admin.NewAPIHandler(
		admin.WithRules(rules),
		admin.WithRateLimiters(limiters),
		admin.WithPipeline(pipeline),
		admin.WithStats(stats),
		admin.WithInquiryStore(store),
		admin.WithHub(hub),
		admin.WithReadiness(ready.Load),
		admin.WithAPIKeyHash(cfg.Admin.APIKeyHash),
		admin.WithCORSOrigin(cfg.Admin.CORSOrigin),
		admin.WithVersion(Version),
		admin.WithStartTime(startTime),
		admin.WithAPILogger(logger),
	)

	adminServer := admin.NewServer(apiHandler.Routes(),
		admin.WithListenAddr(cfg.Admin.Addr()),
		admin.WithServerLogger(logger),
		admin.WithMetricsRegistry(promReg),
		admin.WithHTTPMetrics(metrics),
	)

	policyServer := policy.NewServer(pipeline,
		policy.WithAddr(cfg.PolicyServer.Addr()),
		policy.WithLogger(logger),
		policy.WithStats(stats),
		policy.WithConnectionGauge(metrics.ActiveConnections),
		policy.WithInquiryDuration(metrics.InquiryDuration),
	)

	logger.Info("postfixer starting",
		"version", Version,
		"policy_addr", cfg.PolicyServer.Addr(),
		"admin_addr", cfg.Admin.Addr(),
		"store", cfg.Store.Path,
		"rules", len(rules.List()),
		"rate_limiters", len(limiters.List()),
		"api_key_auth", cfg.Admin.APIKeyHash != "",
	)

	// Both servers run until the context is cancelled; the first failure
	// tears the other one down.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- policyServer.Start(runCtx) }()
	go func() { errCh <- adminServer.Start(runCtx) }()

	ready.Store(true)

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			if firstErr == nil {
				firstErr = err
			}
			cancel()
		}
	}
	return firstErr
}

// openStore returns the configured store implementation. ":memory:" selects
// the in-process store; anything else is a SQLite database path.
func openStore(path string, logger *slog.Logger) (outbound.Store, error) {
	if path == ":memory:" {
		logger.Info("using in-memory store")
		return memory.NewStore(), nil
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	logger.Info("sqlite store opened", "path", path)
	return store, nil
}

// initTracing installs a stdout span exporter behind a batch processor as
// the global tracer provider and returns its shutdown function.
func initTracing(version string) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "postfixer"),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// pidFilePath resolves the PID file location: the --pid-file flag when
// given, otherwise postfixer.pid in the working directory.
func pidFilePath() string {
	if pidFile != "" {
		return pidFile
	}
	return "postfixer.pid"
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

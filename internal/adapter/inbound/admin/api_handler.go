// Package admin serves the management REST API: rule and rate limiter
// administration, inquiry history, runtime status, metrics and the
// websocket feed. It binds separately from the policy port.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fluxkompensator/postfixer/internal/port/outbound"
	"github.com/fluxkompensator/postfixer/internal/service"
)

// APIHandler holds the services the management routes operate on.
type APIHandler struct {
	rules      *service.RuleRegistry
	limiters   *service.RateLimitService
	pipeline   *service.PipelineService
	stats      *service.StatsService
	inquiries  outbound.InquiryStore
	hub        http.Handler
	ready      func() bool
	apiKeyHash string
	corsOrigin string
	version    string
	startTime  time.Time
	logger     *slog.Logger
}

// APIOption configures the APIHandler.
type APIOption func(*APIHandler)

// WithRules sets the rule registry backing the /api/rules routes.
func WithRules(rules *service.RuleRegistry) APIOption {
	return func(h *APIHandler) {
		h.rules = rules
	}
}

// WithRateLimiters sets the service backing the /api/rate_limiters routes.
func WithRateLimiters(limiters *service.RateLimitService) APIOption {
	return func(h *APIHandler) {
		h.limiters = limiters
	}
}

// WithPipeline sets the pipeline whose recent-inquiry cache feeds
// /api/data.
func WithPipeline(pipeline *service.PipelineService) APIOption {
	return func(h *APIHandler) {
		h.pipeline = pipeline
	}
}

// WithStats sets the stats service reported by /api/server_status.
func WithStats(stats *service.StatsService) APIOption {
	return func(h *APIHandler) {
		h.stats = stats
	}
}

// WithInquiryStore sets the store queried for historical inquiries.
func WithInquiryStore(store outbound.InquiryStore) APIOption {
	return func(h *APIHandler) {
		h.inquiries = store
	}
}

// WithHub mounts a websocket hub at GET /ws.
func WithHub(hub http.Handler) APIOption {
	return func(h *APIHandler) {
		h.hub = hub
	}
}

// WithReadiness sets the probe consulted by the initialization gate and
// /api/server_status. Defaults to always ready.
func WithReadiness(ready func() bool) APIOption {
	return func(h *APIHandler) {
		h.ready = ready
	}
}

// WithAPIKeyHash enables bearer-key authentication on mutating routes.
// The value is an argon2id hash produced by the hash-key command.
func WithAPIKeyHash(hash string) APIOption {
	return func(h *APIHandler) {
		h.apiKeyHash = hash
	}
}

// WithCORSOrigin sets the dashboard origin allowed on /api/ routes.
func WithCORSOrigin(origin string) APIOption {
	return func(h *APIHandler) {
		h.corsOrigin = origin
	}
}

// WithVersion sets the build version reported by /api/server_status.
func WithVersion(version string) APIOption {
	return func(h *APIHandler) {
		h.version = version
	}
}

// WithStartTime sets the process start time used for uptime reporting.
func WithStartTime(t time.Time) APIOption {
	return func(h *APIHandler) {
		h.startTime = t
	}
}

// WithAPILogger sets the logger.
func WithAPILogger(logger *slog.Logger) APIOption {
	return func(h *APIHandler) {
		h.logger = logger
	}
}

// NewAPIHandler creates an APIHandler with the given options.
func NewAPIHandler(opts ...APIOption) *APIHandler {
	h := &APIHandler{
		ready:     func() bool { return true },
		version:   "dev",
		startTime: time.Now(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the management route tree. /health stays outside the
// middleware chain so probes work during boot; everything under /api/ goes
// through CORS, the initialization gate and (when configured) key auth.
func (h *APIHandler) Routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/server_status", h.handleServerStatus)
	api.HandleFunc("GET /api/data", h.handleData)
	api.HandleFunc("GET /api/key_options", h.handleKeyOptions)
	api.HandleFunc("GET /api/rules", h.handleListRules)
	api.HandleFunc("POST /api/rules", h.handleCreateRule)
	api.HandleFunc("PUT /api/rules/{id}", h.handleUpdateRule)
	api.HandleFunc("DELETE /api/rules/{id}", h.handleDeleteRule)
	api.HandleFunc("PUT /api/rules/{id}/move", h.handleMoveRule)
	api.HandleFunc("GET /api/rate_limiters", h.handleListRateLimiters)
	api.HandleFunc("POST /api/rate_limiters", h.handleCreateRateLimiter)
	api.HandleFunc("PUT /api/rate_limiters/{id}", h.handleUpdateRateLimiter)
	api.HandleFunc("DELETE /api/rate_limiters/{id}", h.handleDeleteRateLimiter)
	api.HandleFunc("GET /api/top_rate_limit_counters", h.handleTopCounters)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	if h.hub != nil {
		mux.Handle("GET /ws", h.readinessMiddleware(h.hub))
	}
	mux.Handle("/api/", h.corsMiddleware(h.readinessMiddleware(h.apiKeyMiddleware(api))))
	return mux
}

func (h *APIHandler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *APIHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

func (h *APIHandler) readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// pathID parses the {id} path segment as a rule position.
func pathID(r *http.Request) (int, error) {
	return strconv.Atoi(r.PathValue("id"))
}

package admin

import "net/http"

// corsMiddleware stamps the configured dashboard origin on every /api/
// response and short-circuits OPTIONS preflights.
func (h *APIHandler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", h.corsOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// readinessMiddleware refuses requests until the boot sequence finishes.
// /api/server_status passes through so clients can poll for readiness.
func (h *APIHandler) readinessMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/server_status" && !h.ready() {
			h.respondError(w, http.StatusServiceUnavailable, "server is still initializing")
			return
		}
		next.ServeHTTP(w, r)
	})
}

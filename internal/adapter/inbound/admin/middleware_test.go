package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestAPIHandler_CORS(t *testing.T) {
	f := newAPIFixture(t, WithCORSOrigin("http://dashboard.example"))

	rec := f.do(t, http.MethodGet, "/api/rules", nil)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.example" {
		t.Errorf("Allow-Origin = %q, want the configured origin", got)
	}

	rec = f.do(t, http.MethodOptions, "/api/rules", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("OPTIONS preflight = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Error("preflight response has no Allow-Methods header")
	}

	bare := newAPIFixture(t)
	rec = bare.do(t, http.MethodGet, "/api/rules", nil)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q without a configured origin, want empty", got)
	}
}

func TestAPIHandler_ReadinessGate(t *testing.T) {
	var ready atomic.Bool
	f := newAPIFixture(t, WithReadiness(ready.Load))

	rec := f.do(t, http.MethodGet, "/api/rules", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /api/rules while initializing = %d, want 503", rec.Code)
	}
	var resp map[string]string
	decodeJSON(t, rec, &resp)
	if resp["error"] != "server is still initializing" {
		t.Errorf("error = %q, want initializing message", resp["error"])
	}

	// The probe routes stay reachable during boot.
	rec = f.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /health while initializing = %d, want 200", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/server_status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/server_status while initializing = %d, want 200", rec.Code)
	}
	var status struct {
		Status string `json:"status"`
	}
	decodeJSON(t, rec, &status)
	if status.Status != "initializing" {
		t.Errorf("status = %q, want initializing", status.Status)
	}

	ready.Store(true)
	rec = f.do(t, http.MethodGet, "/api/rules", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /api/rules after boot = %d, want 200", rec.Code)
	}
}

func TestAPIHandler_APIKeyAuth(t *testing.T) {
	hash, err := HashAPIKey("open sesame")
	if err != nil {
		t.Fatalf("HashAPIKey() error: %v", err)
	}
	f := newAPIFixture(t, WithAPIKeyHash(hash))

	send := func(authorization string) *httptest.ResponseRecorder {
		t.Helper()
		b, err := json.Marshal(validRuleBody("guarded"))
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/api/rules", bytes.NewReader(b))
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(""); rec.Code != http.StatusUnauthorized {
		t.Errorf("POST without key = %d, want 401", rec.Code)
	}
	if rec := send("Bearer wrong-key"); rec.Code != http.StatusUnauthorized {
		t.Errorf("POST with wrong key = %d, want 401", rec.Code)
	}
	if rec := send("open sesame"); rec.Code != http.StatusUnauthorized {
		t.Errorf("POST without Bearer prefix = %d, want 401", rec.Code)
	}
	if rec := send("Bearer open sesame"); rec.Code != http.StatusCreated {
		t.Errorf("POST with valid key = %d, want 201", rec.Code)
	}

	// Read-only routes stay open.
	rec := f.do(t, http.MethodGet, "/api/rules", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /api/rules without key = %d, want 200", rec.Code)
	}
}

func TestAPIHandler_APIKeyAuthMalformedHash(t *testing.T) {
	f := newAPIFixture(t, WithAPIKeyHash("not-a-phc-hash"))

	b, err := json.Marshal(validRuleBody("guarded"))
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/rules", bytes.NewReader(b))
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("POST against malformed stored hash = %d, want 401", rec.Code)
	}
}

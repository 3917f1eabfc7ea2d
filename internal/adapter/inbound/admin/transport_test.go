package admin

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/fluxkompensator/postfixer/internal/adapter/inbound/ws"
)

func TestServer_ServeLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newAPIFixture(t)
	defer f.stop()

	hub := ws.NewHub(testLogger())
	api := NewAPIHandler(
		WithRules(f.rules),
		WithRateLimiters(f.limiters),
		WithPipeline(f.pipeline),
		WithStats(f.stats),
		WithInquiryStore(f.store),
		WithHub(hub),
		WithAPILogger(testLogger()),
	)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	srv := NewServer(api.Routes(),
		WithServerLogger(testLogger()),
		WithMetricsRegistry(reg),
		WithHTTPMetrics(m),
		WithServerShutdownGrace(time.Second),
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	tr := &http.Transport{DisableKeepAlives: true}
	defer tr.CloseIdleConnections()
	client := &http.Client{Transport: tr, Timeout: 2 * time.Second}
	base := "http://" + ln.Addr().String()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := client.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read %s body: %v", path, err)
		}
		return resp.StatusCode, string(body)
	}

	if code, body := get("/health"); code != http.StatusOK || !strings.Contains(body, "healthy") {
		t.Errorf("GET /health = %d %q, want 200 healthy", code, body)
	}

	code, body := get("/metrics")
	if code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", code)
	}
	if !strings.Contains(body, "postfixer_active_connections") {
		t.Error("/metrics exposition is missing postfixer_active_connections")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("/metrics exposition is missing the Go collector")
	}

	if code, _ := get("/nope"); code != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", code)
	}

	// The websocket upgrade must pass through the metrics middleware intact.
	wsURL := "ws://" + ln.Addr().String() + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("upgrade status = %d, want 101", resp.StatusCode)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("close websocket: %v", err)
	}
	hub.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() returned %v, want nil on cancellation", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve() did not return after cancellation")
	}
}

func TestServer_BindFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv := NewServer(http.NotFoundHandler(),
		WithListenAddr(ln.Addr().String()),
		WithServerLogger(testLogger()),
	)
	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("Start() on an occupied port returned nil, want bind error")
	}
}

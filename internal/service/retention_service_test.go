package service

import (
	"context"
	"testing"
	"time"

	"github.com/fluxkompensator/postfixer/internal/adapter/outbound/memory"
	"github.com/fluxkompensator/postfixer/internal/domain/inquiry"
	"github.com/fluxkompensator/postfixer/internal/domain/ratelimit"
	"github.com/fluxkompensator/postfixer/internal/domain/rule"
	"github.com/fluxkompensator/postfixer/pkg/postfix"
	"go.uber.org/goleak"
)

func TestRetentionService_RunOnce(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	// RunOnce anchors at the wall clock, so fixtures are relative to it.
	now := time.Now().UTC()

	old := inquiry.Record{
		Timestamp:  now.Add(-48 * time.Hour),
		Attributes: postfix.Attributes{"sender": "old@x"},
		Verdict:    "DUNNO",
	}
	fresh := inquiry.Record{
		Timestamp:  now.Add(-time.Hour),
		Attributes: postfix.Attributes{"sender": "fresh@x"},
		Verdict:    "DUNNO",
	}
	for _, rec := range []*inquiry.Record{&old, &fresh} {
		if err := store.InsertInquiry(ctx, rec); err != nil {
			t.Fatalf("InsertInquiry failed: %v", err)
		}
	}

	limiter := ratelimit.Limiter{
		ID: "lim_1", Key: "client_ip", Value: "*", Match: rule.MatchWildcard, Limit: 5, Duration: 60,
	}
	if err := store.InsertRateLimiter(ctx, limiter); err != nil {
		t.Fatalf("InsertRateLimiter failed: %v", err)
	}
	// One live window, one long closed, one orphaned on a deleted limiter.
	if err := store.IncrementCounter(ctx, "lim_1", "client_ip", "1.1.1.1", now.Add(-time.Hour), now.Add(-time.Minute)); err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}
	if err := store.IncrementCounter(ctx, "lim_1", "client_ip", "2.2.2.2", now.Add(-4*time.Hour), now.Add(-3*time.Hour)); err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}
	if err := store.IncrementCounter(ctx, "lim_gone", "client_ip", "3.3.3.3", now.Add(-time.Hour), now.Add(-time.Minute)); err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}

	svc := NewRetentionService(store, 24*time.Hour, time.Hour, testLogger())
	svc.RunOnce(ctx)

	recs, err := store.ListInquiries(ctx, time.Time{}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ListInquiries failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Attributes["sender"] != "fresh@x" {
		t.Errorf("after sweep records = %+v, want only the fresh one", recs)
	}

	if _, ok, _ := store.FindCounter(ctx, "lim_1", "1.1.1.1", now.Add(-61*time.Minute)); !ok {
		t.Error("live counter was swept")
	}
	if _, ok, _ := store.FindCounter(ctx, "lim_1", "2.2.2.2", now.Add(-365*24*time.Hour)); ok {
		t.Error("expired counter survived the sweep")
	}
	if _, ok, _ := store.FindCounter(ctx, "lim_gone", "3.3.3.3", now.Add(-61*time.Minute)); ok {
		t.Error("orphaned counter survived the sweep")
	}
}

func TestRetentionService_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := memory.NewStore()
	svc := NewRetentionService(store, 24*time.Hour, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)
	svc.Stop()
}

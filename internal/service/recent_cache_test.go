package service

import (
	"fmt"
	"testing"
	"time"

	"github.com/fluxkompensator/postfixer/internal/domain/inquiry"
	"github.com/fluxkompensator/postfixer/pkg/postfix"
)

func recordAt(ts time.Time, sender string) inquiry.Record {
	return inquiry.Record{
		Timestamp:  ts,
		Attributes: postfix.Attributes{"sender": sender},
		Verdict:    "DUNNO",
	}
}

func TestRecentCache_NewestFirst(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cache := NewRecentCache(10, time.Hour)

	for i := 0; i < 3; i++ {
		cache.Add(recordAt(now.Add(time.Duration(i)*time.Minute), fmt.Sprintf("s%d@x", i)))
	}

	got := cache.Recent(now.Add(5 * time.Minute))
	if len(got) != 3 {
		t.Fatalf("Recent returned %d records, want 3", len(got))
	}
	for i, want := range []string{"s2@x", "s1@x", "s0@x"} {
		if got[i].Attributes["sender"] != want {
			t.Errorf("Recent[%d] = %q, want %q", i, got[i].Attributes["sender"], want)
		}
	}
}

func TestRecentCache_WindowExcludesOld(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cache := NewRecentCache(10, time.Hour)

	cache.Add(recordAt(now.Add(-2*time.Hour), "old@x"))
	cache.Add(recordAt(now.Add(-time.Minute), "fresh@x"))

	got := cache.Recent(now)
	if len(got) != 1 || got[0].Attributes["sender"] != "fresh@x" {
		t.Errorf("Recent = %+v, want only the fresh record", got)
	}

	// A record exactly at the window edge is still included.
	cache = NewRecentCache(10, time.Hour)
	cache.Add(recordAt(now.Add(-time.Hour), "edge@x"))
	if got := cache.Recent(now); len(got) != 1 {
		t.Errorf("record at the window edge excluded, got %d records", len(got))
	}
}

func TestRecentCache_WrapsAround(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cache := NewRecentCache(2, time.Hour)

	for i := 0; i < 3; i++ {
		cache.Add(recordAt(now.Add(time.Duration(i)*time.Second), fmt.Sprintf("s%d@x", i)))
	}

	if cache.Len() != 2 {
		t.Fatalf("Len = %d, want 2 after overwrite", cache.Len())
	}
	got := cache.Recent(now.Add(time.Minute))
	if len(got) != 2 {
		t.Fatalf("Recent returned %d records, want 2", len(got))
	}
	if got[0].Attributes["sender"] != "s2@x" || got[1].Attributes["sender"] != "s1@x" {
		t.Errorf("Recent = [%q, %q], want the two newest", got[0].Attributes["sender"], got[1].Attributes["sender"])
	}
}

func TestRecentCache_ReturnsClones(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cache := NewRecentCache(10, time.Hour)
	cache.Add(recordAt(now, "a@x"))

	got := cache.Recent(now)
	got[0].Attributes["sender"] = "tampered@x"

	again := cache.Recent(now)
	if again[0].Attributes["sender"] != "a@x" {
		t.Error("mutating a returned record leaked into the cache")
	}
}

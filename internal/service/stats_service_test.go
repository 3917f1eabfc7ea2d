package service

import (
	"sync"
	"testing"
	"time"
)

func TestStatsService_RecordAndGet(t *testing.T) {
	s := NewStatsService()

	s.RecordAccept()
	s.RecordAccept()
	s.RecordReject()
	s.RecordOther()
	s.RecordFallback()
	s.RecordRateLimited()
	s.RecordInvalid()
	s.RecordStoreError()
	s.RecordRuleMatch(3)
	s.RecordRuleMatch(3)
	s.RecordRuleMatch(1)
	s.RecordVersion("3.7 or later")
	s.RecordVersion("")
	s.RecordInquiry(2 * time.Millisecond)
	s.RecordInquiry(4 * time.Millisecond)

	stats := s.GetStats()

	if stats.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", stats.Accepted)
	}
	if stats.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", stats.Rejected)
	}
	if stats.Other != 1 {
		t.Errorf("Other = %d, want 1", stats.Other)
	}
	if stats.Fallback != 1 {
		t.Errorf("Fallback = %d, want 1", stats.Fallback)
	}
	if stats.RateLimited != 1 {
		t.Errorf("RateLimited = %d, want 1", stats.RateLimited)
	}
	if stats.Invalid != 1 {
		t.Errorf("Invalid = %d, want 1", stats.Invalid)
	}
	if stats.StoreErrors != 1 {
		t.Errorf("StoreErrors = %d, want 1", stats.StoreErrors)
	}
	if stats.Inquiries != 2 {
		t.Errorf("Inquiries = %d, want 2", stats.Inquiries)
	}
	if stats.AvgDurationMs != 3 {
		t.Errorf("AvgDurationMs = %v, want 3", stats.AvgDurationMs)
	}
	if stats.RuleMatches[3] != 2 || stats.RuleMatches[1] != 1 {
		t.Errorf("RuleMatches = %v, want {3:2 1:1}", stats.RuleMatches)
	}
	if stats.VersionCounts["3.7 or later"] != 1 {
		t.Errorf("VersionCounts = %v, want one 3.7 entry", stats.VersionCounts)
	}
	if _, ok := stats.VersionCounts[""]; ok {
		t.Error("empty version string was counted")
	}
	if stats.LastVersion != "3.7 or later" {
		t.Errorf("LastVersion = %q, want %q", stats.LastVersion, "3.7 or later")
	}
	if got := s.LastVersion(); got != "3.7 or later" {
		t.Errorf("LastVersion() = %q, want %q", got, "3.7 or later")
	}
}

func TestStatsService_Reset(t *testing.T) {
	s := NewStatsService()

	s.RecordAccept()
	s.RecordReject()
	s.RecordRateLimited()
	s.RecordRuleMatch(1)
	s.RecordVersion("3.0")
	s.RecordInquiry(time.Millisecond)

	s.Reset()

	stats := s.GetStats()
	if stats.Inquiries != 0 || stats.Accepted != 0 || stats.Rejected != 0 || stats.RateLimited != 0 {
		t.Errorf("after Reset, stats should be all zero: got %+v", stats)
	}
	if len(stats.RuleMatches) != 0 {
		t.Errorf("after Reset, RuleMatches = %v, want empty", stats.RuleMatches)
	}
	if stats.AvgDurationMs != 0 {
		t.Errorf("after Reset, AvgDurationMs = %v, want 0", stats.AvgDurationMs)
	}
	if stats.LastVersion != "" {
		t.Errorf("after Reset, LastVersion = %q, want empty", stats.LastVersion)
	}
}

func TestStatsService_ConcurrentAccess(t *testing.T) {
	s := NewStatsService()

	const goroutines = 50
	const opsPerGoroutine = 500

	var wg sync.WaitGroup
	wg.Add(goroutines * 3)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				s.RecordAccept()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				s.RecordRuleMatch(j % 4)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				_ = s.GetStats()
			}
		}()
	}
	wg.Wait()

	stats := s.GetStats()
	if want := int64(goroutines * opsPerGoroutine); stats.Accepted != want {
		t.Errorf("Accepted = %d, want %d", stats.Accepted, want)
	}
	var matches int64
	for _, n := range stats.RuleMatches {
		matches += n
	}
	if want := int64(goroutines * opsPerGoroutine); matches != want {
		t.Errorf("total rule matches = %d, want %d", matches, want)
	}
}

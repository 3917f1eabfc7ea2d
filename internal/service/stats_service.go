package service

import (
	"sync"
	"sync/atomic"
	"time"
)

// StatsService tracks runtime statistics using lock-free atomic counters.
// All counter operations are safe for concurrent access from multiple
// goroutines.
type StatsService struct {
	inquiries   atomic.Int64
	accepted    atomic.Int64
	rejected    atomic.Int64
	other       atomic.Int64
	fallback    atomic.Int64
	rateLimited atomic.Int64
	invalid     atomic.Int64
	storeErrors atomic.Int64

	durationMicros atomic.Int64

	// Per-rule and per-version counters (mutex-protected maps).
	mu            sync.Mutex
	ruleMatches   map[int]int64
	versionCounts map[string]int64
	lastVersion   string
}

// NewStatsService creates a new StatsService with all counters initialized
// to zero.
func NewStatsService() *StatsService {
	return &StatsService{
		ruleMatches:   make(map[int]int64),
		versionCounts: make(map[string]int64),
	}
}

// RecordInquiry counts one answered inquiry and its handling duration.
func (s *StatsService) RecordInquiry(d time.Duration) {
	s.inquiries.Add(1)
	s.durationMicros.Add(d.Microseconds())
}

// RecordAccept increments the accepted counter.
func (s *StatsService) RecordAccept() {
	s.accepted.Add(1)
}

// RecordReject increments the rejected counter.
func (s *StatsService) RecordReject() {
	s.rejected.Add(1)
}

// RecordOther increments the counter for OTHER-class actions.
func (s *StatsService) RecordOther() {
	s.other.Add(1)
}

// RecordFallback increments the counter for inquiries no rule matched.
func (s *StatsService) RecordFallback() {
	s.fallback.Add(1)
}

// RecordRateLimited increments the rate-limited counter.
func (s *StatsService) RecordRateLimited() {
	s.rateLimited.Add(1)
}

// RecordInvalid increments the counter for frames refused at the protocol
// gate.
func (s *StatsService) RecordInvalid() {
	s.invalid.Add(1)
}

// RecordStoreError increments the persistence failure counter.
func (s *StatsService) RecordStoreError() {
	s.storeErrors.Add(1)
}

// RecordRuleMatch increments the match counter for the given rule.
func (s *StatsService) RecordRuleMatch(ruleID int) {
	s.mu.Lock()
	s.ruleMatches[ruleID]++
	s.mu.Unlock()
}

// RecordVersion increments the counter for the detected MTA version and
// remembers it as the most recently seen one. Empty strings are skipped.
func (s *StatsService) RecordVersion(version string) {
	if version == "" {
		return
	}
	s.mu.Lock()
	s.versionCounts[version]++
	s.lastVersion = version
	s.mu.Unlock()
}

// LastVersion returns the most recently detected MTA version, or the empty
// string when no inquiry has been seen yet.
func (s *StatsService) LastVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVersion
}

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	Inquiries     int64            `json:"inquiries"`
	Accepted      int64            `json:"accepted"`
	Rejected      int64            `json:"rejected"`
	Other         int64            `json:"other"`
	Fallback      int64            `json:"fallback"`
	RateLimited   int64            `json:"rate_limited"`
	Invalid       int64            `json:"invalid"`
	StoreErrors   int64            `json:"store_errors"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
	LastVersion   string           `json:"last_version"`
	RuleMatches   map[int]int64    `json:"rule_matches"`
	VersionCounts map[string]int64 `json:"version_counts"`
}

// GetStats returns a snapshot of all counters. The snapshot is consistent
// per-counter but not atomically across all counters.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	rm := make(map[int]int64, len(s.ruleMatches))
	for k, v := range s.ruleMatches {
		rm[k] = v
	}
	vc := make(map[string]int64, len(s.versionCounts))
	for k, v := range s.versionCounts {
		vc[k] = v
	}
	last := s.lastVersion
	s.mu.Unlock()

	inquiries := s.inquiries.Load()
	var avgMs float64
	if inquiries > 0 {
		avgMs = float64(s.durationMicros.Load()) / float64(inquiries) / 1000
	}

	return Stats{
		Inquiries:     inquiries,
		Accepted:      s.accepted.Load(),
		Rejected:      s.rejected.Load(),
		Other:         s.other.Load(),
		Fallback:      s.fallback.Load(),
		RateLimited:   s.rateLimited.Load(),
		Invalid:       s.invalid.Load(),
		StoreErrors:   s.storeErrors.Load(),
		AvgDurationMs: avgMs,
		LastVersion:   last,
		RuleMatches:   rm,
		VersionCounts: vc,
	}
}

// DurationMicros returns the cumulative handling time (for metrics).
func (s *StatsService) DurationMicros() int64 {
	return s.durationMicros.Load()
}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	s.inquiries.Store(0)
	s.accepted.Store(0)
	s.rejected.Store(0)
	s.other.Store(0)
	s.fallback.Store(0)
	s.rateLimited.Store(0)
	s.invalid.Store(0)
	s.storeErrors.Store(0)
	s.durationMicros.Store(0)

	s.mu.Lock()
	s.ruleMatches = make(map[int]int64)
	s.versionCounts = make(map[string]int64)
	s.lastVersion = ""
	s.mu.Unlock()
}

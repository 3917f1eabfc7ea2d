// Package memory provides an in-memory implementation of the outbound
// store port. Thread-safe for concurrent access. Used by tests and for
// development runs without a database file.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxkompensator/postfixer/internal/domain/inquiry"
	"github.com/fluxkompensator/postfixer/internal/domain/ratelimit"
	"github.com/fluxkompensator/postfixer/internal/domain/rule"
	"github.com/fluxkompensator/postfixer/internal/port/outbound"
)

type counterKey struct {
	limiterID string
	value     string
}

// Store keeps every collection in process memory. Rules are held as a
// plain slice so that id shifts may pass through transient duplicates the
// way a schemaless collection would; callers own id discipline.
type Store struct {
	mu        sync.RWMutex
	rules     []rule.Rule
	limiters  []ratelimit.Limiter
	counters  map[counterKey]ratelimit.Counter
	inquiries map[string]inquiry.Record
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		counters:  make(map[counterKey]ratelimit.Counter),
		inquiries: make(map[string]inquiry.Record),
	}
}

// ListRules returns all rules in ascending id order.
func (s *Store) ListRules(ctx context.Context) ([]rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]rule.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRule returns the rule at the given position id.
func (s *Store) GetRule(ctx context.Context, id int) (rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rules {
		if r.ID == id {
			return r.Clone(), nil
		}
	}
	return rule.Rule{}, rule.ErrNotFound
}

// InsertRule stores a new rule under its id.
func (s *Store) InsertRule(ctx context.Context, r rule.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rules = append(s.rules, r.Clone())
	return nil
}

// ReplaceRule overwrites the rule stored under r.ID.
func (s *Store) ReplaceRule(ctx context.Context, r rule.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rules {
		if s.rules[i].ID == r.ID {
			s.rules[i] = r.Clone()
			return nil
		}
	}
	return rule.ErrNotFound
}

// DeleteRule removes the rule at the given id.
func (s *Store) DeleteRule(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rules {
		if s.rules[i].ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return nil
		}
	}
	return rule.ErrNotFound
}

// ShiftRuleIDs adds delta to the id of every rule whose id lies in [lo, hi].
func (s *Store) ShiftRuleIDs(ctx context.Context, lo, hi, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rules {
		if s.rules[i].ID >= lo && s.rules[i].ID <= hi {
			s.rules[i].ID += delta
		}
	}
	return nil
}

// SetRuleID rewrites the first stored rule with id from to id to.
func (s *Store) SetRuleID(ctx context.Context, from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rules {
		if s.rules[i].ID == from {
			s.rules[i].ID = to
			return nil
		}
	}
	return rule.ErrNotFound
}

// ListRateLimiters returns all limiters in insertion order.
func (s *Store) ListRateLimiters(ctx context.Context) ([]ratelimit.Limiter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ratelimit.Limiter, len(s.limiters))
	copy(out, s.limiters)
	return out, nil
}

// GetRateLimiter returns one limiter by its opaque id.
func (s *Store) GetRateLimiter(ctx context.Context, id string) (ratelimit.Limiter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.limiters {
		if l.ID == id {
			return l, nil
		}
	}
	return ratelimit.Limiter{}, ratelimit.ErrNotFound
}

// InsertRateLimiter stores a new limiter.
func (s *Store) InsertRateLimiter(ctx context.Context, l ratelimit.Limiter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.limiters = append(s.limiters, l)
	return nil
}

// ReplaceRateLimiter overwrites the limiter stored under l.ID.
func (s *Store) ReplaceRateLimiter(ctx context.Context, l ratelimit.Limiter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.limiters {
		if s.limiters[i].ID == l.ID {
			s.limiters[i] = l
			return nil
		}
	}
	return ratelimit.ErrNotFound
}

// DeleteRateLimiter removes one limiter, leaving its counters for the
// sweeper.
func (s *Store) DeleteRateLimiter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.limiters {
		if s.limiters[i].ID == id {
			s.limiters = append(s.limiters[:i], s.limiters[i+1:]...)
			return nil
		}
	}
	return ratelimit.ErrNotFound
}

// FindCounter returns the live counter for (limiterID, value).
func (s *Store) FindCounter(ctx context.Context, limiterID, value string, since time.Time) (ratelimit.Counter, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.counters[counterKey{limiterID, value}]
	if !ok || c.WindowStart.Before(since) {
		return ratelimit.Counter{}, false, nil
	}
	return c, true, nil
}

// IncrementCounter atomically increments the live counter for
// (limiterID, value), or opens a fresh window at now.
func (s *Store) IncrementCounter(ctx context.Context, limiterID, key, value string, since, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := counterKey{limiterID, value}
	c, ok := s.counters[k]
	if ok && !c.WindowStart.Before(since) {
		c.Count++
		s.counters[k] = c
		return nil
	}
	s.counters[k] = ratelimit.Counter{
		LimiterID:   limiterID,
		Key:         key,
		Value:       value,
		Count:       1,
		WindowStart: now,
	}
	return nil
}

// TopCounters returns the k counters with the highest count joined with
// their limiter's definition.
func (s *Store) TopCounters(ctx context.Context, k int) ([]ratelimit.TopCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]ratelimit.Limiter, len(s.limiters))
	for _, l := range s.limiters {
		byID[l.ID] = l
	}

	joined := make([]ratelimit.TopCounter, 0, len(s.counters))
	for _, c := range s.counters {
		l, ok := byID[c.LimiterID]
		if !ok {
			continue
		}
		joined = append(joined, ratelimit.TopCounter{
			LimiterKey: l.Key,
			Value:      c.Value,
			Count:      c.Count,
			Condition:  l.Match,
			Limit:      l.Limit,
			Duration:   l.Duration,
		})
	}
	sort.SliceStable(joined, func(i, j int) bool { return joined[i].Count > joined[j].Count })
	if k < len(joined) {
		joined = joined[:k]
	}
	return joined, nil
}

// DeleteExpiredCounters removes counters whose window closed and counters
// orphaned by limiter deletion.
func (s *Store) DeleteExpiredCounters(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]ratelimit.Limiter, len(s.limiters))
	for _, l := range s.limiters {
		byID[l.ID] = l
	}

	var removed int64
	for k, c := range s.counters {
		l, ok := byID[c.LimiterID]
		if !ok || !c.Live(l.Window(), now) {
			delete(s.counters, k)
			removed++
		}
	}
	return removed, nil
}

// InsertInquiry persists a record, assigning an id when empty. Existing
// ids are replaced in place.
func (s *Store) InsertInquiry(ctx context.Context, rec *inquiry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.inquiries[rec.ID] = rec.Clone()
	return nil
}

// ListInquiries returns records with start <= timestamp <= end, newest
// first.
func (s *Store) ListInquiries(ctx context.Context, start, end time.Time) ([]inquiry.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]inquiry.Record, 0)
	for _, rec := range s.inquiries {
		if rec.Timestamp.Before(start) || rec.Timestamp.After(end) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// DeleteInquiriesBefore removes records older than cutoff.
func (s *Store) DeleteInquiriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, rec := range s.inquiries {
		if rec.Timestamp.Before(cutoff) {
			delete(s.inquiries, id)
			removed++
		}
	}
	return removed, nil
}

// Close releases nothing; it exists to satisfy the store port.
func (s *Store) Close() error { return nil }

// Compile-time interface verification.
var _ outbound.Store = (*Store)(nil)

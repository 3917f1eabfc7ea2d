// Package outbound defines the outbound port interfaces for persistence
// and realtime event delivery.
package outbound

import (
	"context"
	"time"

	"github.com/fluxkompensator/postfixer/internal/domain/inquiry"
	"github.com/fluxkompensator/postfixer/internal/domain/ratelimit"
	"github.com/fluxkompensator/postfixer/internal/domain/rule"
)

// RuleStore persists the ordered rule set. Implementations store rules by
// their position id; id discipline (density, ordering) is owned by the
// registry service, which serializes mutations.
type RuleStore interface {
	// ListRules returns all rules in ascending id order.
	ListRules(ctx context.Context) ([]rule.Rule, error)

	// GetRule returns the rule at the given position id.
	// Returns rule.ErrNotFound when absent.
	GetRule(ctx context.Context, id int) (rule.Rule, error)

	// InsertRule stores a new rule under its id.
	InsertRule(ctx context.Context, r rule.Rule) error

	// ReplaceRule overwrites the rule stored under r.ID.
	// Returns rule.ErrNotFound when absent.
	ReplaceRule(ctx context.Context, r rule.Rule) error

	// DeleteRule removes the rule at the given id.
	// Returns rule.ErrNotFound when absent.
	DeleteRule(ctx context.Context, id int) error

	// ShiftRuleIDs adds delta to the id of every rule whose id lies in
	// [lo, hi]. Used by delete/move/reseat to keep ids dense.
	ShiftRuleIDs(ctx context.Context, lo, hi, delta int) error

	// SetRuleID rewrites a single rule's id.
	SetRuleID(ctx context.Context, from, to int) error
}

// RateLimiterStore persists limiter definitions. The store is authoritative;
// services refresh their in-memory snapshots after each mutation.
type RateLimiterStore interface {
	// ListRateLimiters returns all limiters in insertion order.
	ListRateLimiters(ctx context.Context) ([]ratelimit.Limiter, error)

	// GetRateLimiter returns one limiter by its opaque id.
	// Returns ratelimit.ErrNotFound when absent.
	GetRateLimiter(ctx context.Context, id string) (ratelimit.Limiter, error)

	// InsertRateLimiter stores a new limiter.
	InsertRateLimiter(ctx context.Context, l ratelimit.Limiter) error

	// ReplaceRateLimiter overwrites the limiter stored under l.ID.
	// Returns ratelimit.ErrNotFound when absent.
	ReplaceRateLimiter(ctx context.Context, l ratelimit.Limiter) error

	// DeleteRateLimiter removes one limiter. Associated counters are left
	// for the sweeper. Returns ratelimit.ErrNotFound when absent.
	DeleteRateLimiter(ctx context.Context, id string) error
}

// CounterStore persists fixed-window hit counters. Increments must be
// atomic: concurrent hits on the same (limiter, value) key never lose
// updates.
type CounterStore interface {
	// FindCounter returns the live counter for (limiterID, value), i.e. the
	// one with WindowStart >= since. The boolean reports presence.
	FindCounter(ctx context.Context, limiterID, value string, since time.Time) (ratelimit.Counter, bool, error)

	// IncrementCounter atomically increments the live counter for
	// (limiterID, value), or opens a fresh window at now with count 1 when
	// no live counter exists. key records the attribute name observed.
	IncrementCounter(ctx context.Context, limiterID, key, value string, since, now time.Time) error

	// TopCounters returns the k counters with the highest count, joined
	// with their limiter's definition. Counters whose limiter no longer
	// exists are omitted.
	TopCounters(ctx context.Context, k int) ([]ratelimit.TopCounter, error)

	// DeleteExpiredCounters removes counters whose window has closed (per
	// their limiter's duration) and counters orphaned by limiter deletion.
	// Returns the number removed.
	DeleteExpiredCounters(ctx context.Context, now time.Time) (int64, error)
}

// InquiryStore persists answered inquiries.
type InquiryStore interface {
	// InsertInquiry persists a record, assigning rec.ID when empty. A
	// record whose id already exists is replaced in place.
	InsertInquiry(ctx context.Context, rec *inquiry.Record) error

	// ListInquiries returns records with start <= timestamp <= end,
	// newest first.
	ListInquiries(ctx context.Context, start, end time.Time) ([]inquiry.Record, error)

	// DeleteInquiriesBefore removes records older than cutoff, returning
	// the number removed.
	DeleteInquiriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store aggregates the persistence collections the service uses.
type Store interface {
	RuleStore
	RateLimiterStore
	CounterStore
	InquiryStore

	// Close releases the underlying resources.
	Close() error
}

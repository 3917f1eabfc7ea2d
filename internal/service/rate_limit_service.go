package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fluxkompensator/postfixer/internal/domain/ratelimit"
	"github.com/fluxkompensator/postfixer/internal/domain/rule"
	"github.com/fluxkompensator/postfixer/internal/port/outbound"
	"github.com/fluxkompensator/postfixer/pkg/postfix"
)

// compiledLimiter pairs a limiter with its pre-compiled match condition.
type compiledLimiter struct {
	ratelimit.Limiter
	condition rule.CompiledCondition
}

// limiterSnapshot is the immutable limiter view published via atomic.Value.
type limiterSnapshot struct {
	limiters []compiledLimiter
}

// LimiterStore is the persistence surface the rate limit service needs:
// limiter definitions plus their hit counters.
type LimiterStore interface {
	outbound.RateLimiterStore
	outbound.CounterStore
}

// RateLimitService owns the limiter definitions and checks inquiries
// against them. Definitions live in the store; a compiled snapshot serves
// the hot path lock-free. Counter state is always read through the store
// so multiple instances sharing a database agree on windows.
type RateLimitService struct {
	store    LimiterStore
	snapshot atomic.Value // stores *limiterSnapshot
	mu       sync.Mutex   // serializes mutations
	blocks   atomic.Int64
	logger   *slog.Logger
}

// NewRateLimitService loads the limiter set and publishes the first
// snapshot.
func NewRateLimitService(ctx context.Context, store LimiterStore, logger *slog.Logger) (*RateLimitService, error) {
	s := &RateLimitService{
		store:  store,
		logger: logger,
	}
	if err := s.refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to load rate limiters: %w", err)
	}

	logger.Info("rate limit service initialized",
		"limiters", len(s.loadSnapshot().limiters),
	)
	return s, nil
}

// List returns all limiter definitions.
func (s *RateLimitService) List() []ratelimit.Limiter {
	snap := s.loadSnapshot()
	out := make([]ratelimit.Limiter, len(snap.limiters))
	for i, l := range snap.limiters {
		out[i] = l.Limiter
	}
	return out
}

// Get returns one limiter by id.
func (s *RateLimitService) Get(ctx context.Context, id string) (ratelimit.Limiter, error) {
	return s.store.GetRateLimiter(ctx, id)
}

// Create validates l, assigns it an id, and stores it.
func (s *RateLimitService) Create(ctx context.Context, l ratelimit.Limiter) (ratelimit.Limiter, error) {
	if err := l.Validate(); err != nil {
		return ratelimit.Limiter{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l.ID = uuid.NewString()
	if err := s.store.InsertRateLimiter(ctx, l); err != nil {
		return ratelimit.Limiter{}, fmt.Errorf("insert rate limiter: %w", err)
	}
	if err := s.refresh(ctx); err != nil {
		return ratelimit.Limiter{}, err
	}
	s.logger.Info("rate limiter created", "limiter_id", l.ID, "key", l.Key, "limit", l.Limit, "duration_minutes", l.Duration)
	return l, nil
}

// Update validates l and replaces the definition under id. The observed
// key is immutable: updates keep the stored key so existing counters stay
// meaningful.
func (s *RateLimitService) Update(ctx context.Context, id string, l ratelimit.Limiter) (ratelimit.Limiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.GetRateLimiter(ctx, id)
	if err != nil {
		return ratelimit.Limiter{}, err
	}
	l.ID = id
	l.Key = current.Key
	if err := l.Validate(); err != nil {
		return ratelimit.Limiter{}, err
	}
	if err := s.store.ReplaceRateLimiter(ctx, l); err != nil {
		return ratelimit.Limiter{}, err
	}
	if err := s.refresh(ctx); err != nil {
		return ratelimit.Limiter{}, err
	}
	s.logger.Info("rate limiter updated", "limiter_id", id)
	return l, nil
}

// Delete removes one limiter. Its counters are left behind and swept once
// expired or orphaned.
func (s *RateLimitService) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteRateLimiter(ctx, id); err != nil {
		return err
	}
	if err := s.refresh(ctx); err != nil {
		return err
	}
	s.logger.Info("rate limiter deleted", "limiter_id", id)
	return nil
}

// Check runs attrs through the limiters in definition order. Each matching
// limiter with room in its window gets a hit; the first limiter at or over
// its limit blocks the inquiry and ends the walk. A blocked inquiry never
// advances the counter that blocked it.
func (s *RateLimitService) Check(ctx context.Context, attrs postfix.Attributes, now time.Time) (ratelimit.Decision, error) {
	snap := s.loadSnapshot()

	var firstErr error
	for _, l := range snap.limiters {
		if !l.condition.Holds(attrs) {
			continue
		}
		value := attrs[l.Key]
		since := now.Add(-l.Window())

		counter, ok, err := s.store.FindCounter(ctx, l.ID, value, since)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Error("rate limit counter lookup failed", "limiter_id", l.ID, "error", err)
			continue
		}
		if ok && counter.Count >= l.Limit {
			text := l.CustomText
			if text == "" {
				text = postfix.RateLimitSentinel
			}
			s.blocks.Add(1)
			s.logger.Warn("rate limit exceeded",
				"limiter_id", l.ID,
				"key", l.Key,
				"value", value,
				"count", counter.Count,
				"limit", l.Limit,
			)
			return ratelimit.Decision{Blocked: true, LimiterID: l.ID, CustomText: text}, nil
		}
		if err := s.store.IncrementCounter(ctx, l.ID, l.Key, value, since, now); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Error("rate limit counter increment failed", "limiter_id", l.ID, "error", err)
		}
	}

	return ratelimit.Decision{}, firstErr
}

// TopCounters returns the k busiest live counters joined with their
// limiter definitions. k is clamped to [1, 50].
func (s *RateLimitService) TopCounters(ctx context.Context, k int) ([]ratelimit.TopCounter, error) {
	if k < 1 {
		k = 1
	}
	if k > 50 {
		k = 50
	}
	return s.store.TopCounters(ctx, k)
}

// Blocks returns total blocked inquiries (for metrics).
func (s *RateLimitService) Blocks() int64 {
	return s.blocks.Load()
}

// loadSnapshot returns the current snapshot atomically (lock-free).
func (s *RateLimitService) loadSnapshot() *limiterSnapshot {
	return s.snapshot.Load().(*limiterSnapshot)
}

// refresh reloads limiter definitions and publishes a fresh snapshot.
func (s *RateLimitService) refresh(ctx context.Context) error {
	limiters, err := s.store.ListRateLimiters(ctx)
	if err != nil {
		return fmt.Errorf("reload rate limiters: %w", err)
	}

	compiled := make([]compiledLimiter, len(limiters))
	for i, l := range limiters {
		compiled[i] = compiledLimiter{
			Limiter:   l,
			condition: rule.CompileCondition(l.Condition()),
		}
	}
	s.snapshot.Store(&limiterSnapshot{limiters: compiled})
	return nil
}

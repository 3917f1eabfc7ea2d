// Package service contains application services.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/fluxkompensator/postfixer/internal/domain/rule"
	"github.com/fluxkompensator/postfixer/internal/port/outbound"
	"github.com/fluxkompensator/postfixer/pkg/postfix"
)

// ErrPositionOutOfRange is returned by Move when either position does not
// name an existing rule.
var ErrPositionOutOfRange = errors.New("rule position out of range")

// EvalResult is one cached evaluation outcome: the matching rule (if any).
type EvalResult struct {
	Match   rule.Match
	Matched bool
}

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key    uint64
	result EvalResult
	prev   *lruEntry
	next   *lruEntry
}

// ResultCache provides bounded LRU caching for rule evaluation results.
// Thread-safe with Mutex (both Get and Put mutate LRU order).
type ResultCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

// NewResultCache creates a new LRU cache with the given max size.
func NewResultCache(maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached result. On hit, the entry is promoted to the head
// (most recently used).
func (c *ResultCache) Get(key uint64) (EvalResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.result, true
	}
	return EvalResult{}, false
}

// Put stores a result in the cache. If at capacity, the least recently used
// entry is evicted.
func (c *ResultCache) Put(key uint64, result EvalResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.result = result
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, result: result}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. Called on every rule mutation.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns current cache size.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResultCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *ResultCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *ResultCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *ResultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// ruleSnapshot is the immutable view published to readers via atomic.Value.
type ruleSnapshot struct {
	rules    []rule.Rule
	compiled []rule.CompiledRule
	keys     []string // sorted attribute keys referenced by any condition
}

// cacheKey hashes the attribute values this snapshot's rules can observe.
// Two inquiries that agree on every referenced key evaluate identically.
func (sn *ruleSnapshot) cacheKey(attrs postfix.Attributes) uint64 {
	h := xxhash.New()
	for _, k := range sn.keys {
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(attrs[k])
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// RuleRegistry owns the ordered rule set. It serializes mutations, keeps
// rule ids dense (1..N), and publishes compiled snapshots for lock-free
// evaluation on the hot path.
type RuleRegistry struct {
	store    outbound.RuleStore
	snapshot atomic.Value // stores *ruleSnapshot
	mu       sync.Mutex   // serializes mutations
	cache    *ResultCache
	hits     atomic.Int64
	misses   atomic.Int64
	logger   *slog.Logger
}

// RuleRegistryOption configures RuleRegistry.
type RuleRegistryOption func(*RuleRegistry)

// WithEvalCacheSize sets the maximum number of cached evaluation results.
func WithEvalCacheSize(size int) RuleRegistryOption {
	return func(s *RuleRegistry) {
		s.cache = NewResultCache(size)
	}
}

// NewRuleRegistry loads the rule set from the store, repairs id density,
// and publishes the first snapshot. ctx bounds the initial load and can be
// cancelled to abort startup.
func NewRuleRegistry(ctx context.Context, store outbound.RuleStore, logger *slog.Logger, opts ...RuleRegistryOption) (*RuleRegistry, error) {
	s := &RuleRegistry{
		store:  store,
		cache:  NewResultCache(1000),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Reseat(ctx); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	snap := s.loadSnapshot()
	logger.Info("rule registry initialized",
		"rules", len(snap.rules),
		"referenced_keys", len(snap.keys),
		"cache_max_size", s.cache.maxSize,
	)
	return s, nil
}

// Reseat rewrites stored rule ids to 1..N in their current order, repairing
// gaps and duplicates left by interrupted mutations. Relocations walk
// ascending, so no target id collides with a not-yet-seated rule.
func (s *RuleRegistry) Reseat(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return err
	}

	moved := 0
	for i, r := range rules {
		want := i + 1
		if r.ID == want {
			continue
		}
		if err := s.store.SetRuleID(ctx, r.ID, want); err != nil {
			return fmt.Errorf("reseat rule %d -> %d: %w", r.ID, want, err)
		}
		moved++
	}
	if moved > 0 {
		s.logger.Info("rule ids reseated", "moved", moved, "rules", len(rules))
	}
	return s.refreshLocked(ctx)
}

// List returns the current rule set in evaluation order.
func (s *RuleRegistry) List() []rule.Rule {
	snap := s.loadSnapshot()
	out := make([]rule.Rule, len(snap.rules))
	for i, r := range snap.rules {
		out[i] = r.Clone()
	}
	return out
}

// Get returns the rule at the given position id.
func (s *RuleRegistry) Get(id int) (rule.Rule, error) {
	snap := s.loadSnapshot()
	if id < 1 || id > len(snap.rules) {
		return rule.Rule{}, rule.ErrNotFound
	}
	return snap.rules[id-1].Clone(), nil
}

// Create validates r and appends it at position N+1. The assigned rule is
// returned.
func (s *RuleRegistry) Create(ctx context.Context, r rule.Rule) (rule.Rule, error) {
	if err := rule.Validate(r); err != nil {
		return rule.Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = len(s.loadSnapshot().rules) + 1
	if err := s.store.InsertRule(ctx, r); err != nil {
		return rule.Rule{}, fmt.Errorf("insert rule: %w", err)
	}
	if err := s.refreshLocked(ctx); err != nil {
		return rule.Rule{}, err
	}
	s.logger.Info("rule created", "rule_id", r.ID, "name", r.Name)
	return r, nil
}

// Update validates r and replaces the rule at position id. The id itself is
// immutable here; Move changes positions.
func (s *RuleRegistry) Update(ctx context.Context, id int, r rule.Rule) (rule.Rule, error) {
	if err := rule.Validate(r); err != nil {
		return rule.Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = id
	if err := s.store.ReplaceRule(ctx, r); err != nil {
		return rule.Rule{}, err
	}
	if err := s.refreshLocked(ctx); err != nil {
		return rule.Rule{}, err
	}
	s.logger.Info("rule updated", "rule_id", id, "name", r.Name)
	return r, nil
}

// Delete removes the rule at position id and closes the gap: every rule
// after it shifts down by one.
func (s *RuleRegistry) Delete(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	max := len(s.loadSnapshot().rules)
	if id < 1 || id > max {
		return rule.ErrNotFound
	}
	if err := s.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	if id < max {
		if err := s.store.ShiftRuleIDs(ctx, id+1, max, -1); err != nil {
			return fmt.Errorf("close gap after delete: %w", err)
		}
	}
	if err := s.refreshLocked(ctx); err != nil {
		return err
	}
	s.logger.Info("rule deleted", "rule_id", id)
	return nil
}

// Move relocates the rule at position from to position to, shifting the
// rules between them by one. The moved rule is parked at id 0 while the
// block shifts, so no step needs a second rule with the same id.
func (s *RuleRegistry) Move(ctx context.Context, from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	max := len(s.loadSnapshot().rules)
	if from < 1 || from > max || to < 1 || to > max {
		return ErrPositionOutOfRange
	}
	if from == to {
		return nil
	}

	if err := s.store.SetRuleID(ctx, from, 0); err != nil {
		return fmt.Errorf("park rule %d: %w", from, err)
	}
	if from < to {
		err := s.store.ShiftRuleIDs(ctx, from+1, to, -1)
		if err != nil {
			return fmt.Errorf("shift rules %d..%d: %w", from+1, to, err)
		}
	} else {
		err := s.store.ShiftRuleIDs(ctx, to, from-1, +1)
		if err != nil {
			return fmt.Errorf("shift rules %d..%d: %w", to, from-1, err)
		}
	}
	if err := s.store.SetRuleID(ctx, 0, to); err != nil {
		return fmt.Errorf("place rule at %d: %w", to, err)
	}
	if err := s.refreshLocked(ctx); err != nil {
		return err
	}
	s.logger.Info("rule moved", "from", from, "to", to)
	return nil
}

// Evaluate walks the rule set in position order and returns the first
// matching rule's outcome. Results are cached by the attribute values the
// rule set references; the cache is cleared on every mutation.
func (s *RuleRegistry) Evaluate(attrs postfix.Attributes) (rule.Match, bool) {
	match, matched, _ := s.evaluateCached(attrs)
	return match, matched
}

// evaluateCached additionally reports whether the outcome came out of the
// result cache, for the pipeline's trace span.
func (s *RuleRegistry) evaluateCached(attrs postfix.Attributes) (match rule.Match, matched, cacheHit bool) {
	snap := s.loadSnapshot()
	if len(snap.compiled) == 0 {
		return rule.Match{}, false, false
	}

	key := snap.cacheKey(attrs)
	if res, ok := s.cache.Get(key); ok {
		s.hits.Add(1)
		return res.Match, res.Matched, true
	}
	s.misses.Add(1)

	match, matched = rule.Evaluate(snap.compiled, attrs)
	s.cache.Put(key, EvalResult{Match: match, Matched: matched})
	return match, matched, false
}

// CacheHits returns total evaluation cache hits (for metrics).
func (s *RuleRegistry) CacheHits() int64 {
	return s.hits.Load()
}

// CacheMisses returns total evaluation cache misses (for metrics).
func (s *RuleRegistry) CacheMisses() int64 {
	return s.misses.Load()
}

// loadSnapshot returns the current snapshot atomically (lock-free).
func (s *RuleRegistry) loadSnapshot() *ruleSnapshot {
	return s.snapshot.Load().(*ruleSnapshot)
}

// refreshLocked reloads the rule set from the store and publishes a fresh
// snapshot. Must be called with mu held.
func (s *RuleRegistry) refreshLocked(ctx context.Context) error {
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("reload rules: %w", err)
	}

	snap := &ruleSnapshot{
		rules:    rules,
		compiled: rule.CompileAll(rules),
		keys:     referencedKeys(rules),
	}
	s.snapshot.Store(snap)
	s.cache.Clear()
	return nil
}

// referencedKeys collects the distinct attribute keys any condition
// inspects, sorted for deterministic hashing.
func referencedKeys(rules []rule.Rule) []string {
	seen := make(map[string]struct{})
	for _, r := range rules {
		for _, c := range r.Conditions {
			seen[c.Key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

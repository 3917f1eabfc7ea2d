package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/fluxkompensator/postfixer/internal/adapter/outbound/memory"
	"github.com/fluxkompensator/postfixer/internal/domain/rule"
	"github.com/fluxkompensator/postfixer/pkg/postfix"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func namedRule(name string) rule.Rule {
	return rule.Rule{
		Name: name,
		Conditions: []rule.Condition{
			{Key: "sender", Match: rule.MatchExact, Value: name + "@x"},
		},
		ActionType: rule.ActionReject,
		Action:     "REJECT",
	}
}

func newTestRegistry(t *testing.T) (*RuleRegistry, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	reg, err := NewRuleRegistry(context.Background(), store, testLogger())
	if err != nil {
		t.Fatalf("NewRuleRegistry failed: %v", err)
	}
	return reg, store
}

func ruleNames(rules []rule.Rule) []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	return names
}

func assertOrder(t *testing.T, reg *RuleRegistry, want ...string) {
	t.Helper()
	rules := reg.List()
	if len(rules) != len(want) {
		t.Fatalf("len(rules) = %d, want %d (%v)", len(rules), len(want), ruleNames(rules))
	}
	for i, r := range rules {
		if r.ID != i+1 {
			t.Errorf("rules[%d].ID = %d, want %d", i, r.ID, i+1)
		}
		if r.Name != want[i] {
			t.Errorf("rules[%d].Name = %q, want %q", i, r.Name, want[i])
		}
	}
}

func TestRuleRegistry_CreateAssignsDenseIDs(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		created, err := reg.Create(ctx, namedRule(name))
		if err != nil {
			t.Fatalf("Create(%s) failed: %v", name, err)
		}
		if created.ID == 0 {
			t.Errorf("Create(%s) assigned id 0", name)
		}
	}
	assertOrder(t, reg, "a", "b", "c")
}

func TestRuleRegistry_CreateRejectsInvalid(t *testing.T) {
	reg, _ := newTestRegistry(t)

	bad := namedRule("bad")
	bad.Action = "NOT_AN_ACTION"
	if _, err := reg.Create(context.Background(), bad); err == nil {
		t.Fatal("Create accepted an invalid rule")
	}

	var verr *rule.ValidationError
	_, err := reg.Create(context.Background(), bad)
	if !errors.As(err, &verr) {
		t.Errorf("error = %v, want *rule.ValidationError", err)
	}
}

func TestRuleRegistry_DeleteClosesGap(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c", "d"} {
		if _, err := reg.Create(ctx, namedRule(name)); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	if err := reg.Delete(ctx, 2); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	assertOrder(t, reg, "a", "c", "d")

	// Deleting the last rule needs no shift.
	if err := reg.Delete(ctx, 3); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	assertOrder(t, reg, "a", "c")

	if err := reg.Delete(ctx, 9); !errors.Is(err, rule.ErrNotFound) {
		t.Errorf("Delete(missing) = %v, want ErrNotFound", err)
	}
}

func TestRuleRegistry_MoveShiftsBlock(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c", "d"} {
		if _, err := reg.Create(ctx, namedRule(name)); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	// Moving down: the block between shifts up.
	if err := reg.Move(ctx, 1, 3); err != nil {
		t.Fatalf("Move(1,3) failed: %v", err)
	}
	assertOrder(t, reg, "b", "c", "a", "d")

	// Moving up: the block between shifts down.
	if err := reg.Move(ctx, 4, 2); err != nil {
		t.Fatalf("Move(4,2) failed: %v", err)
	}
	assertOrder(t, reg, "b", "d", "c", "a")

	// Same position is a no-op.
	if err := reg.Move(ctx, 2, 2); err != nil {
		t.Fatalf("Move(2,2) failed: %v", err)
	}
	assertOrder(t, reg, "b", "d", "c", "a")
}

func TestRuleRegistry_MoveOutOfRange(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.Create(ctx, namedRule("a")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for _, tc := range [][2]int{{0, 1}, {1, 0}, {2, 1}, {1, 2}} {
		if err := reg.Move(ctx, tc[0], tc[1]); !errors.Is(err, ErrPositionOutOfRange) {
			t.Errorf("Move(%d,%d) = %v, want ErrPositionOutOfRange", tc[0], tc[1], err)
		}
	}
}

func TestRuleRegistry_UpdateReplacesInPlace(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		if _, err := reg.Create(ctx, namedRule(name)); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	replacement := namedRule("b2")
	replacement.ID = 99 // ignored: the path id wins
	updated, err := reg.Update(ctx, 2, replacement)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.ID != 2 {
		t.Errorf("updated.ID = %d, want 2", updated.ID)
	}
	assertOrder(t, reg, "a", "b2")

	bad := namedRule("bad")
	bad.Conditions = nil
	if _, err := reg.Update(ctx, 1, bad); err == nil {
		t.Error("Update accepted an invalid rule")
	}
	if _, err := reg.Update(ctx, 9, namedRule("x")); !errors.Is(err, rule.ErrNotFound) {
		t.Errorf("Update(missing) = %v, want ErrNotFound", err)
	}
}

func TestRuleRegistry_ReseatRepairsGaps(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	// Simulate ids left behind by an interrupted mutation.
	for _, id := range []int{2, 5, 9} {
		r := namedRule("r")
		r.ID = id
		if err := store.InsertRule(ctx, r); err != nil {
			t.Fatalf("InsertRule failed: %v", err)
		}
	}

	reg, err := NewRuleRegistry(ctx, store, testLogger())
	if err != nil {
		t.Fatalf("NewRuleRegistry failed: %v", err)
	}

	rules := reg.List()
	if len(rules) != 3 {
		t.Fatalf("len(rules) = %d, want 3", len(rules))
	}
	for i, r := range rules {
		if r.ID != i+1 {
			t.Errorf("rules[%d].ID = %d, want %d", i, r.ID, i+1)
		}
	}
}

func TestRuleRegistry_EvaluateFirstMatchWins(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first := namedRule("first")
	first.Conditions = []rule.Condition{{Key: "sender", Match: rule.MatchWildcard, Value: "*@x"}}
	second := namedRule("second")
	second.Conditions = []rule.Condition{{Key: "sender", Match: rule.MatchExact, Value: "a@x"}}
	for _, r := range []rule.Rule{first, second} {
		if _, err := reg.Create(ctx, r); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	match, ok := reg.Evaluate(postfix.Attributes{"sender": "a@x"})
	if !ok {
		t.Fatal("Evaluate found no match")
	}
	if match.RuleID != 1 || match.RuleName != "first" {
		t.Errorf("match = %+v, want rule 1 (first)", match)
	}

	if _, ok := reg.Evaluate(postfix.Attributes{"sender": "nobody@y"}); ok {
		t.Error("Evaluate matched an unrelated inquiry")
	}
}

func TestRuleRegistry_EvaluateCaching(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.Create(ctx, namedRule("a")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	attrs := postfix.Attributes{"sender": "a@x", "client_ip": "1.2.3.4"}

	reg.Evaluate(attrs)
	if hits, misses := reg.CacheHits(), reg.CacheMisses(); hits != 0 || misses != 1 {
		t.Errorf("after first eval: hits=%d misses=%d, want 0/1", hits, misses)
	}

	reg.Evaluate(attrs)
	if hits := reg.CacheHits(); hits != 1 {
		t.Errorf("after second eval: hits=%d, want 1", hits)
	}

	// An attribute the rule set never references does not break caching.
	attrs["queue_id"] = "ABCD1234"
	reg.Evaluate(attrs)
	if hits := reg.CacheHits(); hits != 2 {
		t.Errorf("after eval with unrelated attr: hits=%d, want 2", hits)
	}

	// Mutations clear the cache.
	if _, err := reg.Create(ctx, namedRule("b")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	reg.Evaluate(attrs)
	if misses := reg.CacheMisses(); misses != 2 {
		t.Errorf("after mutation: misses=%d, want 2", misses)
	}
}

func TestResultCache_EvictsLRU(t *testing.T) {
	c := NewResultCache(2)

	c.Put(1, EvalResult{Matched: true})
	c.Put(2, EvalResult{})
	if _, ok := c.Get(1); !ok {
		t.Fatal("key 1 missing before eviction")
	}

	// Key 2 is now least recently used and must be evicted.
	c.Put(3, EvalResult{})
	if _, ok := c.Get(2); ok {
		t.Error("key 2 survived eviction")
	}
	if _, ok := c.Get(1); !ok {
		t.Error("key 1 was evicted")
	}
	if _, ok := c.Get(3); !ok {
		t.Error("key 3 missing")
	}
	if c.Size() != 2 {
		t.Errorf("Size = %d, want 2", c.Size())
	}

	c.Clear()
	if c.Size() != 0 {
		t.Errorf("Size after Clear = %d, want 0", c.Size())
	}
}

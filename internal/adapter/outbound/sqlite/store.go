// Package sqlite persists rules, rate limiters, counters, and inquiry
// records in a single SQLite database. The schema keeps rule ids as a
// plain indexed column (not unique) so the registry's id shifts can pass
// through transient duplicates.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fluxkompensator/postfixer/internal/domain/inquiry"
	"github.com/fluxkompensator/postfixer/internal/domain/ratelimit"
	"github.com/fluxkompensator/postfixer/internal/domain/rule"
	"github.com/fluxkompensator/postfixer/internal/port/outbound"
	"github.com/fluxkompensator/postfixer/pkg/postfix"
)

// Store implements outbound.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ outbound.Store = (*Store)(nil)

// Open opens or creates the policy database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open policy db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		conditions TEXT NOT NULL, -- JSON array
		operators TEXT NOT NULL,  -- JSON array
		action_type TEXT NOT NULL,
		action TEXT NOT NULL,
		custom_text TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_rules_rule_id ON rules(rule_id);

	CREATE TABLE IF NOT EXISTS rate_limiters (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		condition TEXT NOT NULL,
		max_count INTEGER NOT NULL,
		duration_minutes INTEGER NOT NULL,
		custom_text TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS rate_limit_counters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		limiter_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		count INTEGER NOT NULL,
		window_start INTEGER NOT NULL, -- Unix millis
		UNIQUE(limiter_id, value)
	);
	CREATE INDEX IF NOT EXISTS idx_counters_window ON rate_limit_counters(window_start);

	CREATE TABLE IF NOT EXISTS inquiries (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL, -- Unix millis
		attributes TEXT NOT NULL,   -- JSON object
		rule_match TEXT,            -- JSON, NULL when no rule matched
		verdict TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_inquiries_timestamp ON inquiries(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ListRules returns all rules ordered by rule id. Ties (transient
// duplicates mid-shift) keep insertion order.
func (s *Store) ListRules(ctx context.Context) ([]rule.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, name, conditions, operators, action_type, action, custom_text
		FROM rules
		ORDER BY rule_id ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetRule returns the first rule stored under id.
func (s *Store) GetRule(ctx context.Context, id int) (rule.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, name, conditions, operators, action_type, action, custom_text
		FROM rules
		WHERE rule_id = ?
		ORDER BY id ASC
		LIMIT 1
	`, id)
	if err != nil {
		return rule.Rule{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return rule.Rule{}, err
		}
		return rule.Rule{}, rule.ErrNotFound
	}
	return scanRule(rows)
}

// InsertRule stores a new rule under r.ID.
func (s *Store) InsertRule(ctx context.Context, r rule.Rule) error {
	conditions, operators, err := marshalRuleParts(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (rule_id, name, conditions, operators, action_type, action, custom_text)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Name, conditions, operators, string(r.ActionType), r.Action, r.CustomText)
	return err
}

// ReplaceRule overwrites the first rule stored under r.ID.
func (s *Store) ReplaceRule(ctx context.Context, r rule.Rule) error {
	conditions, operators, err := marshalRuleParts(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET name = ?, conditions = ?, operators = ?, action_type = ?, action = ?, custom_text = ?
		WHERE id = (SELECT min(id) FROM rules WHERE rule_id = ?)
	`, r.Name, conditions, operators, string(r.ActionType), r.Action, r.CustomText, r.ID)
	if err != nil {
		return err
	}
	return requireHit(res, rule.ErrNotFound)
}

// DeleteRule removes the first rule stored under id.
func (s *Store) DeleteRule(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rules
		WHERE id = (SELECT min(id) FROM rules WHERE rule_id = ?)
	`, id)
	if err != nil {
		return err
	}
	return requireHit(res, rule.ErrNotFound)
}

// ShiftRuleIDs adds delta to every rule id in [lo, hi].
func (s *Store) ShiftRuleIDs(ctx context.Context, lo, hi, delta int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rules SET rule_id = rule_id + ? WHERE rule_id >= ? AND rule_id <= ?
	`, delta, lo, hi)
	return err
}

// SetRuleID moves the first rule stored under from to id to.
func (s *Store) SetRuleID(ctx context.Context, from, to int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules SET rule_id = ?
		WHERE id = (SELECT min(id) FROM rules WHERE rule_id = ?)
	`, to, from)
	if err != nil {
		return err
	}
	return requireHit(res, rule.ErrNotFound)
}

// ListRateLimiters returns all limiters in insertion order.
func (s *Store) ListRateLimiters(ctx context.Context) ([]ratelimit.Limiter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, value, condition, max_count, duration_minutes, custom_text
		FROM rate_limiters
		ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var limiters []ratelimit.Limiter
	for rows.Next() {
		var l ratelimit.Limiter
		var match string
		if err := rows.Scan(&l.ID, &l.Key, &l.Value, &match, &l.Limit, &l.Duration, &l.CustomText); err != nil {
			return nil, err
		}
		l.Match = rule.MatchType(match)
		limiters = append(limiters, l)
	}
	return limiters, rows.Err()
}

// GetRateLimiter returns one limiter by id.
func (s *Store) GetRateLimiter(ctx context.Context, id string) (ratelimit.Limiter, error) {
	var l ratelimit.Limiter
	var match string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, value, condition, max_count, duration_minutes, custom_text
		FROM rate_limiters
		WHERE id = ?
	`, id).Scan(&l.ID, &l.Key, &l.Value, &match, &l.Limit, &l.Duration, &l.CustomText)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.Limiter{}, ratelimit.ErrNotFound
	}
	if err != nil {
		return ratelimit.Limiter{}, err
	}
	l.Match = rule.MatchType(match)
	return l, nil
}

// InsertRateLimiter stores a new limiter.
func (s *Store) InsertRateLimiter(ctx context.Context, l ratelimit.Limiter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limiters (id, key, value, condition, max_count, duration_minutes, custom_text)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.Key, l.Value, string(l.Match), l.Limit, l.Duration, l.CustomText)
	return err
}

// ReplaceRateLimiter overwrites the limiter stored under l.ID.
func (s *Store) ReplaceRateLimiter(ctx context.Context, l ratelimit.Limiter) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rate_limiters
		SET key = ?, value = ?, condition = ?, max_count = ?, duration_minutes = ?, custom_text = ?
		WHERE id = ?
	`, l.Key, l.Value, string(l.Match), l.Limit, l.Duration, l.CustomText, l.ID)
	if err != nil {
		return err
	}
	return requireHit(res, ratelimit.ErrNotFound)
}

// DeleteRateLimiter removes one limiter. Its counters are left for the
// sweeper.
func (s *Store) DeleteRateLimiter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limiters WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireHit(res, ratelimit.ErrNotFound)
}

// FindCounter returns the live counter for (limiterID, value).
func (s *Store) FindCounter(ctx context.Context, limiterID, value string, since time.Time) (ratelimit.Counter, bool, error) {
	var c ratelimit.Counter
	var windowStart int64
	err := s.db.QueryRowContext(ctx, `
		SELECT limiter_id, key, value, count, window_start
		FROM rate_limit_counters
		WHERE limiter_id = ? AND value = ? AND window_start >= ?
	`, limiterID, value, since.UnixMilli()).Scan(&c.LimiterID, &c.Key, &c.Value, &c.Count, &windowStart)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.Counter{}, false, nil
	}
	if err != nil {
		return ratelimit.Counter{}, false, err
	}
	c.WindowStart = time.UnixMilli(windowStart).UTC()
	return c, true, nil
}

// IncrementCounter bumps the live counter for (limiterID, value) or opens
// a fresh window at now. The UPSERT keeps concurrent hits lossless.
func (s *Store) IncrementCounter(ctx context.Context, limiterID, key, value string, since, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_counters (limiter_id, key, value, count, window_start)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(limiter_id, value) DO UPDATE SET
			count = CASE WHEN window_start >= ? THEN count + 1 ELSE 1 END,
			window_start = CASE WHEN window_start >= ? THEN window_start ELSE ? END,
			key = excluded.key
	`, limiterID, key, value, now.UnixMilli(), since.UnixMilli(), since.UnixMilli(), now.UnixMilli())
	return err
}

// TopCounters returns the k busiest counters joined with their limiter.
// The inner join drops counters orphaned by limiter deletion.
func (s *Store) TopCounters(ctx context.Context, k int) ([]ratelimit.TopCounter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.key, c.value, c.count, l.condition, l.max_count, l.duration_minutes
		FROM rate_limit_counters c
		JOIN rate_limiters l ON l.id = c.limiter_id
		ORDER BY c.count DESC
		LIMIT ?
	`, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var top []ratelimit.TopCounter
	for rows.Next() {
		var t ratelimit.TopCounter
		var match string
		if err := rows.Scan(&t.LimiterKey, &t.Value, &t.Count, &match, &t.Limit, &t.Duration); err != nil {
			return nil, err
		}
		t.Condition = rule.MatchType(match)
		top = append(top, t)
	}
	return top, rows.Err()
}

// DeleteExpiredCounters removes counters whose window closed per their
// limiter's duration, plus counters whose limiter is gone.
func (s *Store) DeleteExpiredCounters(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_limit_counters WHERE id IN (
			SELECT c.id
			FROM rate_limit_counters c
			LEFT JOIN rate_limiters l ON l.id = c.limiter_id
			WHERE l.id IS NULL OR c.window_start < ? - l.duration_minutes * 60000
		)
	`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertInquiry persists a record, assigning its id when empty. Re-insert
// under an existing id replaces the stored record.
func (s *Store) InsertInquiry(ctx context.Context, rec *inquiry.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("marshal inquiry attributes: %w", err)
	}
	var match sql.NullString
	if rec.RuleMatch != nil {
		raw, err := json.Marshal(rec.RuleMatch)
		if err != nil {
			return fmt.Errorf("marshal rule match: %w", err)
		}
		match = sql.NullString{String: string(raw), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inquiries (id, timestamp, attributes, rule_match, verdict)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			timestamp = excluded.timestamp,
			attributes = excluded.attributes,
			rule_match = excluded.rule_match,
			verdict = excluded.verdict
	`, rec.ID, rec.Timestamp.UnixMilli(), string(attrs), match, rec.Verdict)
	return err
}

// ListInquiries returns records with start <= timestamp <= end, newest
// first.
func (s *Store) ListInquiries(ctx context.Context, start, end time.Time) ([]inquiry.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, attributes, rule_match, verdict
		FROM inquiries
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC
	`, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []inquiry.Record
	for rows.Next() {
		var rec inquiry.Record
		var ts int64
		var attrs string
		var match sql.NullString
		if err := rows.Scan(&rec.ID, &ts, &attrs, &match, &rec.Verdict); err != nil {
			return nil, err
		}
		rec.Timestamp = time.UnixMilli(ts).UTC()
		rec.Attributes = postfix.Attributes{}
		if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal inquiry attributes: %w", err)
		}
		if match.Valid {
			var m rule.Match
			if err := json.Unmarshal([]byte(match.String), &m); err != nil {
				return nil, fmt.Errorf("unmarshal rule match: %w", err)
			}
			rec.RuleMatch = &m
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteInquiriesBefore removes records older than cutoff.
func (s *Store) DeleteInquiriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inquiries WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRule(rows *sql.Rows) (rule.Rule, error) {
	var r rule.Rule
	var conditions, operators, actionType string
	if err := rows.Scan(&r.ID, &r.Name, &conditions, &operators, &actionType, &r.Action, &r.CustomText); err != nil {
		return rule.Rule{}, err
	}
	r.ActionType = rule.ActionType(actionType)
	if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
		return rule.Rule{}, fmt.Errorf("unmarshal rule conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(operators), &r.Operators); err != nil {
		return rule.Rule{}, fmt.Errorf("unmarshal rule operators: %w", err)
	}
	return r, nil
}

func marshalRuleParts(r rule.Rule) (conditions, operators string, err error) {
	rawConditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return "", "", fmt.Errorf("marshal rule conditions: %w", err)
	}
	if r.Operators == nil {
		r.Operators = []rule.Operator{}
	}
	rawOperators, err := json.Marshal(r.Operators)
	if err != nil {
		return "", "", fmt.Errorf("marshal rule operators: %w", err)
	}
	return string(rawConditions), string(rawOperators), nil
}

func requireHit(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

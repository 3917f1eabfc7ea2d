// Package ratelimit provides the domain types for fixed-window rate
// limiting of policy inquiries: limiter definitions, per-window counters,
// and check decisions.
package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fluxkompensator/postfixer/internal/domain/rule"
)

// ErrNotFound is returned when an operation references a limiter id that
// does not exist.
var ErrNotFound = errors.New("rate limiter not found")

// Limiter throttles inquiries whose attribute value matches a pattern.
// The window is fixed, anchored at the first hit: once limit hits fall
// inside one window, further matching inquiries are blocked until the
// window closes. The JSON field names follow the management API's wire
// format (customText is camel-cased there).
type Limiter struct {
	// ID is an opaque identifier, assigned on create.
	ID string `json:"id"`
	// Key is the attribute name the limiter observes.
	Key string `json:"key"`
	// Value is the literal or pattern the attribute must match.
	Value string `json:"value"`
	// Match selects the comparison semantics, shared with rule conditions.
	Match rule.MatchType `json:"condition"`
	// Limit is the number of hits allowed per window.
	Limit int `json:"limit"`
	// Duration is the window length in minutes.
	Duration int `json:"duration"`
	// CustomText optionally replaces the default reject text.
	CustomText string `json:"customText,omitempty"`
}

// Window returns the limiter's window length.
func (l Limiter) Window() time.Duration {
	return time.Duration(l.Duration) * time.Minute
}

// Condition returns the limiter's match triple in rule form, for
// compilation with the shared condition matcher.
func (l Limiter) Condition() rule.Condition {
	return rule.Condition{Key: l.Key, Match: l.Match, Value: l.Value}
}

// Validate checks a limiter definition: a non-empty key, a known match
// type, and positive limit and duration.
func (l Limiter) Validate() error {
	if strings.TrimSpace(l.Key) == "" {
		return &ValidationError{Field: "key", Message: "required"}
	}
	switch l.Match {
	case rule.MatchExact, rule.MatchRegex, rule.MatchWildcard:
	default:
		return &ValidationError{Field: "condition", Message: fmt.Sprintf("unknown match type %q", string(l.Match))}
	}
	if l.Limit < 1 {
		return &ValidationError{Field: "limit", Message: "must be a positive integer"}
	}
	if l.Duration < 1 {
		return &ValidationError{Field: "duration", Message: "must be a positive number of minutes"}
	}
	return nil
}

// ValidationError describes why a limiter was refused at create or update
// time.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rate limiter: %s: %s", e.Field, e.Message)
}

// Counter tracks hits for one (limiter, observed value) window.
type Counter struct {
	LimiterID string `json:"limiter_id"`
	// Key is the attribute name the hits were observed on.
	Key string `json:"key"`
	// Value is the observed attribute value.
	Value string `json:"value"`
	// Count is the number of hits in the window, >= 1.
	Count int `json:"count"`
	// WindowStart is the timestamp of the window's first hit.
	WindowStart time.Time `json:"timestamp"`
}

// Live reports whether the counter's window is still open at now.
func (c Counter) Live(window time.Duration, now time.Time) bool {
	return !c.WindowStart.Before(now.Add(-window))
}

// Decision is the outcome of checking an inquiry against the limiter set.
type Decision struct {
	// Blocked is true when a matching limiter's live window is at or over
	// its limit.
	Blocked bool
	// LimiterID identifies the limiter that blocked, when Blocked.
	LimiterID string
	// CustomText is the reject text for blocked decisions, already
	// defaulted to the protocol sentinel when the limiter has none.
	CustomText string
}

// TopCounter is a counter joined with its limiter's definition for human
// inspection of the busiest windows.
type TopCounter struct {
	LimiterKey string         `json:"limiter_key"`
	Value      string         `json:"value"`
	Count      int            `json:"count"`
	Condition  rule.MatchType `json:"condition"`
	Limit      int            `json:"limit"`
	Duration   int            `json:"duration"`
}

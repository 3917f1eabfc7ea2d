package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/fluxkompensator/postfixer/internal/domain/rule"
)

func validLimiter() Limiter {
	return Limiter{
		ID:       "lim-1",
		Key:      "client_ip",
		Value:    "1.2.3.4",
		Match:    rule.MatchExact,
		Limit:    2,
		Duration: 1,
	}
}

func TestLimiterValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Limiter)
		wantField string
	}{
		{"valid", func(l *Limiter) {}, ""},
		{"regex match type", func(l *Limiter) { l.Match = rule.MatchRegex }, ""},
		{"wildcard match type", func(l *Limiter) { l.Match = rule.MatchWildcard }, ""},
		{"empty key", func(l *Limiter) { l.Key = " " }, "key"},
		{"unknown match type", func(l *Limiter) { l.Match = "fuzzy" }, "condition"},
		{"zero limit", func(l *Limiter) { l.Limit = 0 }, "limit"},
		{"negative duration", func(l *Limiter) { l.Duration = -5 }, "duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := validLimiter()
			tt.mutate(&l)
			err := l.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("ValidationError.Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestCounterLive(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	window := 10 * time.Minute

	tests := []struct {
		name  string
		start time.Time
		want  bool
	}{
		{"fresh counter", now.Add(-time.Minute), true},
		{"exactly at the boundary", now.Add(-window), true},
		{"just past the boundary", now.Add(-window - time.Second), false},
		{"ancient", now.Add(-24 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Counter{WindowStart: tt.start}
			if got := c.Live(window, now); got != tt.want {
				t.Errorf("Live() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLimiterWindow(t *testing.T) {
	l := Limiter{Duration: 15}
	if got := l.Window(); got != 15*time.Minute {
		t.Errorf("Window() = %v, want 15m", got)
	}
}

func TestLimiterCondition(t *testing.T) {
	l := validLimiter()
	c := l.Condition()
	if c.Key != l.Key || c.Match != l.Match || c.Value != l.Value {
		t.Errorf("Condition() = %+v, want key/match/value from limiter %+v", c, l)
	}
}

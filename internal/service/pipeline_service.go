package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxkompensator/postfixer/internal/domain/inquiry"
	"github.com/fluxkompensator/postfixer/internal/domain/rule"
	"github.com/fluxkompensator/postfixer/internal/port/inbound"
	"github.com/fluxkompensator/postfixer/internal/port/outbound"
	"github.com/fluxkompensator/postfixer/pkg/postfix"
)

var tracer = otel.Tracer("postfixer/pipeline")

// PipelineService turns one parsed inquiry into a verdict: rule evaluation
// first, the rate limiter only when no rule matched, DUNNO as the final
// fallback. Every answered inquiry is persisted and emitted to the
// observer; both are best-effort and never change the verdict.
type PipelineService struct {
	registry *RuleRegistry
	limiter  *RateLimitService
	store    outbound.InquiryStore
	emitter  *EmitterService
	stats    *StatsService
	recent   *RecentCache
	logger   *slog.Logger
}

// NewPipelineService wires the decision pipeline.
func NewPipelineService(
	registry *RuleRegistry,
	limiter *RateLimitService,
	store outbound.InquiryStore,
	emitter *EmitterService,
	stats *StatsService,
	recent *RecentCache,
	logger *slog.Logger,
) *PipelineService {
	return &PipelineService{
		registry: registry,
		limiter:  limiter,
		store:    store,
		emitter:  emitter,
		stats:    stats,
		recent:   recent,
		logger:   logger,
	}
}

// Decide answers one inquiry. It never returns an empty verdict and never
// surfaces side-effect failures to the caller.
func (s *PipelineService) Decide(ctx context.Context, attrs postfix.Attributes) string {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.decide", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	rec := inquiry.Record{
		Timestamp:  start.UTC(),
		Attributes: attrs.Clone(),
	}

	var verdict string
	match, matched, cacheHit := s.registry.evaluateCached(attrs)
	if matched {
		rec.RuleMatch = &match
		verdict = match.Verdict()
		s.stats.RecordRuleMatch(match.RuleID)
		switch match.ActionType {
		case rule.ActionAccept:
			s.stats.RecordAccept()
		case rule.ActionReject:
			s.stats.RecordReject()
		default:
			s.stats.RecordOther()
		}
	} else {
		decision, err := s.limiter.Check(ctx, attrs, rec.Timestamp)
		if err != nil {
			s.logger.Error("rate limit check failed", "error", err)
		}
		if decision.Blocked {
			verdict = postfix.Verdict("REJECT", decision.CustomText)
			s.stats.RecordRateLimited()
		} else {
			verdict = postfix.VerdictFallback
			s.stats.RecordFallback()
		}
	}
	rec.Verdict = verdict

	version := postfix.DetectVersion(attrs)
	s.stats.RecordVersion(version)

	ruleID := 0
	if matched {
		ruleID = match.RuleID
	}
	span.SetAttributes(
		attribute.String("verdict", verdict),
		attribute.Int("rule_id", ruleID),
		attribute.String("version", version),
		attribute.Bool("cache_hit", cacheHit),
	)

	// Persist first so the event carries the store-assigned id. A store
	// failure is logged; the verdict and the event still go out.
	if err := s.store.InsertInquiry(ctx, &rec); err != nil {
		s.stats.RecordStoreError()
		s.logger.Error("failed to persist inquiry record", "error", err)
	}
	s.recent.Add(rec)
	s.emitter.Emit(inquiry.Event{
		Record:  rec.Clone(),
		Version: version,
		Verdict: verdict,
	})

	s.stats.RecordInquiry(time.Since(start))
	return verdict
}

// Recent returns the recently answered inquiries still inside the cache
// window, newest first.
func (s *PipelineService) Recent() []inquiry.Record {
	return s.recent.Recent(time.Now().UTC())
}

// Compile-time interface verification.
var _ inbound.Decider = (*PipelineService)(nil)

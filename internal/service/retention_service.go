package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fluxkompensator/postfixer/internal/port/outbound"
)

// SweepStore is the persistence surface the retention service needs.
type SweepStore interface {
	outbound.CounterStore
	outbound.InquiryStore
}

// RetentionService periodically removes aged inquiry records and dead rate
// limit counters. One sweep runs at startup, then every interval.
type RetentionService struct {
	store     SweepStore
	retention time.Duration // how long inquiry records are kept
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetentionService creates a retention sweeper. retention bounds the
// age of inquiry records; interval is the time between sweeps.
func NewRetentionService(store SweepStore, retention, interval time.Duration, logger *slog.Logger) *RetentionService {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if interval <= 0 {
		interval = 2 * time.Hour
	}
	return &RetentionService{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

// Start sweeps once, then launches the background loop.
func (s *RetentionService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.RunOnce(ctx)

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the loop and waits for it to finish.
func (s *RetentionService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// RunOnce performs a single sweep. Errors are logged; a failed sweep is
// retried on the next tick.
func (s *RetentionService) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	records, err := s.store.DeleteInquiriesBefore(ctx, now.Add(-s.retention))
	if err != nil {
		s.logger.Error("retention sweep: failed to delete inquiry records", "error", err)
	}

	counters, err := s.store.DeleteExpiredCounters(ctx, now)
	if err != nil {
		s.logger.Error("retention sweep: failed to delete counters", "error", err)
	}

	if records > 0 || counters > 0 {
		s.logger.Info("retention sweep completed",
			"records_deleted", records,
			"counters_deleted", counters,
		)
	}
}

// loop runs sweeps every interval until the context is cancelled.
func (s *RetentionService) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

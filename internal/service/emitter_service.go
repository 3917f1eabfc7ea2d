package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxkompensator/postfixer/internal/domain/inquiry"
	"github.com/fluxkompensator/postfixer/internal/port/outbound"
)

// EmitterService delivers inquiry events to the observer from a background
// worker, so event delivery never blocks the decision hot path. Delivery is
// at-most-once: when the buffer is full past the send timeout, events are
// dropped and counted.
type EmitterService struct {
	observer outbound.Observer
	events   chan inquiry.Event
	wg       sync.WaitGroup
	logger   *slog.Logger

	channelSize int           // track capacity for monitoring
	sendTimeout time.Duration // 0 = drop immediately, >0 = block up to this duration
	dropCount   atomic.Int64  // lock-free drop counter

	warningThreshold int          // percentage (0-100)
	lastWarning      atomic.Int64 // rate-limit warning logs (Unix nanos)
}

// EmitterOption configures EmitterService.
type EmitterOption func(*EmitterService)

// WithChannelSize sets the size of the event channel buffer.
func WithChannelSize(size int) EmitterOption {
	return func(s *EmitterService) {
		s.events = make(chan inquiry.Event, size)
		s.channelSize = size
	}
}

// WithSendTimeout sets the backpressure timeout.
// 0 = drop immediately (no blocking), >0 = block up to this duration before
// dropping.
func WithSendTimeout(timeout time.Duration) EmitterOption {
	return func(s *EmitterService) {
		s.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the channel depth warning percentage (0-100).
// A warning is logged when channel depth exceeds this percentage of
// capacity.
func WithWarningThreshold(percent int) EmitterOption {
	return func(s *EmitterService) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		s.warningThreshold = percent
	}
}

// NewEmitterService creates a new EmitterService with the given observer
// and options.
func NewEmitterService(observer outbound.Observer, logger *slog.Logger, opts ...EmitterOption) *EmitterService {
	defaultChannelSize := 1000
	s := &EmitterService{
		observer:         observer,
		events:           make(chan inquiry.Event, defaultChannelSize),
		logger:           logger,
		channelSize:      defaultChannelSize,
		sendTimeout:      100 * time.Millisecond,
		warningThreshold: 80,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins the background worker that delivers events.
func (s *EmitterService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Emit queues an event for delivery. Applies backpressure: attempts a fast
// non-blocking send, then blocks up to sendTimeout. If the timeout expires,
// the event is dropped and counted.
func (s *EmitterService) Emit(event inquiry.Event) {
	if s.warningThreshold > 0 {
		depth := len(s.events)
		threshold := s.channelSize * s.warningThreshold / 100
		if depth >= threshold {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.events <- event:
		return
	default:
		// Channel full - apply backpressure.
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(event)
		return
	}

	select {
	case s.events <- event:
		return
	case <-time.After(s.sendTimeout):
		s.recordDrop(event)
	}
}

func (s *EmitterService) recordDrop(event inquiry.Event) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("inquiry event dropped",
		"record_id", event.Record.ID,
		"action", event.Verdict,
		"total_drops", drops,
	)
}

// warnChannelDepth logs a capacity warning, rate-limited to once per second.
func (s *EmitterService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()

	if now-last < int64(time.Second) {
		return
	}

	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("event channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedEvents returns total dropped events (for metrics/alerting).
func (s *EmitterService) DroppedEvents() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns current channel usage (for monitoring).
func (s *EmitterService) ChannelDepth() int {
	return len(s.events)
}

// ChannelCapacity returns the channel buffer size.
func (s *EmitterService) ChannelCapacity() int {
	return s.channelSize
}

// Stop signals the worker to stop and waits for it to finish. Buffered
// events are delivered before returning.
func (s *EmitterService) Stop() {
	close(s.events)
	s.wg.Wait()
}

// worker is the background goroutine that delivers queued events.
func (s *EmitterService) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case event, ok := <-s.events:
			if !ok {
				return
			}
			s.deliver(event)

		case <-ctx.Done():
			// Deliver whatever is already buffered, then stop.
			for {
				select {
				case event, ok := <-s.events:
					if !ok {
						return
					}
					s.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// deliver pushes one event to the observer with a bounded deadline.
// Errors are logged but not propagated - event delivery must not fail
// policy decisions.
func (s *EmitterService) deliver(event inquiry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.observer.Emit(ctx, inquiry.ChannelUpdates, event); err != nil {
		s.logger.Error("failed to deliver inquiry event",
			"error", err,
			"record_id", event.Record.ID,
		)
	}
}

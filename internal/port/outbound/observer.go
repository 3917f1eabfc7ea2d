package outbound

import (
	"context"

	"github.com/fluxkompensator/postfixer/internal/domain/inquiry"
)

// Observer is the outbound port for realtime decision events. Delivery is
// best-effort, at-most-once per inquiry: implementations may drop events
// under pressure but must never block the decision path indefinitely.
type Observer interface {
	// Emit delivers one event to the named channel.
	Emit(ctx context.Context, channel string, event inquiry.Event) error
}

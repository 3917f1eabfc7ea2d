// Package inbound defines the inbound port interfaces for the decision
// core. Inbound adapters (the policy TCP server) call these interfaces.
package inbound

import (
	"context"

	"github.com/fluxkompensator/postfixer/pkg/postfix"
)

// Decider is the inbound port for the decision pipeline. The connection
// server hands it one parsed inquiry at a time and writes the returned
// verdict back to the MTA.
type Decider interface {
	// Decide produces the verdict for one valid inquiry. It never returns
	// an empty verdict: when nothing matches, the protocol fallback is
	// returned. Persistence and observer emission happen as side effects
	// and their failures do not surface here.
	Decide(ctx context.Context, attrs postfix.Attributes) string
}

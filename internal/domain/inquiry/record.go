// Package inquiry contains domain types for answered policy inquiries:
// the persisted record and the realtime event sent to observers.
package inquiry

import (
	"encoding/json"
	"time"

	"github.com/fluxkompensator/postfixer/internal/domain/rule"
	"github.com/fluxkompensator/postfixer/pkg/postfix"
)

// Record is one answered policy inquiry: the attribute map the MTA sent
// plus the decision made about it. The id is assigned by the store on
// insert and is opaque to everything else.
type Record struct {
	// ID is the store-assigned opaque identifier. Empty until persisted.
	ID string
	// Timestamp is when the inquiry was received (UTC).
	Timestamp time.Time
	// Attributes is the parsed attribute map, unknown keys included.
	Attributes postfix.Attributes
	// RuleMatch is the matching rule's result, nil when no rule matched.
	RuleMatch *rule.Match
	// Verdict is the final single-line verdict returned to the MTA.
	Verdict string
}

// MarshalJSON renders the record in the management API's flattened wire
// shape: the attribute pairs at the top level alongside _id, timestamp,
// rule_results, and final_action.
func (r Record) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(r.Attributes)+4)
	for k, v := range r.Attributes {
		doc[k] = v
	}
	doc["_id"] = r.ID
	doc["timestamp"] = r.Timestamp.UTC().Format(time.RFC3339Nano)
	doc["final_action"] = r.Verdict
	if r.RuleMatch != nil {
		doc["rule_results"] = r.RuleMatch
	} else {
		doc["rule_results"] = nil
	}
	return json.Marshal(doc)
}

// Clone returns an independent copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Attributes = r.Attributes.Clone()
	if r.RuleMatch != nil {
		m := *r.RuleMatch
		out.RuleMatch = &m
	}
	return out
}

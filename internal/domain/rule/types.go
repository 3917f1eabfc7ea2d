// Package rule contains the domain types and evaluation logic for ordered
// policy rules: attribute conditions, boolean reduction, and verdict actions.
package rule

import (
	"errors"

	"github.com/fluxkompensator/postfixer/pkg/postfix"
)

// ErrNotFound is returned when an operation references a rule id that does
// not exist.
var ErrNotFound = errors.New("rule not found")

// MatchType selects how a condition compares an attribute value.
type MatchType string

const (
	// MatchExact compares byte-equal.
	MatchExact MatchType = "exact"
	// MatchRegex matches a regular expression anchored at the start of the value.
	MatchRegex MatchType = "regex"
	// MatchWildcard matches the whole value, with '*' standing for any run of
	// characters and every other character literal.
	MatchWildcard MatchType = "wildcard"
)

// Operator combines two condition results during left-associative reduction.
type Operator string

const (
	OpAnd  Operator = "AND"
	OpOr   Operator = "OR"
	OpNand Operator = "NAND"
	OpNor  Operator = "NOR"
)

// ActionType groups the verdict tokens a rule may produce.
type ActionType string

const (
	ActionAccept ActionType = "ACCEPT"
	ActionReject ActionType = "REJECT"
	ActionOther  ActionType = "OTHER"
)

// allowedActions lists the verdict tokens each action type accepts. REJECT
// additionally accepts any 3-digit code matching [45][0-9]{2}.
var allowedActions = map[ActionType][]string{
	ActionAccept: {"OK"},
	ActionReject: {"REJECT", "DEFER", "DEFER_IF_REJECT", "DEFER_IF_PERMIT"},
	ActionOther:  {"BCC", "DISCARD", "DUNNO", "FILTER", "HOLD", "WARN"},
}

// Condition is one attribute predicate within a rule. The JSON field names
// follow the management API's wire format.
type Condition struct {
	// Key is the attribute name the condition inspects.
	Key string `json:"key"`
	// Match selects the comparison semantics.
	Match MatchType `json:"condition"`
	// Value is the literal or pattern compared against the attribute.
	Value string `json:"value"`
}

// Rule is an ordered predicate-to-action mapping. ID doubles as the rule's
// evaluation position: ids are dense (1..N) and evaluation walks them
// ascending.
type Rule struct {
	// ID is the rule's position, unique and contiguous from 1.
	ID int `json:"rule_id"`
	// Name is a display string for dashboards.
	Name string `json:"name"`
	// Conditions are the attribute predicates, length >= 1.
	Conditions []Condition `json:"conditions"`
	// Operators reduce condition results pairwise, length = len(Conditions)-1.
	Operators []Operator `json:"operators"`
	// ActionType groups Action into ACCEPT, REJECT, or OTHER.
	ActionType ActionType `json:"action_type"`
	// Action is the verdict token sent to the MTA when the rule matches.
	Action string `json:"action"`
	// CustomText is an optional free-text suffix appended to the verdict.
	CustomText string `json:"custom_text,omitempty"`
}

// Clone returns a deep copy of the rule.
func (r Rule) Clone() Rule {
	out := r
	out.Conditions = make([]Condition, len(r.Conditions))
	copy(out.Conditions, r.Conditions)
	out.Operators = make([]Operator, len(r.Operators))
	copy(out.Operators, r.Operators)
	return out
}

// Match is the outcome of evaluating the rule set against one inquiry.
type Match struct {
	RuleID     int        `json:"rule_id"`
	RuleName   string     `json:"rule_name"`
	ActionType ActionType `json:"action_type"`
	Action     string     `json:"action"`
	CustomText string     `json:"custom_text,omitempty"`
}

// Verdict renders the match as the single-line wire verdict.
func (m Match) Verdict() string {
	return postfix.Verdict(m.Action, m.CustomText)
}

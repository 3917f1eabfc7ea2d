package rule

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// rejectCodePattern accepts the 3-digit SMTP codes REJECT rules may use.
var rejectCodePattern = regexp.MustCompile(`^[45][0-9]{2}$`)

// ValidationError describes why a rule was refused at create or update time.
// Message is safe for the management client; it carries no internal detail.
type ValidationError struct {
	// Field names the offending rule field.
	Field string
	// Message explains the failure.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks a rule against the domain contract: at least one
// condition, exactly len(conditions)-1 operators, known match types and
// operators, an action drawn from the action type's allowed list (or a
// [45]NN code for REJECT), and a well-formed custom text. The rule id is
// not validated; the registry owns id assignment.
func Validate(r Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name", "required")
	}

	if len(r.Conditions) == 0 {
		return invalid("conditions", "at least one condition is required")
	}
	for i, c := range r.Conditions {
		if strings.TrimSpace(c.Key) == "" {
			return invalid("conditions", "condition %d: key is required", i+1)
		}
		switch c.Match {
		case MatchExact, MatchRegex, MatchWildcard:
		default:
			return invalid("conditions", "condition %d: unknown match type %q", i+1, string(c.Match))
		}
	}

	if len(r.Operators) != len(r.Conditions)-1 {
		return invalid("operators", "need exactly %d for %d conditions, got %d",
			len(r.Conditions)-1, len(r.Conditions), len(r.Operators))
	}
	for i, op := range r.Operators {
		switch op {
		case OpAnd, OpOr, OpNand, OpNor:
		default:
			return invalid("operators", "operator %d: unknown operator %q", i+1, string(op))
		}
	}

	actions, ok := allowedActions[r.ActionType]
	if !ok {
		return invalid("action_type", "unknown action type %q", string(r.ActionType))
	}
	if !actionAllowed(r.ActionType, r.Action, actions) {
		return invalid("action", "%q is not valid for action type %s", r.Action, string(r.ActionType))
	}

	if r.CustomText != "" {
		if strings.TrimSpace(r.CustomText) == "" {
			return invalid("custom_text", "must not be blank")
		}
		if first, _ := utf8.DecodeRuneInString(r.CustomText); unicode.IsSpace(first) {
			return invalid("custom_text", "must not begin with whitespace")
		}
	}

	return nil
}

func actionAllowed(t ActionType, action string, allowed []string) bool {
	for _, a := range allowed {
		if action == a {
			return true
		}
	}
	return t == ActionReject && rejectCodePattern.MatchString(action)
}

package rule

import (
	"regexp"
	"strings"

	"github.com/fluxkompensator/postfixer/pkg/postfix"
)

// CompiledCondition is a Condition with its pattern compiled. A condition
// whose pattern fails to compile evaluates to false without aborting the
// rule.
type CompiledCondition struct {
	Condition
	re  *regexp.Regexp // nil for exact matches
	bad bool           // pattern failed to compile
}

// CompileCondition prepares a condition for evaluation. Regex patterns are
// anchored at the start of the value; wildcard patterns match the whole
// value with '*' as "any run of characters" and all else literal.
func CompileCondition(c Condition) CompiledCondition {
	cc := CompiledCondition{Condition: c}
	switch c.Match {
	case MatchRegex:
		re, err := regexp.Compile("^(?:" + c.Value + ")")
		if err != nil {
			cc.bad = true
			return cc
		}
		cc.re = re
	case MatchWildcard:
		// QuoteMeta everything between the stars so only '*' is special.
		parts := strings.Split(c.Value, "*")
		for i, p := range parts {
			parts[i] = regexp.QuoteMeta(p)
		}
		re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
		if err != nil {
			cc.bad = true
			return cc
		}
		cc.re = re
	}
	return cc
}

// Holds evaluates the condition against an attribute map. Absent keys and
// uncompilable patterns are false.
func (cc CompiledCondition) Holds(attrs postfix.Attributes) bool {
	value, ok := attrs[cc.Key]
	if !ok {
		return false
	}
	if cc.bad {
		return false
	}
	switch cc.Match {
	case MatchExact:
		return value == cc.Value
	case MatchRegex, MatchWildcard:
		return cc.re.MatchString(value)
	default:
		return false
	}
}

// CompiledRule pairs a rule with its compiled conditions.
type CompiledRule struct {
	Rule
	conditions []CompiledCondition
}

// Compile prepares a rule for repeated evaluation.
func Compile(r Rule) CompiledRule {
	cr := CompiledRule{Rule: r}
	cr.conditions = make([]CompiledCondition, len(r.Conditions))
	for i, c := range r.Conditions {
		cr.conditions[i] = CompileCondition(c)
	}
	return cr
}

// CompileAll compiles a slice of rules preserving order.
func CompileAll(rules []Rule) []CompiledRule {
	out := make([]CompiledRule, len(rules))
	for i, r := range rules {
		out[i] = Compile(r)
	}
	return out
}

// Matches reports whether the rule's reduced condition results hold for the
// given attributes.
func (cr CompiledRule) Matches(attrs postfix.Attributes) bool {
	results := make([]bool, len(cr.conditions))
	for i, cc := range cr.conditions {
		results[i] = cc.Holds(attrs)
	}
	return Reduce(results, cr.Operators)
}

// Reduce folds condition results left-associatively: with results r1 r2 r3
// and operators o1 o2 the outcome is ((r1 o1 r2) o2 r3). Operators carry no
// precedence. An unknown operator yields false.
func Reduce(results []bool, operators []Operator) bool {
	if len(results) == 0 {
		return false
	}
	acc := results[0]
	for i, op := range operators {
		if i+1 >= len(results) {
			break
		}
		acc = applyOperator(op, acc, results[i+1])
	}
	return acc
}

func applyOperator(op Operator, a, b bool) bool {
	switch op {
	case OpAnd:
		return a && b
	case OpOr:
		return a || b
	case OpNand:
		return !(a && b)
	case OpNor:
		return !(a || b)
	default:
		return false
	}
}

// Evaluate walks compiled rules in ascending id order and returns the first
// match. The boolean reports whether any rule matched. Evaluation is a pure
// function of the rule snapshot and the attribute map.
func Evaluate(rules []CompiledRule, attrs postfix.Attributes) (Match, bool) {
	for _, cr := range rules {
		if cr.Matches(attrs) {
			return Match{
				RuleID:     cr.ID,
				RuleName:   cr.Name,
				ActionType: cr.ActionType,
				Action:     cr.Action,
				CustomText: cr.CustomText,
			}, true
		}
	}
	return Match{}, false
}

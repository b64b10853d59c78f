package convoflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Route evaluation modes. Both modes take exactly one edge; evaluate
// all differs only in that every condition result is computed (and
// logged) instead of short-circuiting on the first match.
const (
	ModeFirstMatch  = "first_match"
	ModeEvaluateAll = "evaluate_all"
)

// conditionKind is the closed set of route condition variants.
// Condition strings are parsed once at build time; evaluation is a
// switch over the variant, never string parsing.
type conditionKind int

const (
	condEquals conditionKind = iota
	condNotEquals
	condContains
	condNumeric
	condLiteral
)

// Condition is one parsed route condition.
type Condition struct {
	kind  conditionKind
	field string

	strValue string  // equals, not-equals, contains
	numOp    string  // numeric: ">", ">=", "<", "<=", "==", "!="
	numValue float64 // numeric
	literal  bool    // literal true/false
}

// Route is a parsed conditional edge out of a Router node.
type Route struct {
	Condition Condition
	Target    string
}

// ParseCondition parses a condition string into a tagged variant.
// Supported shapes:
//
//	true / false
//	field == "value"    (also === and !=)
//	field contains "value"
//	field > 3           (also >=, <, <=, ==, !=)
func ParseCondition(s string) (Condition, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return Condition{}, fmt.Errorf("empty condition")
	case "true":
		return Condition{kind: condLiteral, literal: true}, nil
	case "false":
		return Condition{kind: condLiteral, literal: false}, nil
	}

	if field, value, ok := splitOperator(s, " contains "); ok {
		str, isStr := unquote(value)
		if !isStr {
			return Condition{}, fmt.Errorf("contains requires a quoted string: %s", s)
		}
		return Condition{kind: condContains, field: field, strValue: str}, nil
	}

	// Longest operators first so ">=" is not read as ">".
	for _, op := range []string{"===", "==", "!=", ">=", "<=", ">", "<"} {
		field, value, ok := splitOperator(s, op)
		if !ok {
			continue
		}
		if str, isStr := unquote(value); isStr {
			switch op {
			case "===", "==":
				return Condition{kind: condEquals, field: field, strValue: str}, nil
			case "!=":
				return Condition{kind: condNotEquals, field: field, strValue: str}, nil
			default:
				return Condition{}, fmt.Errorf("operator %s does not apply to strings: %s", op, s)
			}
		}
		num, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Condition{}, fmt.Errorf("operand is neither quoted string nor number: %s", s)
		}
		numOp := op
		if numOp == "===" {
			numOp = "=="
		}
		return Condition{kind: condNumeric, field: field, numOp: numOp, numValue: num}, nil
	}

	return Condition{}, fmt.Errorf("unrecognized condition: %s", s)
}

func splitOperator(s, op string) (field, value string, ok bool) {
	i := strings.Index(s, op)
	if i < 0 {
		return "", "", false
	}
	field = strings.TrimSpace(s[:i])
	value = strings.TrimSpace(s[i+len(op):])
	if field == "" || value == "" {
		return "", "", false
	}
	return field, value, true
}

// unquote strips matching single or double quotes.
func unquote(s string) (string, bool) {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1], true
		}
	}
	return s, false
}

// Evaluate reports whether the condition holds for the state.
func (c Condition) Evaluate(state RunState) bool {
	switch c.kind {
	case condLiteral:
		return c.literal
	case condEquals:
		v, ok := lookupString(state, c.field)
		return ok && v == c.strValue
	case condNotEquals:
		v, ok := lookupString(state, c.field)
		return ok && v != c.strValue
	case condContains:
		v, ok := lookupString(state, c.field)
		return ok && strings.Contains(v, c.strValue)
	case condNumeric:
		v, ok := lookupNumber(state, c.field)
		if !ok {
			return false
		}
		switch c.numOp {
		case ">":
			return v > c.numValue
		case ">=":
			return v >= c.numValue
		case "<":
			return v < c.numValue
		case "<=":
			return v <= c.numValue
		case "==":
			return v == c.numValue
		case "!=":
			return v != c.numValue
		}
	}
	return false
}

// selectRoute returns the first matching route target, or the default.
// Empty means no route. In evaluate-all mode every condition is still
// computed, but only one edge is ever taken.
func selectRoute(routes []Route, defaultTarget, mode string, state RunState) string {
	if mode == ModeEvaluateAll {
		chosen := ""
		for _, r := range routes {
			if r.Condition.Evaluate(state) && chosen == "" {
				chosen = r.Target
			}
		}
		if chosen != "" {
			return chosen
		}
		return defaultTarget
	}

	for _, r := range routes {
		if r.Condition.Evaluate(state) {
			return r.Target
		}
	}
	return defaultTarget
}

// lookupString resolves a condition field against the state: named
// fields first, then the free-form input payload (dotted paths reach
// nested maps).
func lookupString(state RunState, field string) (string, bool) {
	switch field {
	case "userInput":
		return state.UserInput, true
	case "response":
		return state.Response, true
	case "routeChosen":
		return state.RouteChosen, true
	case "currentSlotKey":
		return state.CurrentSlotKey, true
	}
	v, ok := lookupInput(state.Input, field)
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return fmt.Sprintf("%v", val), true
	}
}

func lookupNumber(state RunState, field string) (float64, bool) {
	v, ok := lookupInput(state.Input, field)
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case string:
		n, err := strconv.ParseFloat(val, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func lookupInput(input map[string]any, path string) (any, bool) {
	if input == nil {
		return nil, false
	}
	var value any = input
	for _, segment := range strings.Split(path, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

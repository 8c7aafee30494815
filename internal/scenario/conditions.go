package scenario

import (
	"fmt"
	"strconv"
)

// Evaluate checks every rule against the facts map and ANDs the results.
// An empty rule list is vacuously true. A type mismatch or unsupported
// operator evaluates the rule to false rather than erroring, so one bad rule
// cannot crash a dispatch pass. Pure: the same facts bundle can be checked
// against many scenarios.
func Evaluate(rules []Rule, facts map[string]any) bool {
	for _, rule := range rules {
		if !evaluateRule(rule, facts) {
			return false
		}
	}
	return true
}

func evaluateRule(rule Rule, facts map[string]any) bool {
	fact, present := facts[rule.Field]

	switch rule.Operator {
	case OpGTE:
		if !present {
			return false
		}
		f, ok1 := toFloat(fact)
		v, ok2 := toFloat(rule.Value)
		return ok1 && ok2 && f >= v
	case OpLTE:
		if !present {
			return false
		}
		f, ok1 := toFloat(fact)
		v, ok2 := toFloat(rule.Value)
		return ok1 && ok2 && f <= v
	case OpEQ:
		return present && looseEqual(fact, rule.Value)
	case OpNEQ:
		// An absent fact is by definition not equal to the literal.
		return !present || !looseEqual(fact, rule.Value)
	case OpIn:
		return present && containsLoose(rule.Value, fact)
	case OpNotIn:
		return !present || !containsLoose(rule.Value, fact)
	default:
		return false
	}
}

// looseEqual compares numerically when both sides are numeric, otherwise by
// string form. JSON decoding yields float64 for every number, so a config
// literal 5 must match a fact of int 5.
func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func containsLoose(list, item any) bool {
	switch vals := list.(type) {
	case []any:
		for _, v := range vals {
			if looseEqual(v, item) {
				return true
			}
		}
	case []string:
		for _, v := range vals {
			if looseEqual(v, item) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

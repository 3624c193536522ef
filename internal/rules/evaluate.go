package rules

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Variables is the flat variable set of one lead.
type Variables map[string]string

// Match evaluates c against vars. A nil condition matches. Errors wrap
// ErrMalformed and mean the condition could not be evaluated at all.
func Match(c Condition, vars Variables) (bool, error) {
	switch n := c.(type) {
	case nil:
		return true, nil
	case *Predicate:
		return n.match(vars)
	case All:
		for _, child := range n {
			ok, err := Match(child, vars)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case Any:
		for _, child := range n {
			ok, err := Match(child, vars)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case Not:
		if n.Condition == nil {
			return false, fmt.Errorf("%w: not without condition", ErrMalformed)
		}
		ok, err := Match(n.Condition, vars)
		return !ok && err == nil, err
	default:
		return false, fmt.Errorf("%w: unsupported node %T", ErrMalformed, c)
	}
}

// Allows is Match for an optional filter expression.
func Allows(e *Expr, vars Variables) (bool, error) {
	if e == nil {
		return true, nil
	}
	return Match(e.Condition, vars)
}

func (p *Predicate) match(vars Variables) (bool, error) {
	if p.Variable == "" {
		return false, fmt.Errorf("%w: predicate without variable", ErrMalformed)
	}
	raw, present := vars[p.Variable]
	value := fold(raw)
	present = present && value != ""

	switch p.Op {
	case OpExists:
		return present, nil
	case OpNotExists:
		return !present, nil
	case OpEquals:
		return present && value == fold(p.Value), nil
	case OpNotEquals:
		return !present || value != fold(p.Value), nil
	case OpContains:
		return present && strings.Contains(value, fold(p.Value)), nil
	case OpNotContains:
		return !present || !strings.Contains(value, fold(p.Value)), nil
	case OpStartsWith:
		return present && strings.HasPrefix(value, fold(p.Value)), nil
	case OpIn:
		if len(p.Values) == 0 {
			return false, fmt.Errorf("%w: %q needs values", ErrMalformed, p.Op)
		}
		return present && oneOf(value, p.Values), nil
	case OpNotIn:
		if len(p.Values) == 0 {
			return false, fmt.Errorf("%w: %q needs values", ErrMalformed, p.Op)
		}
		return !present || !oneOf(value, p.Values), nil
	case OpRange:
		if p.Min == nil && p.Max == nil {
			return false, fmt.Errorf("%w: range on %q without bounds", ErrMalformed, p.Variable)
		}
		n, ok := parseNumber(raw)
		if !ok {
			return false, nil
		}
		if p.Min != nil && n.LessThan(*p.Min) {
			return false, nil
		}
		if p.Max != nil && n.GreaterThan(*p.Max) {
			return false, nil
		}
		return true, nil
	case OpGT, OpGTE, OpLT, OpLTE:
		bound, ok := parseNumber(p.Value)
		if !ok {
			return false, fmt.Errorf("%w: %q on %q needs a numeric value, got %q", ErrMalformed, p.Op, p.Variable, p.Value)
		}
		n, ok := parseNumber(raw)
		if !ok {
			return false, nil
		}
		cmp := n.Cmp(bound)
		switch p.Op {
		case OpGT:
			return cmp > 0, nil
		case OpGTE:
			return cmp >= 0, nil
		case OpLT:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrMalformed, p.Op)
	}
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// oneOf matches the whole value or, for multi-select answers joined by the
// extractor, any single selected option.
func oneOf(value string, set []string) bool {
	candidates := []string{value}
	if strings.Contains(value, ",") {
		for _, part := range strings.Split(value, ",") {
			candidates = append(candidates, strings.TrimSpace(part))
		}
	}
	for _, c := range candidates {
		for _, s := range set {
			if c == fold(s) {
				return true
			}
		}
	}
	return false
}

// parseNumber accepts "1234.5" as well as the "1234,5" decimal comma form.
func parseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false
	}
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// Validate walks c and reports the first node Match would reject as malformed.
func Validate(c Condition) error {
	switch n := c.(type) {
	case nil:
		return fmt.Errorf("%w: empty condition", ErrMalformed)
	case *Predicate:
		if n.Variable == "" {
			return fmt.Errorf("%w: predicate without variable", ErrMalformed)
		}
		switch n.Op {
		case OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpExists, OpNotExists:
		case OpIn, OpNotIn:
			if len(n.Values) == 0 {
				return fmt.Errorf("%w: %q on %q needs values", ErrMalformed, n.Op, n.Variable)
			}
		case OpRange:
			if n.Min == nil && n.Max == nil {
				return fmt.Errorf("%w: range on %q without bounds", ErrMalformed, n.Variable)
			}
			if n.Min != nil && n.Max != nil && n.Min.GreaterThan(*n.Max) {
				return fmt.Errorf("%w: range on %q has min above max", ErrMalformed, n.Variable)
			}
		case OpGT, OpGTE, OpLT, OpLTE:
			if _, ok := parseNumber(n.Value); !ok {
				return fmt.Errorf("%w: %q on %q needs a numeric value", ErrMalformed, n.Op, n.Variable)
			}
		default:
			return fmt.Errorf("%w: unknown operator %q", ErrMalformed, n.Op)
		}
		return nil
	case All:
		return validateAll(n)
	case Any:
		return validateAll(n)
	case Not:
		return Validate(n.Condition)
	default:
		return fmt.Errorf("%w: unsupported node %T", ErrMalformed, c)
	}
}

func validateAll(cs []Condition) error {
	for _, c := range cs {
		if err := Validate(c); err != nil {
			return err
		}
	}
	return nil
}

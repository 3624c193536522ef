// Package rules holds the targeting and personalization rule language used by
// campaigns: quantum filters, trigger conditions and ordered conditional
// clauses. Conditions form a small AST of predicates combined with all/any/not.
package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrMalformed is wrapped by every error caused by a rule that cannot be
// evaluated, as opposed to one that simply does not match.
var ErrMalformed = errors.New("malformed rule")

// Condition is one node of the rule AST: *Predicate, All, Any or Not.
type Condition interface {
	isCondition()
}

type Op string

const (
	OpEquals      Op = "equals"
	OpNotEquals   Op = "not_equals"
	OpContains    Op = "contains"
	OpNotContains Op = "not_contains"
	OpStartsWith  Op = "starts_with"
	OpIn          Op = "in"
	OpNotIn       Op = "not_in"
	OpRange       Op = "range"
	OpGT          Op = "gt"
	OpGTE         Op = "gte"
	OpLT          Op = "lt"
	OpLTE         Op = "lte"
	OpExists      Op = "exists"
	OpNotExists   Op = "not_exists"
)

// Predicate compares one variable of a lead against a value.
type Predicate struct {
	Variable string
	Op       Op
	Value    string
	Values   []string
	Min      *decimal.Decimal
	Max      *decimal.Decimal
}

// All is a conjunction; an empty All matches.
type All []Condition

// Any is a disjunction; an empty Any does not match.
type Any []Condition

type Not struct {
	Condition Condition
}

func (*Predicate) isCondition() {}
func (All) isCondition()        {}
func (Any) isCondition()        {}
func (Not) isCondition()        {}

// Expr is the JSON envelope of a Condition:
//
//	{"type":"predicate","variable":"idade","op":"range","min":18,"max":30}
//	{"type":"all","conditions":[...]}
//	{"type":"any","conditions":[...]}
//	{"type":"not","condition":{...}}
//
// A bare JSON array is read as an "all" of its elements.
type Expr struct {
	Condition Condition
}

type wireExpr struct {
	Type       string            `json:"type"`
	Variable   string            `json:"variable,omitempty"`
	Op         Op                `json:"op,omitempty"`
	Value      json.RawMessage   `json:"value,omitempty"`
	Values     []json.RawMessage `json:"values,omitempty"`
	Min        *decimal.Decimal  `json:"min,omitempty"`
	Max        *decimal.Decimal  `json:"max,omitempty"`
	Conditions []Expr            `json:"conditions,omitempty"`
	Condition  *Expr             `json:"condition,omitempty"`
}

func (e Expr) MarshalJSON() ([]byte, error) {
	w, err := toWire(e.Condition)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func toWire(c Condition) (*wireExpr, error) {
	switch n := c.(type) {
	case nil:
		return nil, fmt.Errorf("%w: empty condition", ErrMalformed)
	case *Predicate:
		w := &wireExpr{Type: "predicate", Variable: n.Variable, Op: n.Op, Min: n.Min, Max: n.Max}
		if n.Value != "" {
			raw, _ := json.Marshal(n.Value)
			w.Value = raw
		}
		for _, v := range n.Values {
			raw, _ := json.Marshal(v)
			w.Values = append(w.Values, raw)
		}
		return w, nil
	case All:
		return &wireExpr{Type: "all", Conditions: wrap(n)}, nil
	case Any:
		return &wireExpr{Type: "any", Conditions: wrap(n)}, nil
	case Not:
		return &wireExpr{Type: "not", Condition: &Expr{Condition: n.Condition}}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported node %T", ErrMalformed, c)
	}
}

func wrap(cs []Condition) []Expr {
	out := make([]Expr, len(cs))
	for i, c := range cs {
		out[i] = Expr{Condition: c}
	}
	return out
}

func (e *Expr) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		e.Condition = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var list []Expr
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		e.Condition = unwrapAll(list)
		return nil
	}

	var w wireExpr
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	switch w.Type {
	case "predicate", "":
		value, err := scalarString(w.Value)
		if err != nil {
			return fmt.Errorf("%w: predicate %q value: %v", ErrMalformed, w.Variable, err)
		}
		p := &Predicate{Variable: w.Variable, Op: w.Op, Value: value, Min: w.Min, Max: w.Max}
		for _, raw := range w.Values {
			v, err := scalarString(raw)
			if err != nil {
				return fmt.Errorf("%w: predicate %q values: %v", ErrMalformed, w.Variable, err)
			}
			p.Values = append(p.Values, v)
		}
		e.Condition = p
	case "all", "and":
		e.Condition = unwrapAll(w.Conditions)
	case "any", "or":
		or := make(Any, 0, len(w.Conditions))
		for _, c := range w.Conditions {
			or = append(or, c.Condition)
		}
		e.Condition = or
	case "not":
		if w.Condition == nil {
			return fmt.Errorf("%w: not without condition", ErrMalformed)
		}
		e.Condition = Not{Condition: w.Condition.Condition}
	default:
		return fmt.Errorf("%w: unknown condition type %q", ErrMalformed, w.Type)
	}
	return nil
}

func unwrapAll(list []Expr) All {
	all := make(All, 0, len(list))
	for _, c := range list {
		all = append(all, c.Condition)
	}
	return all
}

// scalarString accepts a JSON string, number or boolean.
func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	default:
		return "", fmt.Errorf("expected scalar, got %T", v)
	}
}

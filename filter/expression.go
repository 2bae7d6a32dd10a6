package filter

import (
	"fmt"
	"sort"
	"strings"
)

// Condition is one field/operator/value triple.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

// Ordering sorts results by Field.
type Ordering struct {
	Field string
	Desc  bool
}

// Expression is an ordered list of conditions joined with AND, plus optional
// ordering. The zero value matches everything.
//
// Build one fluently; the first invalid key is kept and reported by Err and
// by Translate:
//
//	expr := filter.New().
//		Where("status", "active").
//		Where("price__gte", 100).
//		OrderBy("-created_at")
type Expression struct {
	Conditions []Condition
	Order      []Ordering
	err        error
}

// New returns an empty expression.
func New() *Expression {
	return &Expression{}
}

// FromMap builds an expression from keyword style keys. Keys are applied in
// sorted order so the same map always yields the same expression.
func FromMap(m map[string]any) (*Expression, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	expr := New()
	for _, k := range keys {
		expr.Where(k, m[k])
	}
	return expr, expr.Err()
}

// Where appends the condition encoded in key ("field" or "field__op").
func (e *Expression) Where(key string, value any) *Expression {
	field, op, err := Parse(key)
	if err != nil {
		if e.err == nil {
			e.err = err
		}
		return e
	}
	return e.Add(field, op, value)
}

// Add appends an explicit condition.
func (e *Expression) Add(field string, op Operator, value any) *Expression {
	if !op.Valid() {
		if e.err == nil {
			e.err = invalid(field+Separator+string(op), "unknown operator "+string(op))
		}
		return e
	}
	e.Conditions = append(e.Conditions, Condition{Field: field, Operator: op, Value: value})
	return e
}

// OrderBy appends orderings. A leading "-" sorts descending.
func (e *Expression) OrderBy(fields ...string) *Expression {
	for _, f := range fields {
		desc := strings.HasPrefix(f, "-")
		f = strings.TrimPrefix(f, "-")
		if f == "" {
			continue
		}
		e.Order = append(e.Order, Ordering{Field: f, Desc: desc})
	}
	return e
}

// Err returns the first construction error.
func (e *Expression) Err() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Empty reports whether the expression has no conditions.
func (e *Expression) Empty() bool {
	return e == nil || len(e.Conditions) == 0
}

// Equalities returns the operator-free conditions as a field/value map.
// Used to seed new records from a lookup filter.
func (e *Expression) Equalities() map[string]any {
	out := map[string]any{}
	if e == nil {
		return out
	}
	for _, c := range e.Conditions {
		if c.Operator == Eq {
			out[c.Field] = c.Value
		}
	}
	return out
}

// Signature renders a stable description used in cache keys.
func (e *Expression) Signature() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, len(e.Conditions)+len(e.Order))
	for _, c := range e.Conditions {
		parts = append(parts, fmt.Sprintf("%s%s%s=%v", c.Field, Separator, c.Operator, c.Value))
	}
	for _, o := range e.Order {
		dir := "asc"
		if o.Desc {
			dir = "desc"
		}
		parts = append(parts, "order:"+o.Field+":"+dir)
	}
	return strings.Join(parts, "&")
}

package filter

import (
	"fmt"
	"reflect"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// Schema answers whether a record type has a column.
type Schema interface {
	HasField(name string) bool
}

// Fields is a Schema backed by a set of column names.
type Fields map[string]struct{}

// NewFields builds a Fields schema.
func NewFields(names ...string) Fields {
	f := make(Fields, len(names))
	for _, n := range names {
		f[n] = struct{}{}
	}
	return f
}

// HasField reports whether name is a known column.
func (f Fields) HasField(name string) bool {
	_, ok := f[name]
	return ok
}

// Predicate is a bun query fragment with its placeholder arguments.
type Predicate struct {
	Query string
	Args  []any
}

// Translation holds the WHERE and ORDER BY fragments of an expression.
type Translation struct {
	Where []Predicate
	Order []Predicate
}

// Option tunes Translate.
type Option func(*options)

type options struct {
	column string
}

// Qualified prefixes columns with bun's ?TableAlias placeholder. Use it for
// select queries that may join relations.
func Qualified() Option {
	return func(o *options) {
		o.column = "?TableAlias.?"
	}
}

// Translate validates expr against schema and renders bun predicates for the
// given dialect. A nil expression translates to nothing.
func Translate(expr *Expression, schema Schema, d dialect.Name, opts ...Option) (Translation, error) {
	o := options{column: "?"}
	for _, opt := range opts {
		opt(&o)
	}

	var out Translation
	if expr == nil {
		return out, nil
	}
	if err := expr.Err(); err != nil {
		return out, err
	}

	for _, c := range expr.Conditions {
		if !schema.HasField(c.Field) {
			return Translation{}, invalid(c.Field, "unknown field")
		}
		p, ok, err := predicate(c, d, o.column)
		if err != nil {
			return Translation{}, err
		}
		if ok {
			out.Where = append(out.Where, p)
		}
	}

	for _, ord := range expr.Order {
		if !schema.HasField(ord.Field) {
			return Translation{}, invalid(ord.Field, "unknown order field")
		}
		dir := " ASC"
		if ord.Desc {
			dir = " DESC"
		}
		out.Order = append(out.Order, Predicate{Query: o.column + dir, Args: []any{bun.Ident(ord.Field)}})
	}

	return out, nil
}

func predicate(c Condition, d dialect.Name, column string) (Predicate, bool, error) {
	col := bun.Ident(c.Field)
	key := c.Field + Separator + string(c.Operator)
	cmp := func(op string) Predicate {
		return Predicate{Query: column + " " + op + " ?", Args: []any{col, c.Value}}
	}
	unary := func(op string) Predicate {
		return Predicate{Query: column + " " + op, Args: []any{col}}
	}

	switch c.Operator {
	case Eq:
		if c.Value == nil {
			return unary("IS NULL"), true, nil
		}
		return cmp("="), true, nil
	case Ne:
		if c.Value == nil {
			return unary("IS NOT NULL"), true, nil
		}
		return cmp("<>"), true, nil
	case Gt:
		return cmp(">"), true, nil
	case Gte:
		return cmp(">="), true, nil
	case Lt:
		return cmp("<"), true, nil
	case Lte:
		return cmp("<="), true, nil
	case Like:
		return cmp("LIKE"), true, nil
	case ILike:
		if d == dialect.PG {
			return cmp("ILIKE"), true, nil
		}
		return Predicate{Query: "LOWER(" + column + ") LIKE LOWER(?)", Args: []any{col, c.Value}}, true, nil
	case In, NotIn:
		n, ok := listLen(c.Value)
		if !ok {
			return Predicate{}, false, invalid(key, fmt.Sprintf("expects a list, got %T", c.Value))
		}
		if n == 0 {
			if c.Operator == In {
				return Predicate{Query: "1 = 0"}, true, nil
			}
			return Predicate{}, false, nil
		}
		op := "IN"
		if c.Operator == NotIn {
			op = "NOT IN"
		}
		return Predicate{Query: column + " " + op + " (?)", Args: []any{col, bun.In(c.Value)}}, true, nil
	case IsNull:
		isNull, ok := c.Value.(bool)
		if !ok {
			return Predicate{}, false, invalid(key, fmt.Sprintf("expects a bool, got %T", c.Value))
		}
		if isNull {
			return unary("IS NULL"), true, nil
		}
		return unary("IS NOT NULL"), true, nil
	}

	return Predicate{}, false, invalid(key, "unknown operator")
}

func listLen(v any) (int, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return 0, false
		}
		return rv.Len(), true
	}
	return 0, false
}

// Where is any bun query with a Where method.
type Where[Q any] interface {
	Where(query string, args ...any) Q
}

// ApplyWhere adds every predicate to q.
func ApplyWhere[Q Where[Q]](q Q, preds []Predicate) Q {
	for _, p := range preds {
		q = q.Where(p.Query, p.Args...)
	}
	return q
}

// Apply adds the WHERE and ORDER BY fragments to a select query.
func (t Translation) Apply(q *bun.SelectQuery) *bun.SelectQuery {
	q = ApplyWhere(q, t.Where)
	for _, o := range t.Order {
		q = q.OrderExpr(o.Query, o.Args...)
	}
	return q
}

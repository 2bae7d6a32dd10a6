package filter

import "strings"

// Operator is one of the comparison operators a condition can use.
type Operator string

const (
	Eq     Operator = "eq"
	Ne     Operator = "ne"
	Gt     Operator = "gt"
	Gte    Operator = "gte"
	Lt     Operator = "lt"
	Lte    Operator = "lte"
	In     Operator = "in"
	NotIn  Operator = "not_in"
	Like   Operator = "like"
	ILike  Operator = "ilike"
	IsNull Operator = "is_null"
)

// Separator splits a key into field and operator, as in "price__gte".
const Separator = "__"

var operators = map[Operator]struct{}{
	Eq: {}, Ne: {}, Gt: {}, Gte: {}, Lt: {}, Lte: {},
	In: {}, NotIn: {}, Like: {}, ILike: {}, IsNull: {},
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	_, ok := operators[op]
	return ok
}

// Parse splits key on the first separator into field and operator.
// A key without a separator uses Eq.
func Parse(key string) (string, Operator, error) {
	field, op, found := strings.Cut(key, Separator)
	if field == "" {
		return "", "", invalid(key, "empty field name")
	}
	if !found {
		return field, Eq, nil
	}
	operator := Operator(op)
	if !operator.Valid() {
		return "", "", invalid(key, "unknown operator "+op)
	}
	return field, operator, nil
}

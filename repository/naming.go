package repository

import (
	"reflect"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// recordTypeName returns the snake_case singular name of T, e.g. "order_line".
func recordTypeName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return inflection.Singular(toSnake(t.Name()))
}

// topicName returns the plural change topic for a record type, e.g. "order_lines".
func topicName(recordType string) string {
	return inflection.Plural(recordType)
}

// toSnake converts reflected type names to snake_case. Punctuation from
// generic instantiations ("Box[pkg.Item]") collapses into single underscores
// so the result is safe as a cache namespace and broker topic.
func toSnake(s string) string {
	if s == "" {
		return ""
	}

	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(runes) + len(runes)/2)

	sep := func() {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
			b.WriteByte('_')
		}
	}

	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					sep()
				}
			}
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLower(r):
			b.WriteRune(r)
		case unicode.IsDigit(r):
			if i > 0 && unicode.IsLetter(runes[i-1]) {
				sep()
			}
			b.WriteRune(r)
		default:
			sep()
		}
	}

	return strings.Trim(b.String(), "_")
}

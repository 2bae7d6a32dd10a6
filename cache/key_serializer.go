package cache

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = "::"

// MaxSegmentLength is the longest argument segment kept verbatim in a key.
// Longer segments are replaced by their xxhash digest.
const MaxSegmentLength = 128

// KeySerializer builds a cache key from an operation name and arbitrary args.
// Identical calls must always produce identical keys.
type KeySerializer interface {
	SerializeKey(operation string, args ...any) string
}

// defaultKeySerializer implements KeySerializer using reflection-based serialization.
// Maps are rendered with sorted keys so key order never leaks into the cache key.
type defaultKeySerializer struct {
	maxSegment int
}

// NewDefaultKeySerializer creates a new instance of the default key serializer.
func NewDefaultKeySerializer() KeySerializer {
	return &defaultKeySerializer{maxSegment: MaxSegmentLength}
}

// SerializeKey joins the operation and each serialized argument with KeySeparator.
func (s *defaultKeySerializer) SerializeKey(operation string, args ...any) string {
	if len(args) == 0 {
		return operation
	}

	parts := make([]string, 0, len(args)+1)
	parts = append(parts, operation)

	for _, arg := range args {
		parts = append(parts, s.segment(s.serializeValue(arg)))
	}

	return strings.Join(parts, KeySeparator)
}

func (s *defaultKeySerializer) segment(v string) string {
	if s.maxSegment > 0 && len(v) > s.maxSegment {
		return "h:" + strconv.FormatUint(xxhash.Sum64String(v), 16)
	}
	return v
}

func (s *defaultKeySerializer) serializeValue(v any) string {
	if v == nil {
		return "nil"
	}

	rv := reflect.ValueOf(v)
	rt := rv.Type()

	switch rt.Kind() {
	case reflect.Func:
		// only stable within one process
		return fmt.Sprintf("func:%p", v)
	case reflect.Chan:
		return fmt.Sprintf("chan:%p", v)
	case reflect.Ptr:
		if rv.IsNil() {
			return "nil"
		}
		return s.serializeValue(rv.Elem().Interface())
	case reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return s.serializeValue(rv.Elem().Interface())
	}

	// uuid.UUID, time.Time and friends carry their identity in String
	if str, ok := v.(fmt.Stringer); ok {
		return str.String()
	}

	switch rt.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return "slice:nil"
		}
		return fmt.Sprintf("slice[%d]:{%s}", rv.Len(), s.serializeElems(rv))
	case reflect.Array:
		return fmt.Sprintf("array[%d]:{%s}", rv.Len(), s.serializeElems(rv))
	case reflect.Map:
		if rv.IsNil() {
			return "map:nil"
		}
		return s.serializeMap(rv)
	case reflect.Struct:
		return s.serializeStruct(rv, rt)
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128,
		reflect.String:
		return fmt.Sprintf("%v", v)
	}

	return s.fallback(v)
}

func (s *defaultKeySerializer) serializeElems(rv reflect.Value) string {
	parts := make([]string, rv.Len())
	for i := range parts {
		parts[i] = s.serializeValue(rv.Index(i).Interface())
	}
	return strings.Join(parts, ",")
}

func (s *defaultKeySerializer) serializeMap(rv reflect.Value) string {
	type pair struct{ k, v string }

	pairs := make([]pair, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		pairs = append(pairs, pair{
			k: s.serializeValue(iter.Key().Interface()),
			v: s.serializeValue(iter.Value().Interface()),
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })

	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.k + "=" + p.v
	}

	return fmt.Sprintf("map[%d]:{%s}", len(out), strings.Join(out, ","))
}

// serializeStruct renders exported fields only.
func (s *defaultKeySerializer) serializeStruct(rv reflect.Value, rt reflect.Type) string {
	parts := make([]string, 0, rv.NumField())

	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		parts = append(parts, field.Name+":"+s.serializeValue(rv.Field(i).Interface()))
	}

	return fmt.Sprintf("struct:{%s}", strings.Join(parts, ","))
}

func (s *defaultKeySerializer) fallback(v any) string {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return "fallback:" + reflect.TypeOf(v).String()
	}
	return "mp:" + strconv.FormatUint(xxhash.Sum64(data), 16)
}

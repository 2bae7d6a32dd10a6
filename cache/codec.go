package cache

import (
	"reflect"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns cached values into bytes and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type msgpackCodec struct{}

// NewMsgpackCodec returns the default Codec. Decoded times are in UTC so a
// cached value reads the same as a fresh one regardless of the local zone.
func NewMsgpackCodec() Codec {
	return msgpackCodec{}
}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return err
	}
	utcTimes(reflect.ValueOf(v))
	return nil
}

var timeType = reflect.TypeOf(time.Time{})

// utcTimes rewrites every reachable settable time.Time to UTC.
func utcTimes(v reflect.Value) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			utcTimes(v.Elem())
		}
	case reflect.Interface:
		if v.IsNil() {
			return
		}
		if t, ok := v.Interface().(time.Time); ok {
			if v.CanSet() {
				v.Set(reflect.ValueOf(t.UTC()))
			}
			return
		}
		utcTimes(v.Elem())
	case reflect.Struct:
		if v.Type() == timeType {
			if v.CanSet() {
				v.Set(reflect.ValueOf(v.Interface().(time.Time).UTC()))
			}
			return
		}
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				utcTimes(v.Field(i))
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			utcTimes(v.Index(i))
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			val := iter.Value()
			if val.Kind() == reflect.Interface && !val.IsNil() {
				val = val.Elem()
			}
			switch {
			case val.Type() == timeType:
				v.SetMapIndex(iter.Key(), reflect.ValueOf(val.Interface().(time.Time).UTC()))
			case val.Kind() == reflect.Ptr || val.Kind() == reflect.Map || val.Kind() == reflect.Slice:
				utcTimes(val)
			}
		}
	}
}

package model

import (
	"fmt"
	"reflect"
)

// Document is a loosely typed key/value payload. Values are whatever the
// frame codec produced: nil, string, bool, numbers, []any or nested maps.
type Document map[string]any

// Get returns the raw value stored under key, nil if absent.
func (d Document) Get(key string) any {
	if d == nil {
		return nil
	}
	return d[key]
}

// Has reports whether key is present with a non-nil value.
func (d Document) Has(key string) bool {
	return d.Get(key) != nil
}

// StringValue returns the value under key when it is a non-empty string.
// Any other type counts as missing, so keys like rooms never collide
// with the text form of a number.
func (d Document) StringValue(key string) (string, bool) {
	s, ok := d.Get(key).(string)
	return s, ok && s != ""
}

// Text returns the value under key as a non-empty string.
// Strings are returned as is, other truthy scalars are formatted.
// Empty, falsy or structured values yield ok == false.
func (d Document) Text(key string) (string, bool) {
	v := d.Get(key)
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, t != ""
	case bool:
		if !t {
			return "", false
		}
		return "true", true
	}
	if isNumber(v) && Truthy(v) {
		return fmt.Sprint(v), true
	}
	return "", false
}

// Bool coerces the value under key to a boolean, see Truthy.
func (d Document) Bool(key string) bool {
	return Truthy(d.Get(key))
}

// Truthy follows the usual dynamic-language rules: nil, false, zero numbers,
// empty strings and empty collections are false, everything else is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() != 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func isNumber(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// Package selector implements the partial-match patterns used to route
// inbound frames to listeners.
//
// A Pattern is either a Literal, which must equal the candidate value, or a
// Mapping, which requires every one of its keys to be present in the candidate
// and to match recursively. Keys the Mapping does not mention are ignored.
package selector

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Pattern is a sealed sum type: Literal or Mapping.
type Pattern interface {
	match(candidate any) bool
	String() string
}

// Literal matches a candidate deep-equal to Value. Numbers of any Go numeric
// kind are compared by value, so Literal{1} matches a JSON-decoded float64(1).
type Literal struct {
	Value any
}

// Mapping matches any map-shaped candidate containing every key of the
// Mapping with a matching value.
type Mapping map[string]Pattern

// Lit wraps v as a Literal.
func Lit(v any) Literal {
	return Literal{Value: v}
}

// From lifts a plain value into a Pattern. Maps with string keys become
// Mappings (recursively); everything else becomes a Literal.
func From(v any) Pattern {
	if p, ok := v.(Pattern); ok {
		return p
	}
	m, ok := asStringMap(v)
	if !ok {
		return Literal{Value: v}
	}
	out := make(Mapping, len(m))
	for k, child := range m {
		out[k] = From(child)
	}
	return out
}

// Match reports whether candidate satisfies p. A nil pattern matches
// everything.
func Match(p Pattern, candidate any) bool {
	if p == nil {
		return true
	}
	return p.match(candidate)
}

func (l Literal) match(candidate any) bool {
	return equal(l.Value, candidate)
}

func (l Literal) String() string {
	return fmt.Sprintf("%v", l.Value)
}

func (m Mapping) match(candidate any) bool {
	c, ok := asStringMap(candidate)
	if !ok {
		return false
	}
	for k, p := range m {
		v, present := c[k]
		if !present {
			return false
		}
		if !Match(p, v) {
			return false
		}
	}
	return true
}

func (m Mapping) String() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+m[k].String())
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// asStringMap returns v as a map[string]any when v is any map keyed by
// strings. The common JSON-decoded case avoids reflection.
func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func equal(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// normalize rewrites numbers to float64, string-keyed maps to map[string]any
// and slices to []any so that values built in Go compare equal to values
// decoded from JSON.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return []any(nil)
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

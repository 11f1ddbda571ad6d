package kv

import (
	"fmt"
	"math"
	"sort"
)

// ValueKind is the tag of the Value sum type. Every stored value is
// self-describing: callers never need to guess a representation from
// Go's dynamic typing, and the WAL/snapshot codecs switch on this tag
// rather than a type assertion chain.
type ValueKind byte

const (
	KindNull ValueKind = iota
	KindInt
	KindFloat
	KindBool
	KindString
	KindBytes
	KindArray
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is the single tagged variant every primitive stores: integer,
// float, boolean, string, bytes, null, an ordered array of Value, or an
// insertion-ordered string-keyed map of Value, with NaN/Inf rejected at
// construction time for the float case.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	b    bool
	s    string
	by   []byte
	arr  []Value
	// keys preserves insertion order; m holds the values. A slice of
	// pairs would also work, but keeping a map alongside an order slice
	// mirrors document.Document's fields+order split and keeps lookups
	// O(1).
	keys []string
	m    map[string]Value
}

func Null() Value                { return Value{kind: KindNull} }
func Int(v int64) Value          { return Value{kind: KindInt, i: v} }
func Bool(v bool) Value          { return Value{kind: KindBool, b: v} }
func String(v string) Value      { return Value{kind: KindString, s: v} }

// Bytes copies the given slice so the Value cannot alias caller memory.
func Bytes(v []byte) Value {
	cp := make([]byte, len(v))
	copy(cp, v)
	return Value{kind: KindBytes, by: cp}
}

// Float constructs a float value, rejecting NaN and ±Infinity per the
// data model's write-time validation rule.
func Float(v float64) (Value, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Value{}, InvalidInputError{Reason: "float value must not be NaN or Infinity"}
	}
	return Value{kind: KindFloat, f: v}, nil
}

// Array constructs an ordered array value, copying the input slice.
func Array(items []Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindArray, arr: cp}
}

// NewMap constructs an empty insertion-ordered map value.
func NewMap() Value {
	return Value{kind: KindMap, keys: []string{}, m: map[string]Value{}}
}

// Kind reports the value's tag.
func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsInt() (int64, bool)     { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }
func (v Value) AsBool() (bool, bool)     { return v.b, v.kind == KindBool }
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	cp := make([]byte, len(v.by))
	copy(cp, v.by)
	return cp, true
}

func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	cp := make([]Value, len(v.arr))
	copy(cp, v.arr)
	return cp, true
}

// Set returns a copy of the map value with key set to val, preserving
// existing insertion order and appending new keys at the end — mirrors
// document.Document.Set.
func (v Value) Set(key string, val Value) Value {
	if v.kind != KindMap {
		v = NewMap()
	}
	keys := v.keys
	m := make(map[string]Value, len(v.m)+1)
	for k, vv := range v.m {
		m[k] = vv
	}
	if _, exists := m[key]; !exists {
		keys = append(append([]string{}, keys...), key)
	}
	m[key] = val
	return Value{kind: KindMap, keys: keys, m: m}
}

// Get looks up a field in a map value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	val, ok := v.m[key]
	return val, ok
}

// Keys returns a map value's field names in insertion order.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	cp := make([]string, len(v.keys))
	copy(cp, v.keys)
	return cp
}

// Len reports the number of elements for array/map kinds, 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindMap:
		return len(v.keys)
	default:
		return 0
	}
}

// Equal performs a structural, order-sensitive-for-arrays,
// order-insensitive-for-maps comparison.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindInt:
		return v.i == other.i
	case KindFloat:
		return v.f == other.f
	case KindBool:
		return v.b == other.b
	case KindString:
		return v.s == other.s
	case KindBytes:
		if len(v.by) != len(other.by) {
			return false
		}
		for i := range v.by {
			if v.by[i] != other.by[i] {
				return false
			}
		}
		return true
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.keys) != len(other.keys) {
			return false
		}
		for k, vv := range v.m {
			ov, ok := other.m[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String renders a debug form; not used for wire encoding.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.by))
	case KindArray:
		return fmt.Sprintf("array(%d)", len(v.arr))
	case KindMap:
		keys := append([]string{}, v.keys...)
		sort.Strings(keys)
		return fmt.Sprintf("map(%d)%v", len(v.keys), keys)
	default:
		return "?"
	}
}

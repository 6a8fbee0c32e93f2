// Package answers models the answer document collected by a flow as a typed tree.
//
// A document is an Object whose values are scalars, arrays or nested objects. Fields are
// addressed with dot-separated paths ("_meta.month_ref"). Reads distinguish a stored null from
// a missing field; writes create intermediate objects as needed.
package answers

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the node type of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a node of the answer tree. The set of implementations is closed.
type Value interface {
	Kind() Kind
	sealed()
}

type (
	Null   struct{}
	String string
	Number float64
	Bool   bool
	Array  []Value
	Object map[string]Value
)

func (Null) Kind() Kind   { return KindNull }
func (String) Kind() Kind { return KindString }
func (Number) Kind() Kind { return KindNumber }
func (Bool) Kind() Kind   { return KindBool }
func (Array) Kind() Kind  { return KindArray }
func (Object) Kind() Kind { return KindObject }

func (Null) sealed()   {}
func (String) sealed() {}
func (Number) sealed() {}
func (Bool) sealed()   {}
func (Array) sealed()  {}
func (Object) sealed() {}

// SplitPath splits a dot path into its segments.
func SplitPath(path string) []string {
	return strings.Split(path, ".")
}

// Get returns the value stored at path. The boolean is false when any segment is missing or
// an intermediate node is not an object.
func (o Object) Get(path string) (Value, bool) {
	segments := SplitPath(path)
	var cursor Value = o
	for _, segment := range segments {
		obj, ok := cursor.(Object)
		if !ok {
			return nil, false
		}
		next, ok := obj[segment]
		if !ok {
			return nil, false
		}
		cursor = next
	}
	return cursor, true
}

// Has reports whether a value (including null) is stored at path.
func (o Object) Has(path string) bool {
	_, ok := o.Get(path)
	return ok
}

// Set stores v at path, replacing any non-object intermediate node with an empty object.
func (o Object) Set(path string, v Value) {
	if v == nil {
		v = Null{}
	}
	segments := SplitPath(path)
	cursor := o
	for _, segment := range segments[:len(segments)-1] {
		next, ok := cursor[segment].(Object)
		if !ok || next == nil {
			next = Object{}
			cursor[segment] = next
		}
		cursor = next
	}
	cursor[segments[len(segments)-1]] = v
}

// Clone returns a deep copy of o.
func (o Object) Clone() Object {
	if o == nil {
		return Object{}
	}
	return Clone(o).(Object)
}

// Without returns a deep copy of o with the given top-level keys removed.
func (o Object) Without(keys ...string) Object {
	out := o.Clone()
	for _, key := range keys {
		delete(out, key)
	}
	return out
}

// Keys returns the top-level keys in sorted order.
func (o Object) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone deep-copies any value.
func Clone(v Value) Value {
	switch node := v.(type) {
	case Array:
		out := make(Array, len(node))
		for i, item := range node {
			out[i] = Clone(item)
		}
		return out
	case Object:
		out := make(Object, len(node))
		for k, item := range node {
			out[k] = Clone(item)
		}
		return out
	case nil:
		return Null{}
	default:
		return node
	}
}

// Equal reports deep equality. Numbers compare by value.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch left := a.(type) {
	case Null:
		return true
	case String:
		return left == b.(String)
	case Number:
		return left == b.(Number)
	case Bool:
		return left == b.(Bool)
	case Array:
		right := b.(Array)
		if len(left) != len(right) {
			return false
		}
		for i := range left {
			if !Equal(left[i], right[i]) {
				return false
			}
		}
		return true
	case Object:
		right := b.(Object)
		if len(left) != len(right) {
			return false
		}
		for k, lv := range left {
			rv, ok := right[k]
			if !ok || !Equal(lv, rv) {
				return false
			}
		}
		return true
	}
	return false
}

// IsBlank reports whether v counts as "no answer" for required fields:
// missing, null, or a string that is empty after trimming.
func IsBlank(v Value, present bool) bool {
	if !present || v == nil {
		return true
	}
	switch node := v.(type) {
	case Null:
		return true
	case String:
		return strings.TrimSpace(string(node)) == ""
	}
	return false
}

// Text renders a scalar for display and comparisons. Arrays join with ", ".
func Text(v Value) string {
	switch node := v.(type) {
	case nil, Null:
		return ""
	case String:
		return string(node)
	case Number:
		f := float64(node)
		if f == math.Trunc(f) && math.Abs(f) < 1e15 {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	case Bool:
		if node {
			return "true"
		}
		return "false"
	case Array:
		parts := make([]string, len(node))
		for i, item := range node {
			parts[i] = Text(item)
		}
		return strings.Join(parts, ", ")
	case Object:
		return fmt.Sprintf("object(%d)", len(node))
	}
	return ""
}

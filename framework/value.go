// Copyright © 2024 The robotdev authors

package framework

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ValueKind is the shape of a Value.
type ValueKind string

const (
	KindScalar   ValueKind = "scalar"
	KindSequence ValueKind = "sequence"
	KindMapping  ValueKind = "mapping"
)

// Value is a framework value as seen by the debugger. Containers carry
// their elements; Len is the container's full length, which may exceed
// the number of elements transferred.
type Value struct {
	Kind    ValueKind `json:"kind"`
	Type    string    `json:"type"`
	Repr    string    `json:"repr"`
	Len     int       `json:"len,omitempty"`
	Items   []Value   `json:"items,omitempty"`
	Entries []Entry   `json:"entries,omitempty"`
}

// Entry is a key/value pair of a mapping.
type Entry struct {
	Key   Value `json:"key"`
	Value Value `json:"value"`
}

// None is the framework's null value.
var None = Value{Kind: KindScalar, Type: "NoneType", Repr: "None"}

// String returns a scalar string value.
func String(s string) Value {
	return Value{Kind: KindScalar, Type: "str", Repr: s}
}

// Sequence returns a list value.
func Sequence(items ...Value) Value {
	return Value{Kind: KindSequence, Type: "list", Repr: reprSeq(items), Len: len(items), Items: items}
}

// Mapping returns a dictionary value.
func Mapping(entries ...Entry) Value {
	return Value{Kind: KindMapping, Type: "dict", Repr: reprMap(entries), Len: len(entries), Entries: entries}
}

// IsContainer reports whether v can be expanded.
func (v Value) IsContainer() bool {
	return v.Kind == KindSequence || v.Kind == KindMapping
}

// Truthy applies the framework's truth rules: None, False, zero numbers
// and empty strings or containers are false.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindSequence, KindMapping:
		return v.Len > 0 || len(v.Items) > 0 || len(v.Entries) > 0
	}
	switch v.Type {
	case "NoneType":
		return false
	case "bool":
		return v.Repr == "True"
	case "int", "float":
		f, err := strconv.ParseFloat(v.Repr, 64)
		return err != nil || f != 0
	case "str":
		return v.Repr != ""
	}
	return true
}

// FromGo converts a value decoded from JSON or YAML into a Value.
func FromGo(x any) Value {
	switch x := x.(type) {
	case nil:
		return None
	case Value:
		return x
	case bool:
		if x {
			return Value{Kind: KindScalar, Type: "bool", Repr: "True"}
		}
		return Value{Kind: KindScalar, Type: "bool", Repr: "False"}
	case string:
		return String(x)
	case int:
		return Value{Kind: KindScalar, Type: "int", Repr: strconv.Itoa(x)}
	case int64:
		return Value{Kind: KindScalar, Type: "int", Repr: strconv.FormatInt(x, 10)}
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return Value{Kind: KindScalar, Type: "int", Repr: strconv.FormatInt(int64(x), 10)}
		}
		return Value{Kind: KindScalar, Type: "float", Repr: strconv.FormatFloat(x, 'g', -1, 64)}
	case []any:
		items := make([]Value, len(x))
		for i, it := range x {
			items[i] = FromGo(it)
		}
		return Sequence(items...)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]Entry, len(keys))
		for i, k := range keys {
			entries[i] = Entry{Key: String(k), Value: FromGo(x[k])}
		}
		return Mapping(entries...)
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = v
		}
		return FromGo(m)
	}
	return Value{Kind: KindScalar, Type: fmt.Sprintf("%T", x), Repr: fmt.Sprint(x)}
}

func quoted(v Value) string {
	if v.Kind == KindScalar && v.Type == "str" {
		return "'" + strings.ReplaceAll(v.Repr, "'", `\'`) + "'"
	}
	return v.Repr
}

func reprSeq(items []Value) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = quoted(it)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func reprMap(entries []Entry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = quoted(e.Key) + ": " + quoted(e.Value)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

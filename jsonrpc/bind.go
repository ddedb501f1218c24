// Copyright © 2024 The robotdev authors

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Defaulter is implemented by parameter types whose fields have defaults
// other than their zero values. SetDefaults runs before the params are
// decoded, so fields absent from the request keep their defaults.
type Defaulter interface {
	SetDefaults()
}

// bindParams decodes raw into *dst.
//
// When the parameter type is not a struct (json.RawMessage, a map, any,
// a slice...) the whole params value is decoded into it. Struct types are
// bound by field: object members are matched to fields by JSON name,
// members without a matching field are collected into a
// map[string]json.RawMessage field tagged `jsonrpc:"extra"` if the struct
// has one, and array params are assigned to the exported fields in
// declaration order.
func bindParams(raw *json.RawMessage, dst any) error {
	rv := reflect.ValueOf(dst).Elem()
	target := rv
	if rv.Kind() == reflect.Pointer && rv.Type().Elem().Kind() == reflect.Struct {
		rv.Set(reflect.New(rv.Type().Elem()))
		target = rv.Elem()
	}
	if d, ok := target.Addr().Interface().(Defaulter); ok {
		d.SetDefaults()
	}
	if raw == nil {
		return nil
	}
	data := bytes.TrimSpace(*raw)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if target.Kind() != reflect.Struct {
		return json.Unmarshal(data, target.Addr().Interface())
	}
	switch data[0] {
	case '{':
		return bindNamed(data, target)
	case '[':
		return bindPositional(data, target)
	}
	return errors.New("params must be an object or an array")
}

func bindNamed(data []byte, target reflect.Value) error {
	if err := json.Unmarshal(data, target.Addr().Interface()); err != nil {
		return err
	}
	extra := extraField(target.Type())
	if extra < 0 {
		return nil
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	known := make(map[string]bool)
	collectNames(target.Type(), known)
	rest := make(map[string]json.RawMessage)
	for name, value := range members {
		if !known[strings.ToLower(name)] {
			rest[name] = value
		}
	}
	target.Field(extra).Set(reflect.ValueOf(rest))
	return nil
}

func bindPositional(data []byte, target reflect.Value) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	fields := positionalFields(target.Type())
	if len(items) > len(fields) {
		return fmt.Errorf("got %d positional params, want at most %d", len(items), len(fields))
	}
	for i, item := range items {
		f := target.Field(fields[i])
		if err := json.Unmarshal(item, f.Addr().Interface()); err != nil {
			return fmt.Errorf("param %d: %w", i, err)
		}
	}
	return nil
}

var rawMapType = reflect.TypeOf(map[string]json.RawMessage(nil))

func extraField(t reflect.Type) int {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Tag.Get("jsonrpc") == "extra" && f.Type == rawMapType {
			return i
		}
	}
	return -1
}

func jsonName(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	return name, true
}

func collectNames(t reflect.Type, into map[string]bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() && !f.Anonymous {
			continue
		}
		if f.Anonymous && f.Tag.Get("json") == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectNames(ft, into)
				continue
			}
		}
		if name, ok := jsonName(f); ok {
			into[strings.ToLower(name)] = true
		}
	}
}

func positionalFields(t reflect.Type) []int {
	var idx []int
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("jsonrpc") == "extra" {
			continue
		}
		if _, ok := jsonName(f); !ok {
			continue
		}
		idx = append(idx, i)
	}
	return idx
}

package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ValueKind tags the dynamic Value sum type.
type ValueKind string

const (
	ValueString ValueKind = "string"
	ValueNumber ValueKind = "number"
	ValueBool   ValueKind = "bool"
	ValueObject ValueKind = "object"
	ValueArray  ValueKind = "array"
	ValueNull   ValueKind = "null"
)

// Value carries dynamic JSON payloads (adapter state, task linear
// metadata, OTLP attributes) as a tagged sum with a structured fallback.
// It marshals to and from plain JSON values, not to the tagged form.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	Obj  map[string]Value
	Arr  []Value
}

// String builds a string Value.
func String(s string) Value { return Value{Kind: ValueString, Str: s} }

// Number builds a number Value.
func Number(n float64) Value { return Value{Kind: ValueNumber, Num: n} }

// Bool builds a bool Value.
func Boolean(b bool) Value { return Value{Kind: ValueBool, Bool: b} }

// Timestamp builds a string Value holding an RFC 3339 time.
func Timestamp(t time.Time) Value {
	return Value{Kind: ValueString, Str: t.UTC().Format(time.RFC3339Nano)}
}

// MarshalJSON encodes the value as the plain JSON it represents.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueString:
		return json.Marshal(v.Str)
	case ValueNumber:
		return json.Marshal(v.Num)
	case ValueBool:
		return json.Marshal(v.Bool)
	case ValueObject:
		return json.Marshal(v.Obj)
	case ValueArray:
		return json.Marshal(v.Arr)
	case ValueNull, "":
		return []byte("null"), nil
	}
	return nil, fmt.Errorf("unknown value kind: %s", v.Kind)
}

// UnmarshalJSON decodes any JSON value into the tagged form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = fromInterface(raw)
	return nil
}

func fromInterface(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Value{Kind: ValueNull}
	case string:
		return Value{Kind: ValueString, Str: t}
	case float64:
		return Value{Kind: ValueNumber, Num: t}
	case bool:
		return Value{Kind: ValueBool, Bool: t}
	case map[string]interface{}:
		obj := make(map[string]Value, len(t))
		for k, el := range t {
			obj[k] = fromInterface(el)
		}
		return Value{Kind: ValueObject, Obj: obj}
	case []interface{}:
		arr := make([]Value, len(t))
		for i, el := range t {
			arr[i] = fromInterface(el)
		}
		return Value{Kind: ValueArray, Arr: arr}
	}
	return Value{Kind: ValueNull}
}

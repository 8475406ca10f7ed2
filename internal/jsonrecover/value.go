package jsonrecover

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a decoded JSON value. Accessors report ok=false on a kind
// mismatch instead of converting.
type Value struct {
	kind Kind
	b    bool
	num  json.Number
	str  string
	arr  []Value
	obj  Object
}

// Object is a decoded JSON object.
type Object map[string]Value

var errNotObject = errors.New("top-level JSON value is not an object")

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func Number(n json.Number) Value { return Value{kind: KindNumber, num: n} }
func Array(vs ...Value) Value    { return Value{kind: KindArray, arr: vs} }
func FromObject(o Object) Value  { return Value{kind: KindObject, obj: o} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := v.num.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

func (v Value) AsObject() (Object, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.obj, true
}

// Interface converts v back to plain Go values (map[string]any, []any,
// string, bool, json.Number, nil).
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		return v.obj.Interface()
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return []byte(v.num.String()), nil
	case KindString:
		return json.Marshal(v.str)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindObject:
		return v.obj.MarshalJSON()
	default:
		return nil, fmt.Errorf("jsonrecover: unknown kind %d", v.kind)
	}
}

func (o Object) Interface() map[string]any {
	out := make(map[string]any, len(o))
	for k, item := range o {
		out[k] = item.Interface()
	}
	return out
}

// MarshalJSON writes keys in sorted order; a nil Object encodes as {}.
func (o Object) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := o[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FirstString returns the first alias holding a non-empty string.
func (o Object) FirstString(aliases ...string) (string, bool) {
	for _, key := range aliases {
		v, ok := o[key]
		if !ok {
			continue
		}
		if s, ok := v.AsString(); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// FirstBool returns the first alias holding a JSON boolean.
func (o Object) FirstBool(aliases ...string) (bool, bool) {
	for _, key := range aliases {
		v, ok := o[key]
		if !ok {
			continue
		}
		if b, ok := v.AsBool(); ok {
			return b, true
		}
	}
	return false, false
}

// ParseObject decodes the JSON object at the start of text. Anything after
// the first complete value is ignored.
func ParseObject(text string) (Object, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	m, ok := raw.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return fromMap(m), nil
}

func fromMap(m map[string]any) Object {
	obj := make(Object, len(m))
	for k, item := range m {
		obj[k] = fromAny(item)
	}
	return obj
}

func fromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case json.Number:
		return Number(t)
	case string:
		return String(t)
	case []any:
		arr := make([]Value, len(t))
		for i, item := range t {
			arr[i] = fromAny(item)
		}
		return Array(arr...)
	case map[string]any:
		return FromObject(fromMap(t))
	default:
		return Null()
	}
}

// Package value implements a small tagged JSON tree used for every request and
// response body the proxy inspects or rewrites.
//
// Objects keep their key order and numbers keep their literal text, so a body that
// is parsed and serialized again without modification is semantically identical to
// the input and vector components survive byte for byte.
package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

type Kind uint8

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
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrInvalidJSON = errors.New("invalid json")
	ErrNotObject   = errors.New("value is not an object")
)

// Value is one node of the tree. The zero value is a JSON null.
type Value struct {
	kind Kind
	b    bool
	num  string // literal text of a number
	str  string
	arr  []*Value
	keys []string
	obj  map[string]*Value
}

func Null() *Value { return &Value{kind: KindNull} }

func Bool(b bool) *Value { return &Value{kind: KindBool, b: b} }

func String(s string) *Value { return &Value{kind: KindString, str: s} }

func Int(n int64) *Value { return &Value{kind: KindNumber, num: strconv.FormatInt(n, 10)} }

func Float(f float64) *Value {
	return &Value{kind: KindNumber, num: strconv.FormatFloat(f, 'g', -1, 64)}
}

// Number wraps an already formatted JSON number literal.
func Number(raw string) *Value { return &Value{kind: KindNumber, num: raw} }

func Array(items ...*Value) *Value {
	if items == nil {
		items = []*Value{}
	}
	return &Value{kind: KindArray, arr: items}
}

func Object() *Value {
	return &Value{kind: KindObject, obj: make(map[string]*Value)}
}

// Parse builds a tree from raw JSON. Duplicate object keys keep the position of
// the first occurrence and the value of the last one.
func Parse(data []byte) (*Value, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	return fromResult(gjson.ParseBytes(data)), nil
}

func fromResult(r gjson.Result) *Value {
	switch r.Type {
	case gjson.Null:
		return Null()
	case gjson.False:
		return Bool(false)
	case gjson.True:
		return Bool(true)
	case gjson.Number:
		return Number(r.Raw)
	case gjson.String:
		return String(r.Str)
	}
	if r.IsArray() {
		v := Array()
		r.ForEach(func(_, item gjson.Result) bool {
			v.arr = append(v.arr, fromResult(item))
			return true
		})
		return v
	}
	v := Object()
	r.ForEach(func(key, item gjson.Result) bool {
		v.Set(key.Str, fromResult(item))
		return true
	})
	return v
}

func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

func (v *Value) IsObject() bool { return v.Kind() == KindObject }
func (v *Value) IsArray() bool  { return v.Kind() == KindArray }
func (v *Value) IsString() bool { return v.Kind() == KindString }
func (v *Value) IsNumber() bool { return v.Kind() == KindNumber }

func (v *Value) Str() (string, bool) {
	if v.Kind() != KindString {
		return "", false
	}
	return v.str, true
}

func (v *Value) BoolValue() (bool, bool) {
	if v.Kind() != KindBool {
		return false, false
	}
	return v.b, true
}

// Int returns the number as an integer. Numbers with a fractional part or an
// exponent that does not reduce to an integer are rejected.
func (v *Value) Int() (int64, bool) {
	if v.Kind() != KindNumber {
		return 0, false
	}
	if n, err := strconv.ParseInt(v.num, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(v.num, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

func (v *Value) Float() (float64, bool) {
	if v.Kind() != KindNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.num, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Raw returns the literal text of a number.
func (v *Value) Raw() string {
	if v.Kind() != KindNumber {
		return ""
	}
	return v.num
}

func (v *Value) Items() []*Value {
	if v.Kind() != KindArray {
		return nil
	}
	return v.arr
}

func (v *Value) Len() int {
	switch v.Kind() {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.keys)
	case KindString:
		return len(v.str)
	default:
		return 0
	}
}

func (v *Value) Append(items ...*Value) {
	if v.Kind() != KindArray {
		return
	}
	v.arr = append(v.arr, items...)
}

// Keys returns the object keys in insertion order.
func (v *Value) Keys() []string {
	if v.Kind() != KindObject {
		return nil
	}
	return append([]string(nil), v.keys...)
}

// Get walks the object keys in path and returns nil when any step is missing or
// is not an object.
func (v *Value) Get(path ...string) *Value {
	cur := v
	for _, k := range path {
		if cur.Kind() != KindObject {
			return nil
		}
		next, ok := cur.obj[k]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func (v *Value) Has(path ...string) bool {
	return v.Get(path...) != nil
}

// Set stores val under key. Existing keys keep their position.
func (v *Value) Set(key string, val *Value) {
	if v == nil || v.kind != KindObject {
		return
	}
	if val == nil {
		val = Null()
	}
	if _, ok := v.obj[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.obj[key] = val
}

// SetPath stores val at path, creating intermediate objects. It fails when an
// existing intermediate value is not an object.
func (v *Value) SetPath(val *Value, path ...string) error {
	if len(path) == 0 {
		return errors.New("empty path")
	}
	if v.Kind() != KindObject {
		return ErrNotObject
	}
	cur := v
	for _, k := range path[:len(path)-1] {
		next := cur.Get(k)
		if next == nil {
			next = Object()
			cur.Set(k, next)
		}
		if next.Kind() != KindObject {
			return fmt.Errorf("%w: %q is %s", ErrNotObject, k, next.Kind())
		}
		cur = next
	}
	cur.Set(path[len(path)-1], val)
	return nil
}

func (v *Value) Delete(key string) {
	if v.Kind() != KindObject {
		return
	}
	if _, ok := v.obj[key]; !ok {
		return
	}
	delete(v.obj, key)
	for i, k := range v.keys {
		if k == key {
			v.keys = append(v.keys[:i], v.keys[i+1:]...)
			break
		}
	}
}

func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	c := &Value{kind: v.kind, b: v.b, num: v.num, str: v.str}
	switch v.kind {
	case KindArray:
		c.arr = make([]*Value, len(v.arr))
		for i, item := range v.arr {
			c.arr[i] = item.Clone()
		}
	case KindObject:
		c.keys = append([]string(nil), v.keys...)
		c.obj = make(map[string]*Value, len(v.obj))
		for k, item := range v.obj {
			c.obj[k] = item.Clone()
		}
	}
	return c
}

func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) encode(buf *bytes.Buffer) error {
	switch v.Kind() {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		buf.WriteString(v.num)
	case KindString:
		return encodeString(buf, v.str)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := v.obj[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encoder appends a newline after every value.
	buf.Truncate(buf.Len() - 1)
	return nil
}

func (v *Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid: %v>", err)
	}
	return string(b)
}

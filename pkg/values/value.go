// Package values implements the document database's bounded, totally
// ordered value type and the document shape built on top of it.
package values

import (
	"fmt"
	"sort"
)

// Kind tags which variant of the Value sum type is populated.
type Kind int

const (
	KindNull Kind = iota
	KindInt64
	KindFloat64
	KindBool
	KindString
	KindBytes
	KindArray
	KindObject
)

// MaxStringBytes and MaxBytesLen bound the two variable-length leaf
// variants so that index keys derived from them stay bounded.
const (
	MaxStringBytes = 1 << 20
	MaxBytesLen    = 1 << 20
)

// Value is the sum type every document field holds: null, int64,
// float64, bool, a bounded string, a bounded byte string, an ordered
// array of values, or an ordered map from field name to value.
//
// A struct with a Kind tag is used instead of an interface so that
// comparisons and the canonical ordering in order.go can switch on
// Kind directly, matching the closed, non-extensible variant set
// spec.md defines.
type Value struct {
	kind   Kind
	i64    int64
	f64    float64
	b      bool
	str    string
	bytes  []byte
	array  []Value
	object *Object
}

// Object is an ordered map from field name to Value. Field order is
// insertion order and is preserved through construction and encoding.
type Object struct {
	keys   []string
	fields map[string]Value
}

func NewObject() *Object {
	return &Object{fields: make(map[string]Value)}
}

func (o *Object) Set(key string, v Value) {
	if _, ok := o.fields[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.fields[key] = v
}

func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.fields[key]
	return v, ok
}

func (o *Object) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

func (o *Object) SortedKeys() []string {
	out := o.Keys()
	sort.Strings(out)
	return out
}

func (o *Object) Len() int { return len(o.keys) }

func Null() Value                { return Value{kind: KindNull} }
func Int64(v int64) Value        { return Value{kind: KindInt64, i64: v} }
func Float64(v float64) Value    { return Value{kind: KindFloat64, f64: v} }
func Bool(v bool) Value          { return Value{kind: KindBool, b: v} }
func String(v string) Value      { return Value{kind: KindString, str: v} }
func Bytes(v []byte) Value       { return Value{kind: KindBytes, bytes: v} }
func Array(v []Value) Value      { return Value{kind: KindArray, array: v} }
func Obj(v *Object) Value        { return Value{kind: KindObject, object: v} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsInt64() (int64, bool)     { return v.i64, v.kind == KindInt64 }
func (v Value) AsFloat64() (float64, bool) { return v.f64, v.kind == KindFloat64 }
func (v Value) AsBool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) AsString() (string, bool)   { return v.str, v.kind == KindString }
func (v Value) AsBytes() ([]byte, bool)    { return v.bytes, v.kind == KindBytes }
func (v Value) AsArray() ([]Value, bool)   { return v.array, v.kind == KindArray }
func (v Value) AsObject() (*Object, bool)  { return v.object, v.kind == KindObject }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Validate enforces the bounded-ness of string and byte variants,
// recursing through arrays and objects.
func (v Value) Validate() error {
	switch v.kind {
	case KindString:
		if len(v.str) > MaxStringBytes {
			return fmt.Errorf("string value exceeds %d bytes", MaxStringBytes)
		}
	case KindBytes:
		if len(v.bytes) > MaxBytesLen {
			return fmt.Errorf("bytes value exceeds %d bytes", MaxBytesLen)
		}
	case KindArray:
		for _, e := range v.array {
			if err := e.Validate(); err != nil {
				return err
			}
		}
	case KindObject:
		for _, k := range v.object.keys {
			if err := v.object.fields[k].Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// FieldPath is a dotted path into a document, e.g. "author.name".
type FieldPath []string

func (p FieldPath) String() string {
	s := ""
	for i, seg := range p {
		if i > 0 {
			s += "."
		}
		s += seg
	}
	return s
}

// Lookup walks a document value by field path, returning Null and
// false if any segment is missing or the path walks through a
// non-object.
func Lookup(v Value, path FieldPath) (Value, bool) {
	cur := v
	for _, seg := range path {
		obj, ok := cur.AsObject()
		if !ok {
			return Null(), false
		}
		next, ok := obj.Get(seg)
		if !ok {
			return Null(), false
		}
		cur = next
	}
	return cur, true
}

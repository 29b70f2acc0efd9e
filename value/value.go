package value

import (
	"context"
	"math"
	"strconv"
)

// Kind enumerates the value shapes that can cross a realm boundary.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindObject
	KindArray
	KindFunction
	KindForeign
)

var kindNames = [...]string{
	KindUndefined: "undefined",
	KindNull:      "null",
	KindBool:      "bool",
	KindNumber:    "number",
	KindString:    "string",
	KindObject:    "object",
	KindArray:     "array",
	KindFunction:  "function",
	KindForeign:   "foreign",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is any value that lives on one side of a realm boundary.
// Primitives are compared by value; objects, arrays and functions by identity.
type Value interface {
	Kind() Kind
}

type undefinedValue struct{}

func (undefinedValue) Kind() Kind { return KindUndefined }

type nullValue struct{}

func (nullValue) Kind() Kind { return KindNull }

// Undefined and Null are the two empty values.
var (
	Undefined Value = undefinedValue{}
	Null      Value = nullValue{}
)

// Bool is a boolean primitive.
type Bool bool

func (Bool) Kind() Kind { return KindBool }

// Number is a float64 primitive.
type Number float64

func (Number) Kind() Kind { return KindNumber }

// String is a string primitive.
type String string

func (String) Kind() Kind { return KindString }

// Foreign wraps a host resource that must never be handed to untrusted code.
// Marshalling a Foreign fails with KindUnsupportedValue.
type Foreign struct {
	V any
}

func (*Foreign) Kind() Kind { return KindForeign }

// IsPrimitive reports whether v crosses a boundary by copy.
func IsPrimitive(v Value) bool {
	if v == nil {
		return true
	}
	switch v.Kind() {
	case KindUndefined, KindNull, KindBool, KindNumber, KindString:
		return true
	}
	return false
}

// Same reports identity for references and value equality for primitives.
// NaN is the same as NaN.
func Same(a, b Value) bool {
	if a == nil {
		a = Undefined
	}
	if b == nil {
		b = Undefined
	}
	if an, ok := a.(Number); ok {
		bn, ok := b.(Number)
		if !ok {
			return false
		}
		if math.IsNaN(float64(an)) && math.IsNaN(float64(bn)) {
			return true
		}
		return an == bn
	}
	return a == b
}

// Truthy follows the usual script truthiness rules.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case nil, undefinedValue, nullValue:
		return false
	case Bool:
		return bool(x)
	case Number:
		return x != 0 && !math.IsNaN(float64(x))
	case String:
		return x != ""
	}
	return true
}

// Object is a property bag with insertion-ordered keys and an optional
// prototype.
type Object struct {
	proto *Object
	props map[string]Value
	keys  []string
}

// NewObject returns an empty object with no prototype.
func NewObject() *Object {
	return &Object{props: make(map[string]Value)}
}

func (*Object) Kind() Kind { return KindObject }

// Get reads key, walking the prototype chain.
func (o *Object) Get(key string) Value {
	for cur, depth := o, 0; cur != nil && depth < maxProtoDepth; cur, depth = cur.proto, depth+1 {
		if v, ok := cur.props[key]; ok {
			return v
		}
	}
	return Undefined
}

// Own reads an own property.
func (o *Object) Own(key string) (Value, bool) {
	v, ok := o.props[key]
	return v, ok
}

// Set writes an own property, keeping first-insertion order.
func (o *Object) Set(key string, v Value) *Object {
	if v == nil {
		v = Undefined
	}
	if _, ok := o.props[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.props[key] = v
	return o
}

// Delete removes an own property.
func (o *Object) Delete(key string) {
	if _, ok := o.props[key]; !ok {
		return
	}
	delete(o.props, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			return
		}
	}
}

// Keys returns own keys in insertion order.
func (o *Object) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Len returns the number of own properties.
func (o *Object) Len() int { return len(o.keys) }

// Proto returns the prototype, or nil.
func (o *Object) Proto() *Object { return o.proto }

// SetProto replaces the prototype.
func (o *Object) SetProto(p *Object) { o.proto = p }

// Method reads key like Get and, when it holds a function, returns it bound
// to o. An inherited method still receives o, not the prototype it was
// found on.
func (o *Object) Method(key string) (*Function, bool) {
	f, ok := o.Get(key).(*Function)
	if !ok {
		return nil, false
	}
	return f.Bind(o), true
}

const maxProtoDepth = 64

// Array is an ordered list of values.
type Array struct {
	elems []Value
}

// NewArray returns an array holding elems.
func NewArray(elems ...Value) *Array {
	a := &Array{elems: make([]Value, len(elems))}
	for i, e := range elems {
		if e == nil {
			e = Undefined
		}
		a.elems[i] = e
	}
	return a
}

func (*Array) Kind() Kind { return KindArray }

// Len returns the element count.
func (a *Array) Len() int { return len(a.elems) }

// At returns element i, or Undefined when out of range.
func (a *Array) At(i int) Value {
	if i < 0 || i >= len(a.elems) {
		return Undefined
	}
	return a.elems[i]
}

// SetAt writes element i, growing with Undefined as needed.
func (a *Array) SetAt(i int, v Value) {
	if i < 0 {
		return
	}
	if v == nil {
		v = Undefined
	}
	for len(a.elems) <= i {
		a.elems = append(a.elems, Undefined)
	}
	a.elems[i] = v
}

// Push appends values.
func (a *Array) Push(vs ...Value) {
	for _, v := range vs {
		if v == nil {
			v = Undefined
		}
		a.elems = append(a.elems, v)
	}
}

// Reset replaces every element.
func (a *Array) Reset(elems []Value) {
	a.elems = a.elems[:0]
	a.Push(elems...)
}

// Elements returns a copy of the elements.
func (a *Array) Elements() []Value {
	out := make([]Value, len(a.elems))
	copy(out, a.elems)
	return out
}

// CallFunc implements a plain call.
type CallFunc func(ctx context.Context, this Value, args []Value) (Value, error)

// ConstructFunc implements a constructor call.
type ConstructFunc func(ctx context.Context, args []Value) (Value, error)

// Function is a first-class callable.
type Function struct {
	call      CallFunc
	construct ConstructFunc
	name      string
	arity     int
}

// NewFunction wraps fn as a callable value.
func NewFunction(name string, arity int, fn CallFunc) *Function {
	return &Function{name: name, arity: arity, call: fn}
}

// NewConstructor wraps fn and ctor; ctor may be nil for a non-constructible
// function.
func NewConstructor(name string, arity int, fn CallFunc, ctor ConstructFunc) *Function {
	return &Function{name: name, arity: arity, call: fn, construct: ctor}
}

func (*Function) Kind() Kind { return KindFunction }

// Name returns the declared name.
func (f *Function) Name() string { return f.name }

// Arity returns the declared parameter count.
func (f *Function) Arity() int { return f.arity }

// Constructible reports whether Construct is supported.
func (f *Function) Constructible() bool { return f.construct != nil }

// Call invokes the function with an explicit receiver.
func (f *Function) Call(ctx context.Context, this Value, args ...Value) (Value, error) {
	if f.call == nil {
		return nil, ErrNotCallable
	}
	if this == nil {
		this = Undefined
	}
	v, err := f.call(ctx, this, args)
	if v == nil && err == nil {
		v = Undefined
	}
	return v, err
}

// Bind returns a function that always calls f with this as its receiver.
// The bound function is not constructible.
func (f *Function) Bind(this Value) *Function {
	return &Function{
		name:  f.name,
		arity: f.arity,
		call: func(ctx context.Context, _ Value, args []Value) (Value, error) {
			return f.Call(ctx, this, args...)
		},
	}
}

// Construct invokes the function as a constructor.
func (f *Function) Construct(ctx context.Context, args ...Value) (Value, error) {
	if f.construct == nil {
		return nil, ErrNotConstructible
	}
	return f.construct(ctx, args)
}

package realm

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/value"
)

// converter translates between realm values and the plain Go values
// interpreted code works with: map[string]any, []any, float64, string, bool,
// nil and func(...any) any. One converter covers one invocation. Maps and
// slices it produced lift back to the value they came from, with any changes
// the entry made written through.
type converter struct {
	ctx     context.Context
	entry   *goEntry
	lowered map[value.Value]any
	bound   map[boundKey]func(...any) any
	origin  map[nativeKey]value.Value
	lifting map[nativeKey]value.Value
}

// boundKey identifies a lowered function together with its receiver; the
// same function read from two objects lowers to two closures.
type boundKey struct {
	fn   *value.Function
	this *value.Object
}

type nativeKey struct {
	ptr  uintptr
	n    int
	kind reflect.Kind
}

func newConverter(ctx context.Context, entry *goEntry) *converter {
	return &converter{
		ctx:     ctx,
		entry:   entry,
		lowered: make(map[value.Value]any),
		bound:   make(map[boundKey]func(...any) any),
		origin:  make(map[nativeKey]value.Value),
		lifting: make(map[nativeKey]value.Value),
	}
}

func keyOf(rv reflect.Value) (nativeKey, bool) {
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return nativeKey{}, false
		}
		return nativeKey{ptr: rv.Pointer(), kind: reflect.Map}, true
	case reflect.Slice:
		if rv.Len() == 0 {
			return nativeKey{}, false
		}
		return nativeKey{ptr: rv.Pointer(), n: rv.Len(), kind: reflect.Slice}, true
	}
	return nativeKey{}, false
}

func (c *converter) lower(v value.Value, path []string) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case value.Bool:
		return bool(x), nil
	case value.Number:
		return float64(x), nil
	case value.String:
		return string(x), nil
	case *value.Object:
		return c.lowerObject(x, path)
	case *value.Array:
		return c.lowerArray(x, path)
	case *value.Function:
		return c.lowerFunction(x, nil), nil
	case *value.Foreign:
		return nil, errors.Unsupported(errors.PhaseInvoke, path, fmt.Sprintf("foreign %T", x.V))
	}
	switch v.Kind() {
	case value.KindUndefined, value.KindNull:
		return nil, nil
	}
	return nil, errors.Unsupported(errors.PhaseInvoke, path, fmt.Sprintf("value %T", v))
}

// lowerObject flattens o and its prototype chain into one map; own
// properties shadow inherited ones.
func (c *converter) lowerObject(o *value.Object, path []string) (map[string]any, error) {
	if o == nil {
		return map[string]any{}, nil
	}
	if m, ok := c.lowered[o]; ok {
		return m.(map[string]any), nil
	}
	m := make(map[string]any, o.Len())
	c.lowered[o] = m
	if k, ok := keyOf(reflect.ValueOf(m)); ok {
		c.origin[k] = o
	}

	var chain []*value.Object
	for p := o; p != nil && len(chain) < 64; p = p.Proto() {
		chain = append(chain, p)
	}
	seen := make(map[string]bool)
	for _, p := range chain {
		for _, k := range p.Keys() {
			if seen[k] {
				continue
			}
			seen[k] = true
			pv, _ := p.Own(k)
			if fn, ok := pv.(*value.Function); ok {
				// Methods, inherited ones included, run against o.
				m[k] = c.lowerFunction(fn, o)
				continue
			}
			n, err := c.lower(pv, append(path, k))
			if err != nil {
				return nil, err
			}
			m[k] = n
		}
	}
	return m, nil
}

func (c *converter) lowerArray(a *value.Array, path []string) ([]any, error) {
	if s, ok := c.lowered[a]; ok {
		return s.([]any), nil
	}
	s := make([]any, a.Len())
	c.lowered[a] = s
	if k, ok := keyOf(reflect.ValueOf(s)); ok {
		c.origin[k] = a
	}
	for i, ev := range a.Elements() {
		n, err := c.lower(ev, append(path, strconv.Itoa(i)))
		if err != nil {
			return nil, err
		}
		s[i] = n
	}
	return s, nil
}

// lowerFunction wraps f for interpreted code. A nil this calls f with an
// undefined receiver.
func (c *converter) lowerFunction(f *value.Function, this *value.Object) func(...any) any {
	key := boundKey{fn: f, this: this}
	if fn, ok := c.bound[key]; ok {
		return fn
	}
	var recv value.Value = value.Undefined
	if this != nil {
		recv = this
	}
	fn := func(args ...any) any {
		vals := make([]value.Value, len(args))
		for i, a := range args {
			v, err := c.lift(a, []string{strconv.Itoa(i)})
			if err != nil {
				panic(hostPanic{err})
			}
			vals[i] = v
		}
		res, err := f.Call(c.ctx, recv, vals...)
		if err != nil {
			panic(hostPanic{err})
		}
		out, err := c.lower(res, nil)
		if err != nil {
			panic(hostPanic{err})
		}
		return out
	}
	c.bound[key] = fn
	return fn
}

func (c *converter) lift(x any, path []string) (value.Value, error) {
	if x == nil {
		return value.Undefined, nil
	}
	return c.liftValue(reflect.ValueOf(x), path)
}

func (c *converter) liftValue(rv reflect.Value, path []string) (value.Value, error) {
	switch rv.Kind() {
	case reflect.Invalid:
		return value.Undefined, nil
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return value.Null, nil
		}
		if rv.Kind() == reflect.Pointer {
			break
		}
		return c.liftValue(rv.Elem(), path)
	case reflect.Bool:
		return value.Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return value.Number(float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return value.Number(float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return value.Number(rv.Float()), nil
	case reflect.String:
		return value.String(rv.String()), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		if rv.IsNil() {
			return value.Null, nil
		}
		return c.liftMap(rv, path)
	case reflect.Slice:
		if rv.IsNil() {
			return value.Null, nil
		}
		return c.liftList(rv, path)
	case reflect.Array:
		return c.liftList(rv, path)
	case reflect.Func:
		if rv.IsNil() {
			return value.Null, nil
		}
		return c.liftFunc(rv, path)
	}
	return nil, errors.Unsupported(errors.PhaseInvoke, path, fmt.Sprintf("native %s cannot leave the realm", rv.Type()))
}

func (c *converter) liftMap(rv reflect.Value, path []string) (value.Value, error) {
	key, keyed := keyOf(rv)
	if keyed {
		if v, ok := c.lifting[key]; ok {
			return v, nil
		}
	}

	var obj *value.Object
	if keyed {
		if o, ok := c.origin[key].(*value.Object); ok {
			obj = o
		}
	}
	fresh := obj == nil
	if fresh {
		obj = value.NewObject()
	}
	if keyed {
		c.lifting[key] = obj
	}

	keys := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		keys = append(keys, iter.Key().String())
	}
	sort.Strings(keys)

	present := make(map[string]bool, len(keys))
	for _, k := range keys {
		present[k] = true
		ev, err := c.liftValue(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())), append(path, k))
		if err != nil {
			return nil, err
		}
		if !fresh && value.Same(obj.Get(k), ev) {
			continue
		}
		obj.Set(k, ev)
	}
	if !fresh {
		for _, k := range obj.Keys() {
			if !present[k] {
				obj.Delete(k)
			}
		}
	}
	return obj, nil
}

func (c *converter) liftList(rv reflect.Value, path []string) (value.Value, error) {
	key, keyed := keyOf(rv)
	if keyed {
		if v, ok := c.lifting[key]; ok {
			return v, nil
		}
	}

	var arr *value.Array
	if keyed {
		if a, ok := c.origin[key].(*value.Array); ok {
			arr = a
		}
	}
	if arr == nil {
		arr = value.NewArray()
	}
	if keyed {
		c.lifting[key] = arr
	}

	elems := make([]value.Value, rv.Len())
	for i := range elems {
		ev, err := c.liftValue(rv.Index(i), append(path, strconv.Itoa(i)))
		if err != nil {
			return nil, err
		}
		elems[i] = ev
	}
	arr.Reset(elems)
	return arr, nil
}

// liftFunc exposes an interpreted function. Its parameters must all be
// interface typed.
func (c *converter) liftFunc(rv reflect.Value, path []string) (value.Value, error) {
	t := rv.Type()
	for i := 0; i < t.NumIn(); i++ {
		in := t.In(i)
		if t.IsVariadic() && i == t.NumIn()-1 {
			in = in.Elem()
		}
		if in.Kind() != reflect.Interface {
			return nil, errors.Unsupported(errors.PhaseInvoke, path, fmt.Sprintf("function parameter of type %s", in))
		}
	}
	arity := t.NumIn()
	if t.IsVariadic() {
		arity--
	}

	return value.NewFunction("", arity, func(ctx context.Context, _ value.Value, args []value.Value) (value.Value, error) {
		conv := newConverter(ctx, c.entry)
		n := len(args)
		if !t.IsVariadic() {
			n = t.NumIn()
		}
		in := make([]reflect.Value, n)
		for i := range in {
			var a value.Value = value.Undefined
			if i < len(args) {
				a = args[i]
			}
			x, err := conv.lower(a, []string{strconv.Itoa(i)})
			if err != nil {
				return nil, err
			}
			in[i] = anyValue(x)
		}
		out, err := c.entry.call(ctx, rv, in)
		if err != nil {
			return nil, err
		}
		return conv.lift(out, nil)
	}), nil
}

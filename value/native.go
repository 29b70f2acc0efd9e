package value

import (
	"fmt"
	"math"
	"sort"

	"github.com/wippyai/realm-runner/errors"
)

var (
	ErrNotCallable      = errors.New(errors.PhaseInvoke, errors.KindInvalidInput).Detail("value is not callable").Build()
	ErrNotConstructible = errors.New(errors.PhaseInvoke, errors.KindInvalidInput).Detail("value is not a constructor").Build()
)

// FromNative converts decoded JSON-like data (maps, slices, numbers, strings,
// bools, nil) into values. Map keys are added in sorted order.
func FromNative(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return Null, nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case string:
		return String(v), nil
	case float64:
		return Number(v), nil
	case float32:
		return Number(v), nil
	case int:
		return Number(v), nil
	case int32:
		return Number(v), nil
	case int64:
		return Number(v), nil
	case uint32:
		return Number(v), nil
	case uint64:
		return Number(v), nil
	case []any:
		arr := &Array{elems: make([]Value, 0, len(v))}
		for i, e := range v {
			ev, err := FromNative(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr.elems = append(arr.elems, ev)
		}
		return arr, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := NewObject()
		for _, k := range keys {
			ev, err := FromNative(v[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			obj.Set(k, ev)
		}
		return obj, nil
	}
	return nil, errors.Unsupported(errors.PhaseMarshal, nil, fmt.Sprintf("native type %T", x))
}

// ToNative renders v as JSON-compatible data. Functions render as nil,
// non-finite numbers as nil, and cycles are an error.
func ToNative(v Value) (any, error) {
	return toNative(v, make(map[Value]bool), nil)
}

func toNative(v Value, stack map[Value]bool, path []string) (any, error) {
	switch x := v.(type) {
	case nil, undefinedValue, nullValue, *Function:
		return nil, nil
	case Bool:
		return bool(x), nil
	case Number:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, nil
		}
		return f, nil
	case String:
		return string(x), nil
	case *Object:
		if stack[x] {
			return nil, errors.Unsupported(errors.PhaseMarshal, path, "cyclic object")
		}
		stack[x] = true
		defer delete(stack, x)
		out := make(map[string]any, len(x.keys))
		for _, k := range x.keys {
			nv, err := toNative(x.props[k], stack, append(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case *Array:
		if stack[x] {
			return nil, errors.Unsupported(errors.PhaseMarshal, path, "cyclic array")
		}
		stack[x] = true
		defer delete(stack, x)
		out := make([]any, len(x.elems))
		for i, e := range x.elems {
			nv, err := toNative(e, stack, append(path, fmt.Sprint(i)))
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case *Foreign:
		return nil, errors.Unsupported(errors.PhaseMarshal, path, fmt.Sprintf("foreign %T", x.V))
	}
	return nil, errors.Unsupported(errors.PhaseMarshal, path, fmt.Sprintf("value %T", v))
}

// ToNumber coerces v to a float64 where the conversion is lossless enough
// for entry outputs; ok is false otherwise.
func ToNumber(v Value) (float64, bool) {
	switch x := v.(type) {
	case Number:
		return float64(x), true
	case Bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

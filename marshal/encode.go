package marshal

import (
	"fmt"
	"strconv"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/handle"
	"github.com/wippyai/realm-runner/value"
)

// inserter is satisfied by both *handle.Table and *handle.Scope.
type inserter interface {
	Insert(value any) (handle.Handle, error)
}

// Encoder walks values on one endpoint and produces wire values for its
// peer. One Encoder is one crossing: values encoded through the same
// Encoder share a seen map, so sharing between them is preserved.
type Encoder struct {
	from  *Endpoint
	alloc inserter
	seen  map[value.Value]uint32
	path  []string
	next  uint32
}

// NewEncoder opens a crossing out of from. Handles go into from's heap.
func NewEncoder(from *Endpoint) *Encoder {
	return newEncoder(from, from.heap)
}

// NewScopedEncoder allocates new handles through s, so they can be released
// once the crossing's call has finished.
func NewScopedEncoder(from *Endpoint, s *handle.Scope) *Encoder {
	return newEncoder(from, s)
}

func newEncoder(from *Endpoint, alloc inserter) *Encoder {
	return &Encoder{
		from:  from,
		alloc: alloc,
		seen:  make(map[value.Value]uint32),
	}
}

// Encode marshals v out of the endpoint.
func (e *Encoder) Encode(v value.Value) (Wire, error) {
	e.path = e.path[:0]
	return e.encode(v)
}

func (e *Encoder) encode(v value.Value) (Wire, error) {
	switch x := v.(type) {
	case nil:
		return Wire{Kind: WireUndefined}, nil
	case value.Bool:
		return Wire{Kind: WireBool, Bool: bool(x)}, nil
	case value.Number:
		return numberWire(float64(x)), nil
	case value.String:
		return Wire{Kind: WireString, Str: string(x)}, nil
	case *value.Foreign:
		return Wire{}, errors.Unsupported(errors.PhaseMarshal, e.pathCopy(), fmt.Sprintf("foreign %T cannot cross a realm boundary", x.V))
	}

	switch v.Kind() {
	case value.KindUndefined:
		return Wire{Kind: WireUndefined}, nil
	case value.KindNull:
		return Wire{Kind: WireNull}, nil
	}

	// A mirror of a peer value goes home as the peer's own handle.
	if h, ok := e.from.Origin(v); ok {
		return Wire{Kind: WireRemote, Handle: uint64(h)}, nil
	}

	if ref, ok := e.seen[v]; ok {
		return Wire{Kind: WireBackRef, Ref: ref}, nil
	}

	switch x := v.(type) {
	case *value.Object:
		return e.encodeObject(x)
	case *value.Array:
		return e.encodeArray(x)
	case *value.Function:
		ref, h, err := e.register(x)
		if err != nil {
			return Wire{}, err
		}
		return Wire{
			Kind:   WireFunction,
			Ref:    ref,
			Handle: uint64(h),
			Name:   x.Name(),
			Arity:  x.Arity(),
			Ctor:   x.Constructible(),
		}, nil
	}
	return Wire{}, errors.Unsupported(errors.PhaseMarshal, e.pathCopy(), fmt.Sprintf("value %T", v))
}

func (e *Encoder) register(v value.Value) (uint32, handle.Handle, error) {
	h, err := e.alloc.Insert(v)
	if err != nil {
		return 0, 0, err
	}
	e.next++
	e.seen[v] = e.next
	return e.next, h, nil
}

func (e *Encoder) encodeObject(o *value.Object) (Wire, error) {
	ref, h, err := e.register(o)
	if err != nil {
		return Wire{}, err
	}
	w := Wire{Kind: WireObject, Ref: ref, Handle: uint64(h)}

	keys := o.Keys()
	if len(keys) > 0 {
		w.Props = make([]Prop, 0, len(keys))
	}
	for _, k := range keys {
		pv, _ := o.Own(k)
		e.path = append(e.path, k)
		pw, err := e.encode(pv)
		e.path = e.path[:len(e.path)-1]
		if err != nil {
			return Wire{}, err
		}
		w.Props = append(w.Props, Prop{Key: k, Value: pw})
	}

	if p := o.Proto(); p != nil {
		e.path = append(e.path, "[[proto]]")
		pw, err := e.encode(p)
		e.path = e.path[:len(e.path)-1]
		if err != nil {
			return Wire{}, err
		}
		w.Proto = &pw
	}
	return w, nil
}

func (e *Encoder) encodeArray(a *value.Array) (Wire, error) {
	ref, h, err := e.register(a)
	if err != nil {
		return Wire{}, err
	}
	w := Wire{Kind: WireArray, Ref: ref, Handle: uint64(h)}
	elems := a.Elements()
	if len(elems) > 0 {
		w.Elems = make([]Wire, 0, len(elems))
	}
	for i, ev := range elems {
		e.path = append(e.path, strconv.Itoa(i))
		ew, err := e.encode(ev)
		e.path = e.path[:len(e.path)-1]
		if err != nil {
			return Wire{}, err
		}
		w.Elems = append(w.Elems, ew)
	}
	return w, nil
}

func (e *Encoder) pathCopy() []string {
	if len(e.path) == 0 {
		return nil
	}
	out := make([]string, len(e.path))
	copy(out, e.path)
	return out
}

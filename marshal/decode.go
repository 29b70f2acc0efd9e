package marshal

import (
	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/handle"
	"github.com/wippyai/realm-runner/value"
)

// Decoder rebuilds wire values on the receiving endpoint. Like Encoder, one
// Decoder is one crossing and owns the crossing's SeenTable.
type Decoder struct {
	ch   *Channel
	to   *Endpoint
	from *Endpoint
	seen *SeenTable
}

func newDecoder(ch *Channel, to, from *Endpoint) *Decoder {
	return &Decoder{ch: ch, to: to, from: from, seen: NewSeenTable()}
}

// Seen exposes the crossing's SeenTable.
func (d *Decoder) Seen() *SeenTable { return d.seen }

// Decode demarshals one wire value.
func (d *Decoder) Decode(w Wire) (value.Value, error) {
	return d.decode(w)
}

// Finish verifies that every reference opened during the crossing resolved.
func (d *Decoder) Finish() error {
	return d.seen.Verify()
}

func (d *Decoder) decode(w Wire) (value.Value, error) {
	switch w.Kind {
	case WireUndefined:
		return value.Undefined, nil
	case WireNull:
		return value.Null, nil
	case WireBool:
		return value.Bool(w.Bool), nil
	case WireNumber:
		return value.Number(w.number()), nil
	case WireString:
		return value.String(w.Str), nil
	case WireBackRef:
		v, ok := d.seen.Lookup(w.Ref)
		if !ok {
			return nil, errors.New(errors.PhaseDemarshal, errors.KindProtocol).
				Detail("back reference %d before definition", w.Ref).
				Build()
		}
		return v, nil
	case WireRemote:
		return d.to.resolve(handle.Handle(w.Handle))
	case WireObject:
		return d.decodeObject(w)
	case WireArray:
		return d.decodeArray(w)
	case WireFunction:
		return d.decodeFunction(w)
	}
	return nil, errors.New(errors.PhaseDemarshal, errors.KindProtocol).
		Detail("unknown wire kind %s", w.Kind).
		Build()
}

func (d *Decoder) decodeObject(w Wire) (value.Value, error) {
	h := handle.Handle(w.Handle)

	var obj *value.Object
	if m, ok := d.to.mirrorFor(h); ok {
		if existing, ok := m.(*value.Object); ok {
			obj = existing
			for _, k := range obj.Keys() {
				obj.Delete(k)
			}
		}
	}
	if obj == nil {
		obj = value.NewObject()
	}
	if err := d.seen.open(w.Ref, obj); err != nil {
		return nil, err
	}
	d.to.remember(h, obj)

	for _, p := range w.Props {
		pv, err := d.decode(p.Value)
		if err != nil {
			return nil, err
		}
		obj.Set(p.Key, pv)
	}

	if w.Proto != nil {
		pv, err := d.decode(*w.Proto)
		if err != nil {
			return nil, err
		}
		proto, ok := pv.(*value.Object)
		if !ok {
			return nil, errors.New(errors.PhaseDemarshal, errors.KindProtocol).
				Detail("prototype must be an object, got %s", pv.Kind()).
				Build()
		}
		obj.SetProto(proto)
	} else {
		obj.SetProto(nil)
	}

	d.seen.resolve(w.Ref)
	return obj, nil
}

func (d *Decoder) decodeArray(w Wire) (value.Value, error) {
	h := handle.Handle(w.Handle)

	var arr *value.Array
	if m, ok := d.to.mirrorFor(h); ok {
		if existing, ok := m.(*value.Array); ok {
			arr = existing
		}
	}
	if arr == nil {
		arr = value.NewArray()
	}
	if err := d.seen.open(w.Ref, arr); err != nil {
		return nil, err
	}
	d.to.remember(h, arr)

	elems := make([]value.Value, len(w.Elems))
	for i, ew := range w.Elems {
		ev, err := d.decode(ew)
		if err != nil {
			return nil, err
		}
		elems[i] = ev
	}
	arr.Reset(elems)

	d.seen.resolve(w.Ref)
	return arr, nil
}

func (d *Decoder) decodeFunction(w Wire) (value.Value, error) {
	h := handle.Handle(w.Handle)

	if m, ok := d.to.mirrorFor(h); ok {
		if fn, ok := m.(*value.Function); ok {
			if err := d.seen.open(w.Ref, fn); err != nil {
				return nil, err
			}
			d.seen.resolve(w.Ref)
			return fn, nil
		}
	}

	fn := d.ch.newProxy(d.to, d.from, h, w)
	if err := d.seen.open(w.Ref, fn); err != nil {
		return nil, err
	}
	d.to.remember(h, fn)
	d.seen.resolve(w.Ref)
	return fn, nil
}

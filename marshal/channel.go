package marshal

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/handle"
	"github.com/wippyai/realm-runner/value"
)

// DefaultCallTimeout bounds a proxied call when Options leaves it unset.
const DefaultCallTimeout = time.Second

// Options configures a Channel.
type Options struct {
	// CallTimeout bounds every proxied call on the owning side.
	CallTimeout time.Duration
}

// Channel joins two endpoints across exactly one boundary.
type Channel struct {
	a, b   *Endpoint
	opts   Options
	closed atomic.Bool
}

// NewChannel links a and b. Releasing a handle on one side drops the
// other side's mirrors of it.
func NewChannel(a, b *Endpoint, opts Options) *Channel {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	c := &Channel{a: a, b: b, opts: opts}
	a.heap.Subscribe(forgetter{peer: b})
	b.heap.Subscribe(forgetter{peer: a})
	return c
}

// Endpoints returns both sides.
func (c *Channel) Endpoints() (*Endpoint, *Endpoint) { return c.a, c.b }

func (c *Channel) peer(e *Endpoint) (*Endpoint, error) {
	switch e {
	case c.a:
		return c.b, nil
	case c.b:
		return c.a, nil
	}
	return nil, errors.InvalidInput(errors.PhaseMarshal, "endpoint does not belong to this channel")
}

func (c *Channel) check() error {
	if c.closed.Load() {
		return errors.Disposed(errors.PhaseMarshal, "channel")
	}
	return nil
}

// Marshal encodes v leaving from (marshalOut).
func (c *Channel) Marshal(from *Endpoint, v value.Value) (Wire, error) {
	if err := c.check(); err != nil {
		return Wire{}, err
	}
	if _, err := c.peer(from); err != nil {
		return Wire{}, err
	}
	return NewEncoder(from).Encode(v)
}

// Demarshal decodes w arriving at to (demarshalIn).
func (c *Channel) Demarshal(to *Endpoint, w Wire) (value.Value, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	from, err := c.peer(to)
	if err != nil {
		return nil, err
	}
	dec := newDecoder(c, to, from)
	v, err := dec.Decode(w)
	if err != nil {
		return nil, err
	}
	if err := dec.Finish(); err != nil {
		return nil, err
	}
	return v, nil
}

// Cross moves v from one endpoint to the other in a single crossing.
func (c *Channel) Cross(from *Endpoint, v value.Value) (value.Value, error) {
	out, err := c.CrossAll(from, v)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// CrossAll moves several values in one crossing, so sharing between them is
// preserved.
func (c *Channel) CrossAll(from *Endpoint, vs ...value.Value) ([]value.Value, error) {
	return c.cross(NewEncoder(from), from, vs)
}

// CrossScoped is CrossAll with the sender's new handles tied to the returned
// release func. Mirrors of released handles stop working on the far side.
func (c *Channel) CrossScoped(from *Endpoint, vs ...value.Value) ([]value.Value, func(), error) {
	scope := from.heap.NewScope()
	out, err := c.cross(NewScopedEncoder(from, scope), from, vs)
	if err != nil {
		scope.Release()
		return nil, func() {}, err
	}
	return out, scope.Release, nil
}

func (c *Channel) cross(enc *Encoder, from *Endpoint, vs []value.Value) ([]value.Value, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	to, err := c.peer(from)
	if err != nil {
		return nil, err
	}

	wires := make([]Wire, len(vs))
	for i, v := range vs {
		if wires[i], err = enc.Encode(v); err != nil {
			return nil, err
		}
	}

	dec := newDecoder(c, to, from)
	out := make([]value.Value, len(wires))
	for i, w := range wires {
		if out[i], err = dec.Decode(w); err != nil {
			return nil, err
		}
	}
	if err := dec.Finish(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close invalidates every handle on both sides. Proxies fail with
// KindDisposed afterwards. Idempotent.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	errA := c.a.heap.Close()
	errB := c.b.heap.Close()
	c.a.forgetAll()
	c.b.forgetAll()
	if errA != nil {
		return errA
	}
	return errB
}

// invoke runs the function owner exported under fn on behalf of caller.
func (c *Channel) invoke(ctx context.Context, caller, owner *Endpoint, fn handle.Handle, this value.Value, args []value.Value, construct bool) (value.Value, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	scope := caller.heap.NewScope()
	defer scope.Release()
	enc := NewScopedEncoder(caller, scope)

	var thisW Wire
	switch {
	case construct:
		thisW = Wire{Kind: WireUndefined}
	default:
		w, err := enc.Encode(this)
		if err != nil {
			return nil, err
		}
		thisW = w
	}
	argW := make([]Wire, len(args))
	for i, a := range args {
		w, err := enc.Encode(a)
		if err != nil {
			return nil, err
		}
		argW[i] = w
	}

	target, err := owner.resolve(fn)
	if err != nil {
		return nil, err
	}
	f, ok := target.(*value.Function)
	if !ok {
		return nil, value.ErrNotCallable
	}

	dec := newDecoder(c, owner, caller)
	thisV, err := dec.Decode(thisW)
	if err != nil {
		return nil, err
	}
	argV := make([]value.Value, len(argW))
	for i, w := range argW {
		if argV[i], err = dec.Decode(w); err != nil {
			return nil, err
		}
	}
	if err := dec.Finish(); err != nil {
		return nil, err
	}

	var result value.Value
	runErr := owner.exec.Run(ctx, c.opts.CallTimeout, func(ctx context.Context) error {
		var err error
		if construct {
			result, err = f.Construct(ctx, argV...)
		} else {
			result, err = f.Call(ctx, thisV, argV...)
		}
		return err
	})
	if runErr != nil {
		Logger().Debug("proxied call failed",
			zap.String("owner", owner.name),
			zap.String("function", f.Name()),
			zap.Error(runErr))
		return nil, runErr
	}

	// Result handles are scoped. Plain data needs no live handle once the
	// caller has its copy; a result carrying functions keeps its handles
	// so the caller's proxies stay callable.
	results := owner.heap.NewScope()
	rw, err := NewScopedEncoder(owner, results).Encode(result)
	if err != nil {
		results.Release()
		return nil, err
	}
	back := newDecoder(c, caller, owner)
	out, err := back.Decode(rw)
	if err == nil {
		err = back.Finish()
	}
	if err != nil || !hasFunction(rw) {
		results.Release()
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func hasFunction(w Wire) bool {
	switch w.Kind {
	case WireFunction:
		return true
	case WireObject:
		for _, p := range w.Props {
			if hasFunction(p.Value) {
				return true
			}
		}
		return w.Proto != nil && hasFunction(*w.Proto)
	case WireArray:
		for _, e := range w.Elems {
			if hasFunction(e) {
				return true
			}
		}
	}
	return false
}

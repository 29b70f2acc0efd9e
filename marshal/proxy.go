package marshal

import (
	"context"

	"github.com/wippyai/realm-runner/handle"
	"github.com/wippyai/realm-runner/value"
)

// newProxy builds the local stand-in for a function owned by the peer.
// Calling it crosses the receiver and arguments back, runs the real function
// under the owner's executor and brings the result over. Use
// value.Object.Method to call it with the object it was read from as
// receiver.
func (c *Channel) newProxy(local, owner *Endpoint, fn handle.Handle, w Wire) *value.Function {
	call := func(ctx context.Context, this value.Value, args []value.Value) (value.Value, error) {
		return c.invoke(ctx, local, owner, fn, this, args, false)
	}
	if !w.Ctor {
		return value.NewFunction(w.Name, w.Arity, call)
	}
	construct := func(ctx context.Context, args []value.Value) (value.Value, error) {
		return c.invoke(ctx, local, owner, fn, nil, args, true)
	}
	return value.NewConstructor(w.Name, w.Arity, call, construct)
}

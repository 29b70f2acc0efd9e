package marshal

import (
	"context"
	"sync"
	"time"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/handle"
	"github.com/wippyai/realm-runner/value"
)

// Executor runs calls on behalf of an endpoint. A realm supplies its own
// single-threaded executor; trusted host code uses DirectExecutor.
type Executor interface {
	Run(ctx context.Context, budget time.Duration, fn func(ctx context.Context) error) error
}

// DirectExecutor runs fn on the calling goroutine. The budget only sets a
// context deadline; a deadline that passed is reported as a timeout.
type DirectExecutor struct{}

func (DirectExecutor) Run(ctx context.Context, budget time.Duration, fn func(ctx context.Context) error) error {
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	err := fn(ctx)
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Timeout(errors.PhaseInvoke, budget)
	}
	return err
}

// Endpoint is one side of a realm boundary: the heap of values that side
// has handed out, plus the mirrors it has received from its peer.
type Endpoint struct {
	heap *handle.Table
	exec Executor
	// mirror value -> peer handle, used to send a mirror home as Remote.
	origins map[value.Value]handle.Handle
	// peer handle -> local mirror, so a value crossing twice keeps identity.
	mirrors map[handle.Handle]value.Value
	name    string
	mu      sync.Mutex
}

// NewEndpoint creates an endpoint with a fresh heap.
func NewEndpoint(name string, exec Executor) *Endpoint {
	return NewEndpointWithHeap(name, handle.New(), exec)
}

// NewEndpointWithHeap creates an endpoint over an existing heap, typically
// the heap owned by a realm.
func NewEndpointWithHeap(name string, heap *handle.Table, exec Executor) *Endpoint {
	if exec == nil {
		exec = DirectExecutor{}
	}
	return &Endpoint{
		name:    name,
		heap:    heap,
		exec:    exec,
		origins: make(map[value.Value]handle.Handle),
		mirrors: make(map[handle.Handle]value.Value),
	}
}

// Name returns the endpoint label used in logs and errors.
func (e *Endpoint) Name() string { return e.name }

// Heap returns the table of values this endpoint has exported.
func (e *Endpoint) Heap() *handle.Table { return e.heap }

// Origin reports the peer handle a local mirror was decoded from.
func (e *Endpoint) Origin(v value.Value) (handle.Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.origins[v]
	return h, ok
}

func (e *Endpoint) mirrorFor(h handle.Handle) (value.Value, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.mirrors[h]
	return m, ok
}

func (e *Endpoint) remember(h handle.Handle, v value.Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mirrors[h] = v
	e.origins[v] = h
}

// forget drops mirrors of a peer handle that went away.
func (e *Endpoint) forget(h handle.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.mirrors[h]
	if !ok {
		return
	}
	delete(e.mirrors, h)
	if e.origins[v] == h {
		delete(e.origins, v)
	}
}

func (e *Endpoint) forgetAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mirrors = make(map[handle.Handle]value.Value)
	e.origins = make(map[value.Value]handle.Handle)
}

// resolve looks up a value this endpoint exported.
func (e *Endpoint) resolve(h handle.Handle) (value.Value, error) {
	raw, err := e.heap.Get(h)
	if err != nil {
		return nil, err
	}
	v, ok := raw.(value.Value)
	if !ok {
		return nil, errors.New(errors.PhaseDemarshal, errors.KindInvalidHandle).
			Detail("handle %#x does not hold a value", uint64(h)).
			Build()
	}
	return v, nil
}

// forgetter forwards heap releases to the peer's mirror maps.
type forgetter struct {
	peer *Endpoint
}

func (f forgetter) OnHandleEvent(ev handle.Event) {
	switch ev.Type {
	case handle.EventReleased, handle.EventInvalidated:
		f.peer.forget(ev.Handle)
	}
}

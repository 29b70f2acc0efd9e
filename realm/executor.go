package realm

import (
	"context"
	"sync"
	"time"

	"github.com/wippyai/realm-runner/errors"
)

// executor serializes every call into one realm onto a single goroutine.
// A call made from inside a running call (guest -> host -> guest) runs
// inline on the current goroutine instead of queueing behind itself.
type executor struct {
	jobs chan *job
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

type job struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
	budget time.Duration
}

type executorKey struct{}

func newExecutor() *executor {
	e := &executor{
		jobs: make(chan *job),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *executor) loop() {
	defer close(e.done)
	for {
		select {
		case j := <-e.jobs:
			ctx := context.WithValue(j.ctx, executorKey{}, e)
			j.result <- runBudget(ctx, j.budget, j.fn)
		case <-e.quit:
			return
		}
	}
}

// Run implements marshal.Executor.
func (e *executor) Run(ctx context.Context, budget time.Duration, fn func(context.Context) error) error {
	if ctx.Value(executorKey{}) == e {
		return runBudget(ctx, budget, fn)
	}

	j := &job{ctx: ctx, fn: fn, budget: budget, result: make(chan error, 1)}
	select {
	case e.jobs <- j:
	case <-e.quit:
		return errors.Disposed(errors.PhaseRealm, "realm")
	case <-ctx.Done():
		return ctxError(ctx, budget)
	}
	select {
	case err := <-j.result:
		return err
	case <-e.done:
		return errors.Disposed(errors.PhaseRealm, "realm")
	}
}

// Close stops the loop after the call in flight, if any, returns.
func (e *executor) Close() {
	e.once.Do(func() { close(e.quit) })
}

func runBudget(ctx context.Context, budget time.Duration, fn func(context.Context) error) (err error) {
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r)
		}
	}()

	err = fn(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, errors.ErrTimeout) && errors.KindOf(err) != errors.KindDisqualified {
		return ctxError(ctx, budget)
	}
	return err
}

func ctxError(ctx context.Context, budget time.Duration) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Timeout(errors.PhaseInvoke, budget)
	}
	return errors.Wrap(errors.PhaseInvoke, errors.KindTimeout, ctx.Err(), "call cancelled")
}

// hostPanic carries a host-side error through untrusted code that cannot
// return one.
type hostPanic struct {
	err error
}

func recovered(r any) error {
	if hp, ok := r.(hostPanic); ok {
		return hp.err
	}
	return errors.Panicked(errors.PhaseInvoke, r)
}

package realm

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/value"
)

// hostPackage is the import path of the bridge the wrapper file uses to
// run host calls inside the interpreter; hostAlias is its local name.
const (
	hostPackage = "realmhost"
	hostAlias   = "_realm"
	invokeCall  = "_invoke()"
)

// unwindGrace bounds the wait for a cancelled call to leave the
// interpreter.
const unwindGrace = 250 * time.Millisecond

// goEntry is a Go entry running in its own yaegi interpreter. Every call
// goes through EvalWithContext, so a deadline stops the interpreted frames
// instead of abandoning a goroutine.
type goEntry struct {
	in    *interp.Interpreter
	fn    reflect.Value
	code  wrapped
	arity int

	// Per call state, read by the bridge.
	thunk   func() any
	result  any
	exited  chan struct{}
	running bool

	// stuck is set when a cancelled call did not unwind within
	// unwindGrace. Its goroutine still owns the interpreter, so the entry
	// takes no further calls.
	stuck bool
}

func allowedSymbols(allowed map[string]bool) interp.Exports {
	out := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		// Keys are "import/path/name".
		i := strings.LastIndex(key, "/")
		if i < 0 || !allowed[key[:i]] {
			continue
		}
		out[key] = syms
	}
	return out
}

func compileGo(ctx context.Context, src Source, allowed map[string]bool) (compiled, error) {
	code := wrapGo(src.Prelude, src.Body, src.Params)
	if err := code.validate(allowed); err != nil {
		return nil, err
	}
	g := &goEntry{code: code, arity: len(src.Params)}
	if err := g.load(ctx, allowedSymbols(allowed)); err != nil {
		return nil, err
	}
	return g, nil
}

// bridge exports the host side of the wrapper's _invoke.
func (g *goEntry) bridge() interp.Exports {
	return interp.Exports{
		hostPackage + "/" + hostPackage: {
			"Run":  reflect.ValueOf(func() { g.result = g.thunk() }),
			"Exit": reflect.ValueOf(func() { close(g.exited) }),
		},
	}
}

func (g *goEntry) load(ctx context.Context, symbols interp.Exports) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errors.CompileError{Message: fmt.Sprintf("interpreter: %v", r)}
		}
	}()

	i := interp.New(interp.Options{
		Stdout: io.Discard,
		Stderr: io.Discard,
		Stdin:  strings.NewReader(""),
	})
	if err := i.Use(symbols); err != nil {
		return fmt.Errorf("load symbols: %w", err)
	}
	if err := i.Use(g.bridge()); err != nil {
		return fmt.Errorf("load bridge: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, g.code.src); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var p interp.Panic
		if errors.As(err, &p) {
			return &errors.CompileError{Message: fmt.Sprintf("panic during initialization: %v", p.Value)}
		}
		return g.code.fromInterpreter(err)
	}
	fn, err := i.Eval("main.Entry")
	if err != nil {
		return g.code.fromInterpreter(err)
	}
	if fn.Kind() != reflect.Func {
		return &errors.CompileError{Message: "Entry is not a function"}
	}
	g.in = i
	g.fn = fn
	return nil
}

func (g *goEntry) invoke(ctx context.Context, args []value.Value, extras *value.Object) (value.Value, error) {
	if len(args) != g.arity {
		return nil, errors.InvalidInput(errors.PhaseInvoke,
			fmt.Sprintf("entry takes %d args, got %d", g.arity, len(args)))
	}

	conv := newConverter(ctx, g)
	in := make([]reflect.Value, 0, len(args)+1)
	x, err := conv.lowerObject(extras, []string{"extras"})
	if err != nil {
		return nil, err
	}
	in = append(in, reflect.ValueOf(x))
	for i, a := range args {
		n, err := conv.lower(a, []string{fmt.Sprint(i)})
		if err != nil {
			return nil, err
		}
		in = append(in, anyValue(n))
	}

	out, err := g.call(ctx, g.fn, in)
	if err != nil {
		return nil, err
	}
	return conv.lift(out, nil)
}

// call runs fn inside the interpreter under ctx. A call made while another
// one is running (entry -> host -> lifted entry function) runs inline;
// the outer call's deadline already covers it.
func (g *goEntry) call(ctx context.Context, fn reflect.Value, in []reflect.Value) (out any, err error) {
	if g.stuck {
		return nil, errors.Wrap(errors.PhaseInvoke, errors.KindDisqualified, nil,
			"entry did not stop after an earlier deadline")
	}
	thunk := func() any {
		res := fn.Call(in)
		if len(res) > 0 {
			return res[0].Interface()
		}
		return nil
	}

	if g.running {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(r)
			}
		}()
		return thunk(), nil
	}

	g.running = true
	defer func() { g.running = false }()
	g.thunk, g.result = thunk, nil
	g.exited = make(chan struct{})

	_, err = g.in.EvalWithContext(ctx, invokeCall)
	switch {
	case err == nil:
		return g.result, nil
	case ctx.Err() != nil && err == ctx.Err():
		return nil, g.unwind(err)
	}
	var p interp.Panic
	if errors.As(err, &p) {
		return nil, recovered(p.Value)
	}
	return nil, errors.Throw(errors.PhaseInvoke, err)
}

// unwind waits for a cancelled call to leave the interpreter. A call that
// stays, e.g. blocked in a host function ignoring its context, marks the
// entry stuck for good.
func (g *goEntry) unwind(cause error) error {
	t := time.NewTimer(unwindGrace)
	defer t.Stop()
	select {
	case <-g.exited:
		return cause
	case <-t.C:
	}
	g.stuck = true
	Logger().Warn("entry did not stop after its deadline", zap.Duration("grace", unwindGrace))
	return errors.Wrap(errors.PhaseInvoke, errors.KindDisqualified, cause,
		"entry did not stop after its deadline")
}

func (g *goEntry) close(context.Context) error { return nil }

var anyType = reflect.TypeOf((*any)(nil)).Elem()

func anyValue(x any) reflect.Value {
	if x == nil {
		return reflect.Zero(anyType)
	}
	v := reflect.New(anyType).Elem()
	v.Set(reflect.ValueOf(x))
	return v
}

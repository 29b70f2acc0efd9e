// Package realm runs untrusted entries inside isolated realms.
//
// A Realm has a memory ceiling and a default per-call wall-clock budget.
// Calls into it are serialized on the realm's own goroutine; a call the
// realm makes back into itself through a host function runs inline.
//
// Two engines compile entries:
//
//   - EngineGo interprets Go source with yaegi. The body becomes the body of
//     func Entry(extras map[string]any, <params> any) any and may use only
//     the packages in the realm's allow-list. Values arrive as plain Go
//     values: map[string]any, []any, float64, string, bool and nil.
//     Function values arrive as Fn (func(...any) any); call(f, args...)
//     invokes one.
//
//   - EngineWasm runs a core WebAssembly module with wazero. The module
//     must export "entry" taking one number per declared param and may
//     import only call0, call1 and call2 from the "realm" module, which
//     invoke the call's extras by index.
//
// Compile reports bad source as *errors.CompileError with a position
// relative to the prelude or body. Invoke reports timeouts as KindTimeout,
// panics and traps as KindRuntimeThrow and use after Dispose as
// KindDisposed.
//
//	r, _ := realm.New(ctx, realm.Config{CallTimeout: 50 * time.Millisecond})
//	defer r.Dispose(ctx)
//	e, _ := r.Compile(ctx, realm.Source{
//		Engine: realm.EngineGo,
//		Body:   "return a.(float64) * 2",
//		Params: []string{"a"},
//	})
//	v, _ := r.Call(ctx, e, []value.Value{value.Number(21)}, nil)
package realm

package realm

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/value"
)

// (func (export "entry") (param f64 f64) (result f64) local.get 0 local.get 1 f64.add)
const wasmAdd = "\x00asm\x01\x00\x00\x00" +
	"\x01\x07\x01\x60\x02\x7c\x7c\x01\x7c" +
	"\x03\x02\x01\x00" +
	"\x07\x09\x01\x05entry\x00\x00" +
	"\x0a\x09\x01\x07\x00\x20\x00\x20\x01\xa0\x0b"

// (func (export "entry") (loop br 0))
const wasmSpin = "\x00asm\x01\x00\x00\x00" +
	"\x01\x04\x01\x60\x00\x00" +
	"\x03\x02\x01\x00" +
	"\x07\x09\x01\x05entry\x00\x00" +
	"\x0a\x09\x01\x07\x00\x03\x40\x0c\x00\x0b\x0b"

// (import "realm" "call1" (func (param i32 f64) (result f64)))
// (func (export "entry") (param f64) (result f64) i32.const 0 local.get 0 call 0)
const wasmCallExtra = "\x00asm\x01\x00\x00\x00" +
	"\x01\x0c\x02\x60\x02\x7f\x7c\x01\x7c\x60\x01\x7c\x01\x7c" +
	"\x02\x0f\x01\x05realm\x05call1\x00\x00" +
	"\x03\x02\x01\x01" +
	"\x07\x09\x01\x05entry\x00\x01" +
	"\x0a\x0a\x01\x08\x00\x41\x00\x20\x00\x10\x00\x0b"

func newRealm(t *testing.T, cfg Config) *Realm {
	t.Helper()
	r, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Dispose(context.Background()) })
	return r
}

func compile(t *testing.T, r *Realm, src Source) *Entry {
	t.Helper()
	e, err := r.Compile(context.Background(), src)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return e
}

func compileError(t *testing.T, r *Realm, src Source) *errors.CompileError {
	t.Helper()
	_, err := r.Compile(context.Background(), src)
	var ce *errors.CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompileError, got %v", err)
	}
	return ce
}

func num(t *testing.T, v value.Value) float64 {
	t.Helper()
	n, ok := v.(value.Number)
	if !ok {
		t.Fatalf("expected number, got %#v", v)
	}
	return float64(n)
}

func TestNew_MemoryLimit(t *testing.T) {
	for _, limit := range []uint64{100, 8 << 30} {
		_, err := New(context.Background(), Config{MemoryLimitBytes: limit})
		if errors.KindOf(err) != errors.KindResourceExhausted {
			t.Errorf("limit %d: expected resource_exhausted, got %v", limit, err)
		}
	}
	r := newRealm(t, Config{MemoryLimitBytes: 1 << 20})
	if r.CallTimeout() != DefaultCallTimeout {
		t.Errorf("CallTimeout = %v", r.CallTimeout())
	}
}

func TestWasm_Add(t *testing.T) {
	r := newRealm(t, Config{})
	ctx := context.Background()

	for name, body := range map[string]string{
		"raw":    wasmAdd,
		"base64": base64.StdEncoding.EncodeToString([]byte(wasmAdd)),
	} {
		t.Run(name, func(t *testing.T) {
			e := compile(t, r, Source{Engine: EngineWasm, Body: body, Params: []string{"a", "b"}})
			got, err := r.Invoke(ctx, e, []value.Value{value.Number(2), value.Number(3.5)}, nil, 0)
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			if num(t, got) != 5.5 {
				t.Errorf("got %v, want 5.5", got)
			}
		})
	}
}

func TestWasm_CompileErrors(t *testing.T) {
	r := newRealm(t, Config{})

	tests := []struct {
		name string
		src  Source
	}{
		{"arity", Source{Engine: EngineWasm, Body: wasmAdd, Params: []string{"a"}}},
		{"garbage", Source{Engine: EngineWasm, Body: "not a module", Params: nil}},
		{"prelude", Source{Engine: EngineWasm, Prelude: "x", Body: wasmAdd, Params: []string{"a", "b"}}},
		{"engine", Source{Engine: "lua", Body: "return 1"}},
		{"param name", Source{Engine: EngineWasm, Body: wasmAdd, Params: []string{"a", "2b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compileError(t, r, tt.src)
		})
	}
}

func TestWasm_RejectsNonNumbers(t *testing.T) {
	r := newRealm(t, Config{})
	e := compile(t, r, Source{Engine: EngineWasm, Body: wasmAdd, Params: []string{"a", "b"}})

	_, err := r.Invoke(context.Background(), e, []value.Value{value.String("x"), value.Number(1)}, nil, 0)
	if !errors.Is(err, errors.ErrUnsupportedValue) {
		t.Errorf("expected unsupported value, got %v", err)
	}
}

func TestWasm_TimeoutLeavesRealmUsable(t *testing.T) {
	r := newRealm(t, Config{})
	ctx := context.Background()
	spin := compile(t, r, Source{Engine: EngineWasm, Body: wasmSpin})
	add := compile(t, r, Source{Engine: EngineWasm, Body: wasmAdd, Params: []string{"a", "b"}})

	for i := 0; i < 2; i++ {
		start := time.Now()
		_, err := r.Invoke(ctx, spin, nil, nil, 30*time.Millisecond)
		if !errors.Is(err, errors.ErrTimeout) {
			t.Fatalf("run %d: expected timeout, got %v", i, err)
		}
		if time.Since(start) > 2*time.Second {
			t.Fatalf("run %d: timeout took %v", i, time.Since(start))
		}
	}

	got, err := r.Invoke(ctx, add, []value.Value{value.Number(1), value.Number(1)}, nil, 0)
	if err != nil {
		t.Fatalf("Invoke after timeout failed: %v", err)
	}
	if num(t, got) != 2 {
		t.Errorf("got %v, want 2", got)
	}
}

func TestWasm_HostCallThroughExtras(t *testing.T) {
	r := newRealm(t, Config{})
	e := compile(t, r, Source{Engine: EngineWasm, Body: wasmCallExtra, Params: []string{"x"}})

	var gotThis value.Value
	double := value.NewFunction("double", 1, func(_ context.Context, this value.Value, args []value.Value) (value.Value, error) {
		gotThis = this
		n, _ := value.ToNumber(args[0])
		return value.Number(n * 2), nil
	})
	extras := value.NewObject().Set("double", double)
	got, err := r.Call(context.Background(), e, []value.Value{value.Number(21)}, extras)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if num(t, got) != 42 {
		t.Errorf("got %v, want 42", got)
	}
	if gotThis != value.Value(extras) {
		t.Errorf("this = %#v, want the extras object", gotThis)
	}

	_, err = r.Call(context.Background(), e, []value.Value{value.Number(1)}, nil)
	if errors.KindOf(err) != errors.KindInvalidInput {
		t.Errorf("missing extra: expected invalid_input, got %v", err)
	}
}

func TestGo_Add(t *testing.T) {
	r := newRealm(t, Config{})
	e := compile(t, r, Source{
		Engine:  EngineGo,
		Prelude: `import "math"`,
		Body:    "return math.Max(a.(float64), b.(float64)) + 1",
		Params:  []string{"a", "b"},
	})

	got, err := r.Call(context.Background(), e, []value.Value{value.Number(2), value.Number(7)}, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if num(t, got) != 8 {
		t.Errorf("got %v, want 8", got)
	}
}

func TestGo_CompileErrorPositions(t *testing.T) {
	r := newRealm(t, Config{})

	tests := []struct {
		name    string
		src     Source
		section string
		line    int
		column  int
	}{
		{
			name:    "syntax in body",
			src:     Source{Engine: EngineGo, Body: "y := 1\nx := )", Params: []string{"a"}},
			section: sectionBody, line: 2, column: 6,
		},
		{
			name:    "forbidden import",
			src:     Source{Engine: EngineGo, Prelude: "import \"os\"", Body: "return nil"},
			section: sectionPrelude, line: 1, column: 8,
		},
		{
			name:    "goroutine",
			src:     Source{Engine: EngineGo, Body: "go func() {}()\nreturn nil"},
			section: sectionBody, line: 1, column: 1,
		},
		{
			name:    "syntax in prelude",
			src:     Source{Engine: EngineGo, Prelude: "import \"math\"\nvar = 3", Body: "return math.Pi"},
			section: sectionPrelude, line: 2, column: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := compileError(t, r, tt.src)
			if ce.Section != tt.section || ce.Line != tt.line || ce.Column != tt.column {
				t.Errorf("got %s:%d:%d (%s), want %s:%d:%d",
					ce.Section, ce.Line, ce.Column, ce.Message, tt.section, tt.line, tt.column)
			}
		})
	}
}

func TestGo_TypeErrorIsCompileError(t *testing.T) {
	r := newRealm(t, Config{})
	ce := compileError(t, r, Source{Engine: EngineGo, Body: "return undefinedName"})
	if ce.Message == "" {
		t.Error("empty message")
	}
}

func TestGo_PanicIsRuntimeThrow(t *testing.T) {
	r := newRealm(t, Config{})
	e := compile(t, r, Source{Engine: EngineGo, Body: `panic("boom")`})

	_, err := r.Invoke(context.Background(), e, nil, nil, 0)
	if !errors.Is(err, errors.ErrRuntimeThrow) {
		t.Fatalf("expected runtime throw, got %v", err)
	}
}

func TestGo_TimeoutLeavesRealmUsable(t *testing.T) {
	r := newRealm(t, Config{})
	ctx := context.Background()
	spin := compile(t, r, Source{Engine: EngineGo, Body: "for {\n}"})
	echo := compile(t, r, Source{Engine: EngineGo, Body: "return a", Params: []string{"a"}})

	_, err := r.Invoke(ctx, spin, nil, nil, 30*time.Millisecond)
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	got, err := r.Invoke(ctx, echo, []value.Value{value.String("ok")}, nil, 0)
	if err != nil {
		t.Fatalf("Invoke after timeout failed: %v", err)
	}
	if got != value.String("ok") {
		t.Errorf("got %v, want ok", got)
	}
}

func TestGo_TimedOutCallsLeaveNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	r, err := New(ctx, Config{})
	if err != nil {
		t.Fatal(err)
	}
	spin := compile(t, r, Source{Engine: EngineGo, Body: "for {\n}"})
	for i := 0; i < 5; i++ {
		_, err := r.Invoke(ctx, spin, nil, nil, 20*time.Millisecond)
		if !errors.Is(err, errors.ErrTimeout) {
			t.Fatalf("run %d: expected timeout, got %v", i, err)
		}
	}
	if err := r.Dispose(ctx); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
}

func TestGo_StuckCallDisqualifiesEntry(t *testing.T) {
	r := newRealm(t, Config{})
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	block := value.NewFunction("block", 0, func(context.Context, value.Value, []value.Value) (value.Value, error) {
		<-release
		return value.Undefined, nil
	})
	e := compile(t, r, Source{Engine: EngineGo, Body: `return call(extras["block"])`})
	extras := value.NewObject().Set("block", block)

	_, err := r.Invoke(ctx, e, nil, extras, 20*time.Millisecond)
	if errors.KindOf(err) != errors.KindDisqualified {
		t.Fatalf("expected disqualified, got %v", err)
	}
	start := time.Now()
	_, err = r.Invoke(ctx, e, nil, extras, 20*time.Millisecond)
	if errors.KindOf(err) != errors.KindDisqualified {
		t.Fatalf("second call: expected disqualified, got %v", err)
	}
	if time.Since(start) > unwindGrace {
		t.Errorf("second call waited %v", time.Since(start))
	}
}

func TestGo_ReservedBridgeName(t *testing.T) {
	r := newRealm(t, Config{})
	ce := compileError(t, r, Source{Engine: EngineGo, Body: "_realm.Exit()\nreturn nil"})
	if ce.Section != sectionBody || ce.Line != 1 {
		t.Errorf("got %s:%d (%s)", ce.Section, ce.Line, ce.Message)
	}
}

func TestGo_CyclicResultKeepsTopology(t *testing.T) {
	r := newRealm(t, Config{})
	e := compile(t, r, Source{Engine: EngineGo, Body: `
shared := map[string]any{"n": 1.0}
m := map[string]any{"a": shared, "b": shared}
m["self"] = m
return m`})

	got, err := r.Call(context.Background(), e, nil, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	m, ok := got.(*value.Object)
	if !ok {
		t.Fatalf("expected object, got %#v", got)
	}
	if m.Get("self") != value.Value(m) {
		t.Error("self reference lost")
	}
	if m.Get("a") != m.Get("b") {
		t.Error("shared sub-object duplicated")
	}
}

func TestGo_ArgumentIdentityRoundTrip(t *testing.T) {
	r := newRealm(t, Config{})
	e := compile(t, r, Source{Engine: EngineGo, Body: "return []any{a, a}", Params: []string{"a"}})

	obj := value.NewObject().Set("k", value.Number(1))
	got, err := r.Call(context.Background(), e, []value.Value{obj}, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	arr := got.(*value.Array)
	if arr.At(0) != value.Value(obj) || arr.At(1) != value.Value(obj) {
		t.Errorf("argument did not come home as itself: %#v", arr.Elements())
	}
}

func TestGo_NestedFunctionBindsOwner(t *testing.T) {
	r := newRealm(t, Config{})
	e := compile(t, r, Source{Engine: EngineGo, Body: `
inner := a.(map[string]any)["inner"].(map[string]any)
return call(inner["greet"], 1.0, "x")`, Params: []string{"a"}})

	inner := value.NewObject().Set("name", value.String("inner"))
	var gotThis value.Value
	var gotArgs []value.Value
	greet := value.NewFunction("greet", 2, func(_ context.Context, this value.Value, args []value.Value) (value.Value, error) {
		gotThis, gotArgs = this, args
		return value.String("hi " + string(args[1].(value.String))), nil
	})
	inner.Set("greet", greet)
	outer := value.NewObject().Set("inner", inner)

	got, err := r.Call(context.Background(), e, []value.Value{outer}, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	direct, _ := greet.Call(context.Background(), inner, value.Number(1), value.String("x"))
	if got != direct {
		t.Errorf("got %v, direct call gives %v", got, direct)
	}
	if gotThis != value.Value(inner) {
		t.Errorf("this = %#v, want the original inner object", gotThis)
	}
	if len(gotArgs) != 2 || gotArgs[0] != value.Number(1) || gotArgs[1] != value.String("x") {
		t.Errorf("args = %#v", gotArgs)
	}
}

func TestGo_InheritedMethodBindsInstance(t *testing.T) {
	r := newRealm(t, Config{})
	e := compile(t, r, Source{Engine: EngineGo, Body: `
return []any{call(a.(map[string]any)["describe"]), call(b.(map[string]any)["describe"])}`,
		Params: []string{"a", "b"}})

	describe := value.NewFunction("describe", 0, func(_ context.Context, this value.Value, _ []value.Value) (value.Value, error) {
		o, ok := this.(*value.Object)
		if !ok {
			return value.Undefined, nil
		}
		return o.Get("name"), nil
	})
	proto := value.NewObject().Set("name", value.String("proto")).Set("describe", describe)
	a := value.NewObject().Set("name", value.String("a"))
	a.SetProto(proto)
	b := value.NewObject().Set("name", value.String("b"))
	b.SetProto(proto)

	got, err := r.Call(context.Background(), e, []value.Value{a, b}, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	arr := got.(*value.Array)
	if arr.At(0) != value.String("a") || arr.At(1) != value.String("b") {
		t.Errorf("receivers = %#v, want each instance", arr.Elements())
	}
}

func TestGo_ReentrantCallback(t *testing.T) {
	r := newRealm(t, Config{})
	e := compile(t, r, Source{Engine: EngineGo, Body: `
return call(extras["apply"], func(args ...any) any { return args[0].(float64) * 10 })`})

	apply := value.NewFunction("apply", 1, func(ctx context.Context, _ value.Value, args []value.Value) (value.Value, error) {
		return args[0].(*value.Function).Call(ctx, nil, value.Number(2))
	})
	got, err := r.Call(context.Background(), e, nil, value.NewObject().Set("apply", apply))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if num(t, got) != 20 {
		t.Errorf("got %v, want 20", got)
	}
}

func TestGo_ForeignArgumentRejected(t *testing.T) {
	r := newRealm(t, Config{})
	e := compile(t, r, Source{Engine: EngineGo, Body: "return a", Params: []string{"a"}})

	_, err := r.Invoke(context.Background(), e, []value.Value{&value.Foreign{V: 1}}, nil, 0)
	if !errors.Is(err, errors.ErrUnsupportedValue) {
		t.Errorf("expected unsupported value, got %v", err)
	}
}

func TestDispose(t *testing.T) {
	r, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	e := compile(t, r, Source{Engine: EngineWasm, Body: wasmAdd, Params: []string{"a", "b"}})

	obj := value.NewObject()
	if _, err := r.Channel().Cross(r.Guest(), obj); err != nil {
		t.Fatal(err)
	}
	if r.Heap().Len() == 0 {
		t.Fatal("expected a live handle before dispose")
	}

	if err := r.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if err := r.Dispose(context.Background()); err != nil {
		t.Fatalf("second Dispose failed: %v", err)
	}
	if !r.Heap().Closed() {
		t.Error("heap not invalidated")
	}

	_, err = r.Invoke(context.Background(), e, []value.Value{value.Number(1), value.Number(2)}, nil, 0)
	if !errors.Is(err, errors.ErrDisposed) {
		t.Errorf("Invoke: expected disposed, got %v", err)
	}
	_, err = r.Compile(context.Background(), Source{Engine: EngineWasm, Body: wasmAdd})
	if !errors.Is(err, errors.ErrDisposed) {
		t.Errorf("Compile: expected disposed, got %v", err)
	}
}

func TestSourceHash(t *testing.T) {
	a := Source{Engine: EngineGo, Body: "return 1"}
	b := Source{Engine: EngineGo, Body: "return 1"}
	c := Source{Engine: EngineGo, Body: "return 2"}
	if a.Hash() != b.Hash() {
		t.Error("equal sources hash differently")
	}
	if a.Hash() == c.Hash() {
		t.Error("different sources share a hash")
	}
}

package realm

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/value"
)

// HostModule is the only module a wasm entry may import from. It exports
// call0, call1 and call2: (i32 extra index, f64 args...) -> f64, which call
// the extra at that index in the current call's extras object.
const HostModule = "realm"

const wasmExport = "entry"

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

type wasmCallKey struct{}

// wasmCall is the state of one invocation, reachable from host functions
// through the call context.
type wasmCall struct {
	extras []value.Value
	err    error
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder(HostModule)
	for n := 0; n <= 2; n++ {
		params := []api.ValueType{api.ValueTypeI32}
		for i := 0; i < n; i++ {
			params = append(params, api.ValueTypeF64)
		}
		b.NewFunctionBuilder().
			WithGoModuleFunction(hostCall(n), params, []api.ValueType{api.ValueTypeF64}).
			Export(fmt.Sprintf("call%d", n))
	}
	_, err := b.Instantiate(ctx)
	return err
}

func hostCall(n int) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		call, _ := ctx.Value(wasmCallKey{}).(*wasmCall)
		if call == nil {
			panic(hostPanic{errors.InvalidInput(errors.PhaseInvoke, "host call outside an invocation")})
		}
		fail := func(err error) {
			call.err = err
			panic(hostPanic{err})
		}

		idx := int(api.DecodeI32(stack[0]))
		if idx < 0 || idx >= len(call.extras) {
			fail(errors.InvalidInput(errors.PhaseInvoke, fmt.Sprintf("extra %d out of range", idx)))
		}
		fn, ok := call.extras[idx].(*value.Function)
		if !ok {
			fail(errors.InvalidInput(errors.PhaseInvoke, fmt.Sprintf("extra %d is not a function", idx)))
		}

		args := make([]value.Value, n)
		for i := 0; i < n; i++ {
			args[i] = value.Number(api.DecodeF64(stack[1+i]))
		}
		res, err := fn.Call(ctx, value.Undefined, args...)
		if err != nil {
			fail(err)
		}
		f, ok := value.ToNumber(res)
		if !ok {
			f = math.NaN()
		}
		stack[0] = api.EncodeF64(f)
	}
}

type wasmEntry struct {
	rt       wazero.Runtime
	module   wazero.CompiledModule
	inst     api.Module
	fn       api.Function
	params   []api.ValueType
	results  []api.ValueType
	numParam int
}

func decodeWasm(body string) ([]byte, error) {
	raw := []byte(body)
	if bytes.HasPrefix(raw, wasmMagic) {
		return raw, nil
	}
	bin, err := base64.StdEncoding.DecodeString(strings.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("body is neither a wasm binary nor base64: %w", err)
	}
	if !bytes.HasPrefix(bin, wasmMagic) {
		return nil, fmt.Errorf("body does not start with the wasm magic number")
	}
	return bin, nil
}

func compileWasm(ctx context.Context, rt wazero.Runtime, src Source) (compiled, error) {
	if strings.TrimSpace(src.Prelude) != "" {
		return nil, &errors.CompileError{Message: "wasm entries take no prelude", Section: sectionPrelude}
	}
	bin, err := decodeWasm(src.Body)
	if err != nil {
		return nil, &errors.CompileError{Message: err.Error(), Section: sectionBody}
	}

	mod, err := rt.CompileModule(ctx, bin)
	if err != nil {
		if strings.Contains(err.Error(), "limit") {
			return nil, errors.ResourceExhausted(errors.PhaseCompile, "module memory exceeds the realm limit", err)
		}
		return nil, &errors.CompileError{Message: err.Error(), Section: sectionBody}
	}
	fail := func(format string, args ...any) (compiled, error) {
		_ = mod.Close(ctx)
		return nil, &errors.CompileError{Message: fmt.Sprintf(format, args...), Section: sectionBody}
	}

	for _, def := range mod.ImportedFunctions() {
		modName, name, _ := def.Import()
		if modName != HostModule {
			return fail("import %s.%s: only %q may be imported", modName, name, HostModule)
		}
	}
	if len(mod.ImportedMemories()) > 0 {
		return fail("wasm entries may not import memory")
	}

	def, ok := mod.ExportedFunctions()[wasmExport]
	if !ok {
		return fail("module does not export %q", wasmExport)
	}
	params := def.ParamTypes()
	if len(params) != len(src.Params) {
		return fail("%q takes %d params, declared %d", wasmExport, len(params), len(src.Params))
	}
	results := def.ResultTypes()
	if len(results) > 1 {
		return fail("%q returns %d values, want at most 1", wasmExport, len(results))
	}

	return &wasmEntry{
		rt:       rt,
		module:   mod,
		params:   params,
		results:  results,
		numParam: len(params),
	}, nil
}

func (w *wasmEntry) instance(ctx context.Context) (api.Function, error) {
	if w.inst != nil && !w.inst.IsClosed() {
		return w.fn, nil
	}
	inst, err := w.rt.InstantiateModule(ctx, w.module, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		if strings.Contains(err.Error(), "memory") {
			return nil, errors.ResourceExhausted(errors.PhaseInvoke, "instantiate module", err)
		}
		return nil, errors.Throw(errors.PhaseInvoke, err)
	}
	w.inst = inst
	w.fn = inst.ExportedFunction(wasmExport)
	return w.fn, nil
}

func (w *wasmEntry) invoke(ctx context.Context, args []value.Value, extras *value.Object) (value.Value, error) {
	if len(args) != w.numParam {
		return nil, errors.InvalidInput(errors.PhaseInvoke, fmt.Sprintf("entry takes %d args, got %d", w.numParam, len(args)))
	}
	stack := make([]uint64, len(args))
	for i, a := range args {
		f, ok := value.ToNumber(a)
		if !ok {
			return nil, errors.Unsupported(errors.PhaseInvoke, []string{fmt.Sprint(i)},
				fmt.Sprintf("wasm entries take numbers, got %s", a.Kind()))
		}
		stack[i] = encodeNumber(w.params[i], f)
	}

	fn, err := w.instance(ctx)
	if err != nil {
		return nil, err
	}

	call := &wasmCall{}
	for _, k := range extras.Keys() {
		if m, ok := extras.Method(k); ok {
			call.extras = append(call.extras, m)
			continue
		}
		call.extras = append(call.extras, extras.Get(k))
	}
	res, err := fn.Call(context.WithValue(ctx, wasmCallKey{}, call), stack...)
	if err != nil {
		if call.err != nil {
			return nil, call.err
		}
		if ctx.Err() != nil {
			// The instance was closed by the deadline; the next call gets
			// a fresh one.
			w.inst = nil
			return nil, ctx.Err()
		}
		return nil, errors.Throw(errors.PhaseInvoke, err)
	}
	if len(w.results) == 0 {
		return value.Undefined, nil
	}
	return value.Number(decodeNumber(w.results[0], res[0])), nil
}

func (w *wasmEntry) close(ctx context.Context) error {
	if w.inst != nil {
		_ = w.inst.Close(ctx)
	}
	return w.module.Close(ctx)
}

func encodeNumber(t api.ValueType, f float64) uint64 {
	switch t {
	case api.ValueTypeI32:
		return api.EncodeI32(int32(f))
	case api.ValueTypeI64:
		return api.EncodeI64(int64(f))
	case api.ValueTypeF32:
		return api.EncodeF32(float32(f))
	}
	return api.EncodeF64(f)
}

func decodeNumber(t api.ValueType, v uint64) float64 {
	switch t {
	case api.ValueTypeI32:
		return float64(api.DecodeI32(v))
	case api.ValueTypeI64:
		return float64(int64(v))
	case api.ValueTypeF32:
		return float64(api.DecodeF32(v))
	}
	return api.DecodeF64(v)
}

package realm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/handle"
	"github.com/wippyai/realm-runner/marshal"
	"github.com/wippyai/realm-runner/value"
)

// Engine selects how an entry's source is compiled.
type Engine string

const (
	// EngineGo interprets Go source with yaegi.
	EngineGo Engine = "go"
	// EngineWasm runs a core WebAssembly module with wazero.
	EngineWasm Engine = "wasm"
)

const (
	pageSize = 64 << 10
	maxPages = 65536

	// DefaultMemoryLimit is used when Config leaves the limit unset.
	DefaultMemoryLimit = 64 << 20
	// DefaultCallTimeout bounds one call when Config leaves it unset.
	DefaultCallTimeout = time.Second
)

// Config holds configuration for realm creation.
type Config struct {
	// Name labels the realm in logs.
	Name string

	// MemoryLimitBytes caps wasm linear memory per instance. It is rounded
	// down to 64 KiB pages. 0 means DefaultMemoryLimit.
	MemoryLimitBytes uint64

	// CallTimeout is the default wall-clock budget for one call.
	CallTimeout time.Duration

	// AllowedPackages is the import allow-list for Go entries.
	// nil means DefaultAllowedPackages.
	AllowedPackages []string
}

// Source is untrusted code plus its declared calling convention.
type Source struct {
	Engine  Engine   `json:"engine" yaml:"engine"`
	Prelude string   `json:"prelude,omitempty" yaml:"prelude,omitempty"`
	Body    string   `json:"body" yaml:"body"`
	Params  []string `json:"params" yaml:"params"`
}

// Hash is the content address of the source, used to remember bad entries.
func (s Source) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", s.Engine, s.Prelude, s.Body)
	for _, p := range s.Params {
		fmt.Fprintf(h, "%s\x00", p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// compiled is one engine's view of a compiled entry.
type compiled interface {
	invoke(ctx context.Context, args []value.Value, extras *value.Object) (value.Value, error)
	close(ctx context.Context) error
}

// Entry is a compiled entry point bound to the realm that compiled it.
type Entry struct {
	realm *Realm
	impl  compiled
	src   Source
	hash  string
}

// Source returns the code the entry was compiled from.
func (e *Entry) Source() Source { return e.src }

// Hash returns the source's content address.
func (e *Entry) Hash() string { return e.hash }

// Realm is an isolated place to compile and run untrusted code. Every call
// into it runs on the realm's own goroutine, one at a time. Values the realm
// hands out live in its heap and die with it.
type Realm struct {
	cfg      Config
	exec     *executor
	host     *marshal.Endpoint
	guest    *marshal.Endpoint
	ch       *marshal.Channel
	wasm     wazero.Runtime
	allowed  map[string]bool
	entries  []*Entry
	mu       sync.Mutex
	disposed atomic.Bool
}

// New creates a realm. A memory limit below one page or above 4 GiB fails
// with KindResourceExhausted.
func New(ctx context.Context, cfg Config) (*Realm, error) {
	if cfg.MemoryLimitBytes == 0 {
		cfg.MemoryLimitBytes = DefaultMemoryLimit
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	pages := cfg.MemoryLimitBytes / pageSize
	if pages < 1 || pages > maxPages {
		return nil, errors.ResourceExhausted(errors.PhaseRealm,
			fmt.Sprintf("memory limit %d bytes cannot be satisfied (1 page to 4 GiB)", cfg.MemoryLimitBytes), nil)
	}
	if cfg.AllowedPackages == nil {
		cfg.AllowedPackages = DefaultAllowedPackages
	}
	if cfg.Name == "" {
		cfg.Name = "realm"
	}

	rtCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(uint32(pages)).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	if err := instantiateHostModule(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Wrap(errors.PhaseRealm, errors.KindResourceExhausted, err, "instantiate host module")
	}

	exec := newExecutor()
	host := marshal.NewEndpoint("host", nil)
	guest := marshal.NewEndpoint(cfg.Name, exec)

	r := &Realm{
		cfg:     cfg,
		exec:    exec,
		host:    host,
		guest:   guest,
		ch:      marshal.NewChannel(host, guest, marshal.Options{CallTimeout: cfg.CallTimeout}),
		wasm:    rt,
		allowed: make(map[string]bool, len(cfg.AllowedPackages)),
	}
	for _, p := range cfg.AllowedPackages {
		r.allowed[p] = true
	}

	Logger().Debug("realm created",
		zap.String("realm", cfg.Name),
		zap.Uint64("memory_pages", pages),
		zap.Duration("call_timeout", cfg.CallTimeout))
	return r, nil
}

// Name returns the realm's label.
func (r *Realm) Name() string { return r.cfg.Name }

// CallTimeout returns the default per-call budget.
func (r *Realm) CallTimeout() time.Duration { return r.cfg.CallTimeout }

// Heap returns the table of values the realm has handed out.
func (r *Realm) Heap() *handle.Table { return r.guest.Heap() }

// Channel returns the boundary between the host and the realm.
func (r *Realm) Channel() *marshal.Channel { return r.ch }

// Host returns the host side of the realm's channel.
func (r *Realm) Host() *marshal.Endpoint { return r.host }

// Guest returns the realm side of the realm's channel.
func (r *Realm) Guest() *marshal.Endpoint { return r.guest }

// Compile turns src into an entry. Bad source yields *errors.CompileError;
// the host never sees a panic from it.
func (r *Realm) Compile(ctx context.Context, src Source) (*Entry, error) {
	if r.disposed.Load() {
		return nil, errors.Disposed(errors.PhaseCompile, "realm")
	}
	for _, p := range src.Params {
		if !isIdentifier(p) {
			return nil, &errors.CompileError{Message: fmt.Sprintf("parameter %q is not an identifier", p)}
		}
	}

	var impl compiled
	err := r.exec.Run(ctx, r.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		switch src.Engine {
		case EngineGo:
			impl, err = compileGo(ctx, src, r.allowed)
		case EngineWasm:
			impl, err = compileWasm(ctx, r.wasm, src)
		default:
			err = &errors.CompileError{Message: fmt.Sprintf("unknown engine %q", src.Engine)}
		}
		return err
	})
	if err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			return nil, &errors.CompileError{Message: fmt.Sprintf("compilation exceeded %s budget", r.cfg.CallTimeout)}
		}
		if errors.Is(err, errors.ErrRuntimeThrow) {
			return nil, &errors.CompileError{Message: err.Error()}
		}
		return nil, err
	}

	e := &Entry{realm: r, impl: impl, src: src, hash: src.Hash()}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return e, nil
}

// Invoke runs entry with realm-side arguments under a wall-clock budget.
// timeout <= 0 uses the realm default. A timed out call is abandoned and the
// realm stays usable.
func (r *Realm) Invoke(ctx context.Context, e *Entry, args []value.Value, extras *value.Object, timeout time.Duration) (value.Value, error) {
	if r.disposed.Load() {
		return nil, errors.Disposed(errors.PhaseInvoke, "realm")
	}
	if e == nil || e.realm != r {
		return nil, errors.InvalidInput(errors.PhaseInvoke, "entry was not compiled by this realm")
	}
	if timeout <= 0 {
		timeout = r.cfg.CallTimeout
	}
	if extras == nil {
		extras = value.NewObject()
	}

	var out value.Value
	err := r.exec.Run(ctx, timeout, func(ctx context.Context) error {
		var err error
		out, err = e.impl.invoke(ctx, args, extras)
		return err
	})
	if err != nil {
		Logger().Debug("invoke failed",
			zap.String("realm", r.cfg.Name),
			zap.String("entry", e.hash[:12]),
			zap.Error(err))
		return nil, err
	}
	return out, nil
}

// Call crosses host values into the realm, invokes entry and crosses the
// result back. Handles allocated for the crossing are released when Call
// returns, so functions in the result are not callable afterwards.
func (r *Realm) Call(ctx context.Context, e *Entry, args []value.Value, extras *value.Object) (value.Value, error) {
	vals := make([]value.Value, 0, len(args)+1)
	vals = append(vals, args...)
	if extras != nil {
		vals = append(vals, extras)
	}
	in, release, err := r.ch.CrossScoped(r.host, vals...)
	if err != nil {
		return nil, err
	}
	defer release()

	var gx *value.Object
	if extras != nil {
		gx = in[len(in)-1].(*value.Object)
		in = in[:len(in)-1]
	}
	out, err := r.Invoke(ctx, e, in, gx, 0)
	if err != nil {
		return nil, err
	}

	back, done, err := r.ch.CrossScoped(r.guest, out)
	if err != nil {
		return nil, err
	}
	defer done()
	return back[0], nil
}

// Dispose releases the realm. Every outstanding handle becomes invalid and
// later calls fail with KindDisposed. Idempotent.
func (r *Realm) Dispose(ctx context.Context) error {
	if !r.disposed.CompareAndSwap(false, true) {
		return nil
	}
	r.exec.Close()

	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.impl.close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.ch.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.wasm.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	Logger().Debug("realm disposed", zap.String("realm", r.cfg.Name))
	return firstErr
}

// Disposed reports whether Dispose has been called.
func (r *Realm) Disposed() bool { return r.disposed.Load() }

package worker

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/protocol"
	"github.com/wippyai/realm-runner/realm"
)

// Conn is the worker's side of a transport.
type Conn interface {
	Recv(ctx context.Context) (protocol.Message, error)
	Send(protocol.Message) error
	Close() error
}

// Worker is the realm side of a session. It owns at most one run at a time:
// BEGIN replaces the current run, STEP advances it and STOP ends it.
type Worker struct {
	registry *Registry
	cfg      realm.Config
	log      *zap.Logger
	send     func(protocol.Message) error
	current  *run
	mu       sync.Mutex
}

// New creates a worker that builds simulations from registry and realms
// from cfg.
func New(registry *Registry, cfg realm.Config) *Worker {
	return &Worker{registry: registry, cfg: cfg, log: Logger()}
}

// Serve announces readiness on conn and handles messages until conn fails
// or ctx ends. STOP takes effect as soon as it is received, even while a
// step is running; everything else is handled in order.
func (w *Worker) Serve(ctx context.Context, conn Conn) error {
	w.mu.Lock()
	w.send = conn.Send
	w.mu.Unlock()
	defer w.shutdown()

	if err := conn.Send(protocol.Ready()); err != nil {
		return err
	}

	inbox := make(chan protocol.Message, 64)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(inbox)
		for {
			m, err := conn.Recv(gctx)
			if errors.KindOf(err) == errors.KindProtocol {
				w.log.Warn("dropped malformed message", zap.Error(err))
				continue
			}
			if err != nil {
				w.stopCurrent()
				return err
			}
			if m.Kind == protocol.KindStop {
				w.stop(m.Token)
			}
			select {
			case inbox <- m:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		for m := range inbox {
			w.Handle(gctx, m)
		}
		return nil
	})
	err := g.Wait()
	if err == io.EOF || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle processes one message synchronously.
func (w *Worker) Handle(ctx context.Context, m protocol.Message) {
	switch m.Kind {
	case protocol.KindBegin:
		w.begin(ctx, m)
	case protocol.KindStep:
		r := w.run(m.Token)
		if r == nil {
			w.log.Debug("step for unknown token", zap.Uint64("token", m.Token))
			return
		}
		r.step(m.Ticks, m.Checkback(), m.Resume)
	case protocol.KindStop:
		w.mu.Lock()
		r := w.current
		if r != nil && r.token == m.Token {
			w.current = nil
		} else {
			r = nil
		}
		w.mu.Unlock()
		if r != nil {
			r.dispose()
		}
	default:
		w.log.Debug("ignored message", zap.String("kind", string(m.Kind)))
	}
}

func (w *Worker) emit(m protocol.Message) {
	w.mu.Lock()
	send := w.send
	w.mu.Unlock()
	if send == nil {
		return
	}
	if err := send(m); err != nil {
		w.log.Warn("send failed", zap.String("kind", string(m.Kind)), zap.Error(err))
	}
}

func (w *Worker) run(token uint64) *run {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil || w.current.token != token || w.current.stopped.Load() {
		return nil
	}
	return w.current
}

func (w *Worker) stop(token uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil && w.current.token == token {
		w.current.stop()
	}
}

// stopCurrent abandons whatever run is in progress, so a lost peer does
// not keep a long step going.
func (w *Worker) stopCurrent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil {
		w.current.stop()
	}
}

func (w *Worker) shutdown() {
	w.mu.Lock()
	r := w.current
	w.current = nil
	w.mu.Unlock()
	if r != nil {
		r.dispose()
	}
}

// begin starts a fresh run in a fresh realm. Entries that fail to compile
// are reported and disabled; the run goes ahead without them.
func (w *Worker) begin(ctx context.Context, m protocol.Message) {
	w.shutdown()

	cfg := w.cfg
	cfg.Name = fmt.Sprintf("run-%d", m.Token)
	rlm, err := realm.New(ctx, cfg)
	if err != nil {
		w.emit(protocol.Failure(m.Token, err))
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	pcg := rand.NewPCG(m.Seed, m.Seed^seedStream)
	r := &run{
		ctx:     runCtx,
		cancel:  cancel,
		realm:   rlm,
		pcg:     pcg,
		rng:     rand.New(pcg),
		entries: make(map[string]*entry, len(m.Begin.Entries)),
		emit:    w.emit,
		log:     w.log.With(zap.Uint64("token", m.Token)),
		token:   m.Token,
	}

	infos := make([]EntryInfo, 0, len(m.Begin.Entries))
	for _, src := range m.Begin.Entries {
		e := &entry{id: src.ID, hash: src.Hash(), pauseOnError: src.PauseOnError}
		if _, dup := r.entries[src.ID]; dup {
			r.fail(errors.InvalidInput(errors.PhaseWorker, fmt.Sprintf("duplicate entry id %q", src.ID)))
			_ = rlm.Dispose(ctx)
			return
		}
		r.entries[src.ID] = e
		r.order = append(r.order, src.ID)

		switch {
		case src.Excluded:
			e.disabled = true
		default:
			compiled, err := rlm.Compile(ctx, src.Source())
			var ce *errors.CompileError
			switch {
			case errors.As(err, &ce):
				r.disqualify(e, ce.Error())
			case err != nil:
				r.fail(err)
				_ = rlm.Dispose(ctx)
				return
			default:
				e.compiled = compiled
			}
		}
		infos = append(infos, EntryInfo{ID: src.ID, Params: src.Params, Disabled: e.disabled})
	}

	factory, err := w.registry.Lookup(m.Begin.Simulation)
	if err == nil {
		r.sim, err = factory(m.Begin.Options, infos)
	}
	if err != nil {
		r.fail(err)
		_ = rlm.Dispose(ctx)
		return
	}

	w.mu.Lock()
	w.current = r
	w.mu.Unlock()
	w.log.Debug("run started",
		zap.Uint64("token", m.Token),
		zap.String("simulation", m.Begin.Simulation),
		zap.Int("entries", len(infos)))
}

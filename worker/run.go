package worker

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/protocol"
	"github.com/wippyai/realm-runner/realm"
	"github.com/wippyai/realm-runner/value"
)

// seedStream is mixed into the second PCG word so a seed of zero still
// produces a usable stream.
const seedStream = 0x9e3779b97f4a7c15

type entry struct {
	compiled     *realm.Entry
	id           string
	hash         string
	pauseOnError bool
	disabled     bool
}

// run is one BEGIN..STOP lifetime inside the worker.
type run struct {
	ctx     context.Context
	cancel  context.CancelFunc
	realm   *realm.Realm
	sim     Simulation
	pcg     *rand.PCG
	rng     *rand.Rand
	entries map[string]*entry
	order   []string
	emit    func(protocol.Message)
	log     *zap.Logger
	token   uint64
	tick    int
	stopped atomic.Bool
}

func (r *run) stop() {
	r.stopped.Store(true)
	r.cancel()
}

func (r *run) dispose() {
	r.stop()
	if err := r.realm.Dispose(context.Background()); err != nil {
		r.log.Warn("dispose realm", zap.Error(err))
	}
}

// step advances up to ticks ticks. It yields STEP_INCOMPLETE once the
// checkback interval has passed, and rolls back a tick in which an entry
// marked pause-on-error faulted, unless resume is set and it is the first
// tick. It reports nothing if the run was stopped.
func (r *run) step(ticks int, checkback time.Duration, resume bool) {
	start := time.Now()
	var faults []protocol.EntryError
	remaining := ticks

	for remaining > 0 && !r.sim.Over() {
		if r.stopped.Load() {
			return
		}

		rngState, err := r.pcg.MarshalBinary()
		if err != nil {
			r.fail(errors.Wrap(errors.PhaseWorker, errors.KindProtocol, err, "save random state"))
			return
		}
		var simState any
		rw, rewinds := r.sim.(Rewinder)
		if rewinds {
			simState = rw.Save()
		}

		tc := &TickContext{run: r, Tick: r.tick}
		err = r.sim.Tick(r.ctx, tc)
		if r.stopped.Load() {
			return
		}
		if err == nil {
			err = tc.fatal
		}
		if err != nil {
			r.fail(err)
			return
		}

		faults = append(faults, tc.faults...)
		if tc.pause && !(resume && remaining == ticks) {
			if err := r.pcg.UnmarshalBinary(rngState); err != nil {
				r.fail(errors.Wrap(errors.PhaseWorker, errors.KindProtocol, err, "restore random state"))
				return
			}
			if rewinds {
				rw.Restore(simState)
			}
			snap := r.snapshot(faults, remaining)
			snap.Paused = true
			r.emit(protocol.StepComplete(r.token, snap))
			return
		}

		r.tick++
		remaining--
		if remaining > 0 && !r.sim.Over() && checkback > 0 && time.Since(start) >= checkback {
			r.emit(protocol.StepIncomplete(r.token, r.snapshot(faults, remaining)))
			return
		}
	}
	r.emit(protocol.StepComplete(r.token, r.snapshot(faults, 0)))
}

func (r *run) snapshot(faults []protocol.EntryError, remaining int) *protocol.Snapshot {
	s := &protocol.Snapshot{
		Tick:      r.tick,
		Over:      r.sim.Over(),
		Progress:  r.sim.Progress(),
		Errors:    faults,
		Remaining: remaining,
	}
	state, err := r.sim.State()
	if err != nil {
		r.log.Warn("simulation state", zap.Error(err))
	} else {
		s.State = state
	}
	return s
}

// fail reports a realm-level failure. The orchestrator salvages the job.
func (r *run) fail(err error) {
	r.log.Error("run failed", zap.Uint64("token", r.token), zap.Error(err))
	r.emit(protocol.Failure(r.token, err))
	r.stop()
}

func (r *run) disqualify(e *entry, reason string) {
	if e.disabled {
		return
	}
	e.disabled = true
	r.log.Info("entry disqualified", zap.String("entry", e.id), zap.String("reason", reason))
	r.emit(protocol.Disqualified(r.token, e.id, reason, e.hash))
}

// TickContext is a simulation's handle on the entries during one tick.
type TickContext struct {
	run    *run
	fatal  error
	faults []protocol.EntryError
	Tick   int
	pause  bool
}

// Rand is the run's deterministic random source. Draws made during a tick
// that is rolled back are replayed.
func (tc *TickContext) Rand() *rand.Rand { return tc.run.rng }

// Call invokes an entry with host values. Faults are recorded against the
// entry and returned; the simulation decides what a failed call means for
// the tick. Realm-level failures end the run.
func (tc *TickContext) Call(ctx context.Context, entryID string, args []value.Value, extras *value.Object) (value.Value, error) {
	e, ok := tc.run.entries[entryID]
	if !ok {
		return nil, errors.NotFound(errors.PhaseWorker, "entry", entryID)
	}
	if e.disabled {
		return nil, errors.Disqualified(entryID, "entry is disabled")
	}

	out, err := tc.run.realm.Call(ctx, e.compiled, args, extras)
	if err != nil {
		switch errors.KindOf(err) {
		case errors.KindResourceExhausted, errors.KindDisposed:
			if tc.fatal == nil {
				tc.fatal = err
			}
		case errors.KindDisqualified:
			tc.Disqualify(entryID, err.Error())
		default:
			tc.Fault(entryID, err)
		}
		return nil, err
	}
	return out, nil
}

// Fault flags the tick as an error for entryID, e.g. for invalid output.
func (tc *TickContext) Fault(entryID string, err error) {
	kind := string(errors.KindOf(err))
	if kind == "" {
		kind = string(errors.KindRuntimeThrow)
	}
	tc.faults = append(tc.faults, protocol.EntryError{
		EntryID: entryID,
		Kind:    kind,
		Message: err.Error(),
		Tick:    tc.Tick,
	})
	if e, ok := tc.run.entries[entryID]; ok && e.pauseOnError {
		tc.pause = true
	}
}

// Disqualify disables an entry for the rest of the run and reports it.
func (tc *TickContext) Disqualify(entryID, reason string) {
	if e, ok := tc.run.entries[entryID]; ok {
		tc.run.disqualify(e, reason)
	}
}

// Active lists entries that can still be called.
func (tc *TickContext) Active() []string {
	var ids []string
	for _, id := range tc.run.order {
		if !tc.run.entries[id].disabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// Package race is a small reference simulation: runners on a straight track,
// each moved by one entry.
//
// Every tick each active entry is called once and must return a step of 0
// to 3; anything else is a fault and the runner stays put. Arguments are
// bound by parameter name:
//
//	state     object {tick, length, position, others}
//	api       object {random()}
//	tick      number
//	position  number
//	length    number
//	random    number in [0, 1)
//
// Unknown names receive undefined. Numeric names let wasm entries take part.
// The race ends when a runner reaches the end of the track or after
// max_ticks ticks.
package race

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/value"
	"github.com/wippyai/realm-runner/worker"
)

// Name is the simulation's registry name.
const Name = "race"

const maxStep = 3

// Options are read from the BEGIN payload.
type Options struct {
	Length   int `json:"length"`
	MaxTicks int `json:"max_ticks"`
}

// DefaultOptions is used for fields left at zero.
var DefaultOptions = Options{Length: 30, MaxTicks: 200}

// State is the simulation's reported state.
type State struct {
	Positions map[string]int `json:"positions"`
	Winners   []string       `json:"winners,omitempty"`
	Tick      int            `json:"tick"`
}

type runner struct {
	id     string
	params []string
}

// Race implements worker.Simulation and worker.Rewinder.
type Race struct {
	opts    Options
	runners []runner
	pos     map[string]int
	winners []string
	tick    int
}

// Register adds the race to reg.
func Register(reg *worker.Registry) {
	reg.Register(Name, New)
}

// New is the worker.Factory for races.
func New(options json.RawMessage, entries []worker.EntryInfo) (worker.Simulation, error) {
	opts := DefaultOptions
	if len(options) > 0 {
		if err := json.Unmarshal(options, &opts); err != nil {
			return nil, errors.Wrap(errors.PhaseWorker, errors.KindInvalidInput, err, "race options")
		}
	}
	if opts.Length <= 0 || opts.MaxTicks <= 0 {
		return nil, errors.InvalidInput(errors.PhaseWorker, fmt.Sprintf("race needs positive length and max_ticks, got %+v", opts))
	}
	r := &Race{opts: opts, pos: make(map[string]int, len(entries))}
	for _, e := range entries {
		r.runners = append(r.runners, runner{id: e.ID, params: e.Params})
		r.pos[e.ID] = 0
	}
	return r, nil
}

func (r *Race) Tick(ctx context.Context, tc *worker.TickContext) error {
	active := tc.Active()
	moves := make(map[string]int, len(active))
	for _, rn := range r.runners {
		if !slices.Contains(active, rn.id) {
			continue
		}
		out, err := tc.Call(ctx, rn.id, r.args(rn, tc), nil)
		if err != nil {
			continue
		}
		step, err := validStep(out)
		if err != nil {
			tc.Fault(rn.id, err)
			continue
		}
		moves[rn.id] = step
	}

	// Moves apply together so call order does not matter.
	for id, step := range moves {
		r.pos[id] += step
	}
	r.tick++
	for _, rn := range r.runners {
		if r.pos[rn.id] >= r.opts.Length {
			r.winners = append(r.winners, rn.id)
		}
	}
	return nil
}

func (r *Race) args(rn runner, tc *worker.TickContext) []value.Value {
	args := make([]value.Value, len(rn.params))
	for i, p := range rn.params {
		switch p {
		case "state":
			args[i] = r.stateObject(rn.id)
		case "api":
			rng := tc.Rand()
			args[i] = value.NewObject().Set("random", value.NewFunction("random", 0,
				func(context.Context, value.Value, []value.Value) (value.Value, error) {
					return value.Number(rng.Float64()), nil
				}))
		case "tick":
			args[i] = value.Number(r.tick)
		case "position":
			args[i] = value.Number(r.pos[rn.id])
		case "length":
			args[i] = value.Number(r.opts.Length)
		case "random":
			args[i] = value.Number(tc.Rand().Float64())
		default:
			args[i] = value.Undefined
		}
	}
	return args
}

func (r *Race) stateObject(id string) *value.Object {
	others := value.NewArray()
	for _, rn := range r.runners {
		if rn.id != id {
			others.Push(value.Number(r.pos[rn.id]))
		}
	}
	return value.NewObject().
		Set("tick", value.Number(r.tick)).
		Set("length", value.Number(r.opts.Length)).
		Set("position", value.Number(r.pos[id])).
		Set("others", others)
}

func validStep(v value.Value) (int, error) {
	n, ok := v.(value.Number)
	if !ok {
		kind := value.KindUndefined
		if v != nil {
			kind = v.Kind()
		}
		return 0, errors.InvalidInput(errors.PhaseWorker, fmt.Sprintf("step must be a number, got %s", kind))
	}
	f := float64(n)
	if f != math.Trunc(f) || f < 0 || f > maxStep {
		return 0, errors.InvalidInput(errors.PhaseWorker, fmt.Sprintf("step %v outside 0..%d", f, maxStep))
	}
	return int(f), nil
}

func (r *Race) Over() bool {
	return len(r.winners) > 0 || r.tick >= r.opts.MaxTicks
}

// Progress is the furthest runner's share of the track, or the share of
// ticks used if that is larger.
func (r *Race) Progress() float64 {
	if r.Over() {
		return 1
	}
	best := 0
	for _, p := range r.pos {
		best = max(best, p)
	}
	return max(float64(best)/float64(r.opts.Length), float64(r.tick)/float64(r.opts.MaxTicks))
}

func (r *Race) State() (json.RawMessage, error) {
	return json.Marshal(State{Positions: r.pos, Winners: r.winners, Tick: r.tick})
}

type saved struct {
	pos     map[string]int
	winners []string
	tick    int
}

func (r *Race) Save() any {
	return saved{pos: maps.Clone(r.pos), winners: slices.Clone(r.winners), tick: r.tick}
}

func (r *Race) Restore(s any) {
	sv := s.(saved)
	r.pos, r.winners, r.tick = sv.pos, sv.winners, sv.tick
}

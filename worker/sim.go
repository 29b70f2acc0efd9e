package worker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/wippyai/realm-runner/errors"
)

// Simulation is a deterministic rule-set advanced one tick at a time. It
// calls entries through the TickContext and never sees a realm directly.
type Simulation interface {
	Tick(ctx context.Context, tc *TickContext) error
	Over() bool
	// Progress is in [0, 1].
	Progress() float64
	State() (json.RawMessage, error)
}

// Rewinder is implemented by simulations whose state can be rolled back to
// the start of a tick.
type Rewinder interface {
	Save() any
	Restore(any)
}

// EntryInfo tells a simulation about one participating entry.
type EntryInfo struct {
	ID     string
	Params []string
	// Disabled entries were disqualified before the run started; calls to
	// them fail with KindDisqualified.
	Disabled bool
}

// Factory builds a simulation for one run.
type Factory func(options json.RawMessage, entries []EntryInfo) (Simulation, error)

// Registry maps simulation names to factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry returns an empty registry; simulations add themselves with
// Register.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, errors.NotFound(errors.PhaseWorker, "simulation", name)
	}
	return f, nil
}

// Names lists registered simulations in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

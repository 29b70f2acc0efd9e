package handle

import (
	"sync"
	"sync/atomic"

	"github.com/wippyai/realm-runner/errors"
)

// Handle is an opaque reference to a value held in a Table.
// The low 32 bits are the slot index plus one, the high 32 bits the slot
// generation. Handle 0 is reserved and always invalid.
type Handle uint64

func makeHandle(idx, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(idx+1))
}

func (h Handle) index() (uint32, bool) {
	low := uint32(h)
	if low == 0 {
		return 0, false
	}
	return low - 1, true
}

func (h Handle) generation() uint32 { return uint32(h >> 32) }

// EventType identifies a handle lifecycle transition.
type EventType uint8

const (
	EventCreated EventType = iota
	EventReleased
	EventInvalidated
)

// Event is delivered to observers on every lifecycle transition.
type Event struct {
	Value  any
	Handle Handle
	Type   EventType
}

// Observer receives handle lifecycle events.
type Observer interface {
	OnHandleEvent(Event)
}

// Dropper is optionally implemented by values that need cleanup when their
// handle goes away.
type Dropper interface {
	Drop()
}

var tableIDs atomic.Uint64

// Table is an arena of handles. Inserting the same reference twice yields the
// same handle; Close invalidates every outstanding handle at once.
type Table struct {
	entries   []entry
	freeList  []uint32
	identity  map[any]Handle
	observers []Observer
	id        uint64
	mu        sync.RWMutex
	obsMu     sync.RWMutex
	closed    bool
}

type entry struct {
	value any
	gen   uint32
	valid bool
}

// New creates an empty table.
func New() *Table {
	return &Table{
		entries:  make([]entry, 0, 64),
		freeList: make([]uint32, 0, 16),
		identity: make(map[any]Handle),
		id:       tableIDs.Add(1),
	}
}

// ID distinguishes tables; handles are only meaningful in the table that
// issued them.
func (t *Table) ID() uint64 { return t.id }

// Insert stores value and returns its handle. value must be comparable; it
// is normally a pointer.
func (t *Table) Insert(value any) (Handle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	if h, ok := t.identity[value]; ok {
		t.mu.Unlock()
		return h, nil
	}

	var h Handle
	if n := len(t.freeList); n > 0 {
		idx := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		e := &t.entries[idx]
		e.gen++
		e.value = value
		e.valid = true
		h = makeHandle(idx, e.gen)
	} else {
		t.entries = append(t.entries, entry{value: value, gen: 1, valid: true})
		h = makeHandle(uint32(len(t.entries)-1), 1)
	}
	t.identity[value] = h
	t.mu.Unlock()

	t.notify(Event{Type: EventCreated, Handle: h, Value: value})
	return h, nil
}

// Lookup returns the handle previously issued for value.
func (t *Table) Lookup(value any) (Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return 0, false
	}
	h, ok := t.identity[value]
	return h, ok
}

// Get resolves a handle.
func (t *Table) Get(h Handle) (any, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, ErrClosed
	}
	idx, ok := h.index()
	if !ok || int(idx) >= len(t.entries) {
		return nil, errors.InvalidHandle(errors.PhaseDemarshal, uint64(h))
	}
	e := t.entries[idx]
	if !e.valid || e.gen != h.generation() {
		return nil, errors.InvalidHandle(errors.PhaseDemarshal, uint64(h))
	}
	return e.value, nil
}

// Release drops a handle. It reports false for unknown or stale handles.
func (t *Table) Release(h Handle) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	idx, ok := h.index()
	if !ok || int(idx) >= len(t.entries) {
		t.mu.Unlock()
		return false
	}
	e := &t.entries[idx]
	if !e.valid || e.gen != h.generation() {
		t.mu.Unlock()
		return false
	}
	value := e.value
	e.valid = false
	e.value = nil
	delete(t.identity, value)
	t.freeList = append(t.freeList, idx)
	t.mu.Unlock()

	if d, ok := value.(Dropper); ok {
		d.Drop()
	}
	t.notify(Event{Type: EventReleased, Handle: h, Value: value})
	return true
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.identity)
}

// Each iterates live handles until fn returns false.
func (t *Table) Each(fn func(Handle, any) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i, e := range t.entries {
		if e.valid && !fn(makeHandle(uint32(i), e.gen), e.value) {
			return
		}
	}
}

// Closed reports whether Close has been called.
func (t *Table) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Close invalidates every outstanding handle. It is idempotent.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	var dropped []Event
	for i := range t.entries {
		e := &t.entries[i]
		if !e.valid {
			continue
		}
		dropped = append(dropped, Event{Type: EventInvalidated, Handle: makeHandle(uint32(i), e.gen), Value: e.value})
		e.valid = false
		e.value = nil
	}
	t.entries = nil
	t.freeList = nil
	t.identity = nil
	t.mu.Unlock()

	for _, ev := range dropped {
		if d, ok := ev.Value.(Dropper); ok {
			d.Drop()
		}
		t.notify(ev)
	}
	return nil
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *Table) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnHandleEvent(e)
	}
}

// ErrClosed is returned by every operation on a closed table.
var ErrClosed = errors.Disposed(errors.PhaseRealm, "handle table")

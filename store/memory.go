package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a Store that lives for the process.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Put(_ context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.records[r.Hash]; ok {
		old.Count++
		old.Seen = stamp(r.Seen)
		m.records[r.Hash] = old
		return nil
	}
	r.Count = 1
	r.Seen = stamp(r.Seen)
	m.records[r.Hash] = r
	return nil
}

func (m *Memory) Get(_ context.Context, hash string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[hash]
	return r, ok, nil
}

func (m *Memory) Known(_ context.Context, hashes ...string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	known := make(map[string]bool)
	for _, h := range hashes {
		if _, ok := m.records[h]; ok {
			known[h] = true
		}
	}
	return known, nil
}

func (m *Memory) List(context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

func (m *Memory) Close() error { return nil }

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

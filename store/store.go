// Package store keeps disqualification records, keyed by the content hash of
// the offending code, so later runs can skip entries already known to be
// bad.
package store

import (
	"context"
	"time"
)

// Record is why a piece of code was disqualified.
type Record struct {
	Hash    string    `json:"hash"`
	EntryID string    `json:"entry_id"`
	Reason  string    `json:"reason"`
	Seen    time.Time `json:"seen"`
	// Count is how many times the hash has been recorded.
	Count int `json:"count"`
}

// Store persists records. Put on an existing hash keeps the first reason
// and bumps Count.
type Store interface {
	Put(ctx context.Context, r Record) error
	Get(ctx context.Context, hash string) (Record, bool, error)
	// Known reports which of hashes have a record.
	Known(ctx context.Context, hashes ...string) (map[string]bool, error)
	List(ctx context.Context) ([]Record, error)
	Close() error
}

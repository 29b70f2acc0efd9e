// Package handle implements the arena that backs realm-owned values.
//
// A Table maps opaque handles to Go values. Handles carry a generation so a
// released slot that is later reused never aliases an old handle:
//
//	table := handle.New()
//	h, _ := table.Insert(obj)   // same obj -> same h
//	v, _ := table.Get(h)
//	table.Release(h)            // h is now stale, Get fails
//
// Handles are never garbage collected. Either release them explicitly, open
// a Scope for a short-lived group, or Close the table to invalidate every
// handle at once (what a realm does on Dispose).
package handle

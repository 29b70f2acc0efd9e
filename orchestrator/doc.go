// Package orchestrator runs jobs against workers under a concurrency
// ceiling.
//
// A Job is one simulation run. Begin sends it through admission: at most
// Options.Ceiling jobs hold a session at once and the rest wait in FIFO
// order. An admitted job gets a session from the configured Transport and a
// stepper that advances it according to its PlayConfig.
//
// Every Begin allocates a fresh token. Replies carrying an older token are
// dropped, so restarting a job never mixes two runs:
//
//	o, _ := orchestrator.New(orchestrator.Options{Ceiling: 2, Transport: t})
//	j := o.MakeJob(orchestrator.JobConfig{Label: "game 1"})
//	unsubscribe := o.Subscribe(orchestrator.Funcs{OnComplete: done})
//	err := o.Begin(ctx, j, seed, payload)
//
// When a worker disappears or fails, the job completes with a terminal
// snapshot built from the last one received. Disqualified entries are
// recorded in the Store; the Policy decides whether later runs skip them.
package orchestrator

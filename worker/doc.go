// Package worker is the realm side of a session.
//
// A Worker receives BEGIN, STEP and STOP messages over a Conn, keeps one
// realm per run and drives a registered Simulation tick by tick. Entries are
// compiled once at BEGIN; an entry that fails to compile is reported with
// DISQUALIFIED and sits out the run.
//
// A step runs until its tick count is exhausted, the simulation is over or
// the checkback interval elapses, in which case STEP_INCOMPLETE tells the
// orchestrator how many ticks remain:
//
//	w := worker.New(registry, realm.Config{})
//	err := w.Serve(ctx, worker.StreamConn(os.Stdin, os.Stdout, nil))
//
// Conns exist for byte streams (stdio of a child process), for websockets
// and for in-process pipes.
package worker

// Package realmrunner runs untrusted code submitted as entries to a
// deterministic simulation, each run in its own sandbox.
//
// # Architecture Overview
//
//	realmrunner/
//	├── realm/          Sandbox: compiles and calls entries (yaegi, wazero)
//	├── value/          Host values crossing the sandbox boundary
//	├── handle/         Handle tables for values held across calls
//	├── marshal/        Conversion between Go values and host values
//	├── protocol/       Session messages and their line codec
//	├── worker/         Realm side of a session: runs simulations
//	├── session/        Orchestrator side of a session, plus transports
//	├── stepper/        Play control for one run: delay, speed, checkback
//	├── orchestrator/   Jobs, admission under a ceiling, salvage
//	├── store/          Disqualification records (memory, SQLite)
//	├── config/         YAML configuration and hot reload
//	├── sims/race/      Reference simulation
//	└── cmd/arena/      CLI: run, worker, serve
//
// # Quick Start
//
// Run two entries in-process:
//
//	reg := worker.NewRegistry()
//	race.Register(reg)
//	o, err := orchestrator.New(orchestrator.Options{
//		Ceiling:   4,
//		Transport: session.Inproc{Registry: reg},
//	})
//	j := o.MakeJob(orchestrator.JobConfig{})
//	err = o.Begin(ctx, j, 1, &protocol.BeginPayload{
//		Simulation: race.Name,
//		Entries: []protocol.EntrySource{
//			{ID: "a", Engine: realm.EngineGo, Code: "return 2", Params: []string{"state", "api"}},
//			{ID: "b", Engine: realm.EngineGo, Code: "return 3", Params: []string{"state", "api"}},
//		},
//	})
//
// # Errors
//
// All packages return errors from the errors package. Use errors.KindOf to
// tell a timeout from a runtime throw or a disqualification.
package realmrunner

package orchestrator

import "github.com/wippyai/realm-runner/protocol"

// Observer receives job events. Calls are made outside the orchestrator's
// lock, so an observer may call back into it.
type Observer interface {
	// Begun fires as soon as Begin is called, before admission.
	Begun(j *Job)
	// Started fires once the job is admitted and its run is sent.
	Started(j *Job)
	Update(j *Job, s *protocol.Snapshot)
	// Complete fires exactly once per run.
	Complete(j *Job, s *protocol.Snapshot)
	Disqualified(j *Job, entryID, reason string)
}

// Funcs adapts optional functions to Observer.
type Funcs struct {
	OnBegun        func(j *Job)
	OnStarted      func(j *Job)
	OnUpdate       func(j *Job, s *protocol.Snapshot)
	OnComplete     func(j *Job, s *protocol.Snapshot)
	OnDisqualified func(j *Job, entryID, reason string)
}

func (f Funcs) Begun(j *Job) {
	if f.OnBegun != nil {
		f.OnBegun(j)
	}
}

func (f Funcs) Started(j *Job) {
	if f.OnStarted != nil {
		f.OnStarted(j)
	}
}

func (f Funcs) Update(j *Job, s *protocol.Snapshot) {
	if f.OnUpdate != nil {
		f.OnUpdate(j, s)
	}
}

func (f Funcs) Complete(j *Job, s *protocol.Snapshot) {
	if f.OnComplete != nil {
		f.OnComplete(j, s)
	}
}

func (f Funcs) Disqualified(j *Job, entryID, reason string) {
	if f.OnDisqualified != nil {
		f.OnDisqualified(j, entryID, reason)
	}
}

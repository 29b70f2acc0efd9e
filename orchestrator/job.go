package orchestrator

import (
	"time"

	"github.com/wippyai/realm-runner/protocol"
	"github.com/wippyai/realm-runner/session"
	"github.com/wippyai/realm-runner/stepper"
)

// JobState is a job's lifecycle position.
type JobState int

const (
	JobCreated JobState = iota
	JobQueued
	JobRunning
	JobComplete
	JobTerminated
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "created"
	case JobQueued:
		return "queued"
	case JobRunning:
		return "running"
	case JobComplete:
		return "complete"
	case JobTerminated:
		return "terminated"
	}
	return "unknown"
}

// JobConfig is what MakeJob needs. A zero Play uses the orchestrator's
// default.
type JobConfig struct {
	Play *stepper.PlayConfig
	// Label is carried for observers and logs.
	Label string
}

// PlayDelta changes selected PlayConfig fields.
type PlayDelta struct {
	Delay     *time.Duration
	Speed     *int
	Checkback *time.Duration
}

func (d PlayDelta) apply(p stepper.PlayConfig) stepper.PlayConfig {
	if d.Delay != nil {
		p.Delay = *d.Delay
	}
	if d.Speed != nil {
		p.Speed = *d.Speed
	}
	if d.Checkback != nil {
		p.Checkback = *d.Checkback
	}
	return p
}

// Job is one simulation run. All fields are guarded by the owning
// orchestrator's lock; read them through the accessor methods.
type Job struct {
	o     *Orchestrator
	id    string
	label string

	token     uint64
	state     JobState
	play      stepper.PlayConfig
	session   *session.Session
	stepper   *stepper.Stepper
	last      *protocol.Snapshot
	excluded  map[string]bool
	active    bool
	dead      bool
	completed bool
	teardown  bool
}

// ID is the job's unique identifier, fixed at MakeJob.
func (j *Job) ID() string { return j.id }

// Label is the display name given in JobConfig.
func (j *Job) Label() string { return j.label }

// Token identifies the current run. Begin replaces it; replies carrying an
// older token are dropped.
func (j *Job) Token() uint64 {
	j.o.mu.Lock()
	defer j.o.mu.Unlock()
	return j.token
}

// State is the job's place in its lifecycle.
func (j *Job) State() JobState {
	j.o.mu.Lock()
	defer j.o.mu.Unlock()
	return j.state
}

// Snapshot is the latest snapshot seen for the current run.
func (j *Job) Snapshot() *protocol.Snapshot {
	j.o.mu.Lock()
	defer j.o.mu.Unlock()
	return j.last
}

func (j *Job) PlayConfig() stepper.PlayConfig {
	j.o.mu.Lock()
	defer j.o.mu.Unlock()
	return j.play
}

// Active reports whether the job holds a concurrency slot.
func (j *Job) Active() bool {
	j.o.mu.Lock()
	defer j.o.mu.Unlock()
	return j.active
}

// Excluded lists entries excluded from this job's count by policy.
func (j *Job) Excluded() []string {
	j.o.mu.Lock()
	defer j.o.mu.Unlock()
	ids := make([]string, 0, len(j.excluded))
	for id := range j.excluded {
		ids = append(ids, id)
	}
	return ids
}

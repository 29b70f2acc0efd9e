package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/protocol"
	"github.com/wippyai/realm-runner/session"
	"github.com/wippyai/realm-runner/stepper"
	"github.com/wippyai/realm-runner/store"
)

// Policy is the reaction to an entry the worker disqualifies.
type Policy string

const (
	// PolicyIgnore reports the disqualification and carries on.
	PolicyIgnore Policy = "ignore"
	// PolicyExclude drops the entry from the job's count and skips it in
	// later runs.
	PolicyExclude Policy = "exclude"
	// PolicyTeardown ends the job at the next checkback boundary with the
	// snapshot current at that point.
	PolicyTeardown Policy = "teardown"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyIgnore, PolicyExclude, PolicyTeardown:
		return p, nil
	}
	return "", errors.InvalidInput(errors.PhaseOrchestrate, fmt.Sprintf("unknown policy %q", s))
}

// AdvanceKind selects what AdvanceType does.
type AdvanceKind string

const (
	// AdvanceTicks runs count ticks now.
	AdvanceTicks AdvanceKind = "ticks"
	// AdvanceFinish runs to the end of the simulation.
	AdvanceFinish AdvanceKind = "finish"
	// AdvanceResume continues a run paused on an error.
	AdvanceResume AdvanceKind = "resume"
)

const storeTimeout = 5 * time.Second

// Options configures an Orchestrator.
type Options struct {
	// Ceiling bounds how many jobs hold a slot at once. Zero means one.
	Ceiling   int
	Policy    Policy
	Play      stepper.PlayConfig
	Transport session.Transport
	// Store keeps disqualification records; nil uses an in-memory store.
	Store     store.Store
	Scheduler stepper.Scheduler
}

type admission struct {
	job   *Job
	token uint64
	run   func()
}

// Orchestrator owns a pool of jobs and admits them to run under a fixed
// concurrency ceiling, first come first served.
type Orchestrator struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	jobs      map[string]*Job
	queue     []admission
	active    int
	nextToken uint64
	observers map[int]Observer
	nextObs   int
	events    []func()
}

// New returns an orchestrator with no jobs. Transport is required; an
// unset Ceiling means one active job, Policy defaults to ignore and Store to
// an in-memory store.
func New(opts Options) (*Orchestrator, error) {
	if opts.Ceiling <= 0 {
		opts.Ceiling = 1
	}
	if opts.Policy == "" {
		opts.Policy = PolicyIgnore
	}
	if _, err := ParsePolicy(string(opts.Policy)); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		return nil, errors.InvalidInput(errors.PhaseOrchestrate, "no transport")
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = stepper.RealTime()
	}
	return &Orchestrator{
		opts:      opts,
		log:       Logger(),
		jobs:      make(map[string]*Job),
		observers: make(map[int]Observer),
	}, nil
}

// unlock releases the lock and then runs the events queued while it was
// held, in order.
func (o *Orchestrator) unlock() {
	evs := o.events
	o.events = nil
	o.mu.Unlock()
	for _, ev := range evs {
		ev()
	}
}

func (o *Orchestrator) emit(fn func(Observer)) {
	obs := make([]Observer, 0, len(o.observers))
	for i := 0; i < o.nextObs; i++ {
		if ob, ok := o.observers[i]; ok {
			obs = append(obs, ob)
		}
	}
	o.events = append(o.events, func() {
		for _, ob := range obs {
			fn(ob)
		}
	})
}

// Subscribe registers an observer and returns a function removing it.
func (o *Orchestrator) Subscribe(ob Observer) func() {
	o.mu.Lock()
	defer o.unlock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = ob
	return func() {
		o.mu.Lock()
		defer o.unlock()
		delete(o.observers, id)
	}
}

func (o *Orchestrator) allocToken() uint64 {
	o.nextToken++
	return o.nextToken
}

// MakeJob creates a job with a fresh token. Nothing runs until Begin.
func (o *Orchestrator) MakeJob(cfg JobConfig) *Job {
	o.mu.Lock()
	defer o.unlock()
	j := &Job{
		o:        o,
		id:       uuid.NewString(),
		label:    cfg.Label,
		token:    o.allocToken(),
		play:     o.opts.Play,
		excluded: make(map[string]bool),
	}
	if cfg.Play != nil {
		j.play = *cfg.Play
	}
	o.jobs[j.id] = j
	return j
}

// Begin starts a run of payload on j. A run already in progress is stopped
// and its token retired first; its late messages are dropped. Begun is
// reported at once, Started when the job is admitted. Entries with a stored
// disqualification record are skipped unless the policy is ignore.
func (o *Orchestrator) Begin(ctx context.Context, j *Job, seed uint64, payload *protocol.BeginPayload) error {
	if payload == nil {
		return errors.InvalidInput(errors.PhaseOrchestrate, "begin without payload")
	}
	if err := payload.Validate(); err != nil {
		return errors.Wrap(errors.PhaseOrchestrate, errors.KindInvalidInput, err, "begin payload")
	}
	payload, err := o.skipKnown(ctx, payload)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.unlock()
	if j.dead {
		return errors.Disposed(errors.PhaseOrchestrate, "job")
	}

	if j.stepper != nil {
		j.stepper.Stop()
		j.stepper = nil
	}
	if j.session != nil {
		// STOP for the old token goes out before the session closes; the
		// new run gets a session of its own.
		j.session.Retire()
		j.session = nil
	}
	j.token = o.allocToken()
	j.last = nil
	j.completed = false
	j.teardown = false
	clear(j.excluded)
	j.state = JobQueued

	o.emit(func(ob Observer) { ob.Begun(j) })
	token := j.token
	o.awaitCapacityLocked(j, token, func() { o.startLocked(j, token, seed, payload) }, j.active)
	return nil
}

func (o *Orchestrator) skipKnown(ctx context.Context, payload *protocol.BeginPayload) (*protocol.BeginPayload, error) {
	if o.opts.Policy == PolicyIgnore || len(payload.Entries) == 0 {
		return payload, nil
	}
	hashes := make([]string, len(payload.Entries))
	for i, e := range payload.Entries {
		hashes[i] = e.Hash()
	}
	known, err := o.opts.Store.Known(ctx, hashes...)
	if err != nil {
		return nil, err
	}
	if len(known) == 0 {
		return payload, nil
	}
	cp := *payload
	cp.Entries = make([]protocol.EntrySource, len(payload.Entries))
	for i, e := range payload.Entries {
		if known[hashes[i]] {
			e.Excluded = true
			o.log.Debug("skipping known bad entry", zap.String("entry", e.ID), zap.String("hash", hashes[i]))
		}
		cp.Entries[i] = e
	}
	return &cp, nil
}

// startLocked runs once j is admitted and opens the run's session.
func (o *Orchestrator) startLocked(j *Job, token uint64, seed uint64, payload *protocol.BeginPayload) {
	if j.session != nil {
		j.session.Retire()
	}
	sess := session.Open(o.opts.Transport)
	j.session = sess
	// Registered after the lock is released: replaying an early message
	// calls back into the orchestrator.
	o.events = append(o.events, func() {
		sess.OnMessage(func(m protocol.Message) { o.onMessage(j, sess, m) })
	})
	j.stepper = stepper.New(j.session, token, j.play, o.opts.Scheduler, func(r stepper.Result) {
		o.onResult(j, token, r)
	})
	j.state = JobRunning
	if err := j.stepper.BeginRun(seed, payload); err != nil {
		o.log.Error("begin run", zap.String("job", j.id), zap.Error(err))
	}
	o.log.Debug("job started", zap.String("job", j.id), zap.Uint64("token", token))
	o.emit(func(ob Observer) { ob.Started(j) })
}

// AwaitCapacity runs fn once j holds a slot. With immediate set, j already
// holds one and fn runs right away; otherwise fn waits its turn in the FIFO
// queue. fn runs outside the orchestrator's lock.
func (o *Orchestrator) AwaitCapacity(j *Job, fn func(), immediate bool) {
	o.mu.Lock()
	defer o.unlock()
	o.awaitCapacityLocked(j, j.token, func() { o.events = append(o.events, fn) }, immediate)
}

func (o *Orchestrator) awaitCapacityLocked(j *Job, token uint64, run func(), immediate bool) {
	if immediate {
		run()
		return
	}
	o.queue = append(o.queue, admission{job: j, token: token, run: run})
	o.checkCapacityLocked()
}

// CheckCapacity admits queued jobs while slots are free.
func (o *Orchestrator) CheckCapacity() {
	o.mu.Lock()
	defer o.unlock()
	o.checkCapacityLocked()
}

func (o *Orchestrator) checkCapacityLocked() {
	for o.active < o.opts.Ceiling && len(o.queue) > 0 {
		a := o.queue[0]
		o.queue = o.queue[1:]
		if a.job.dead || a.job.token != a.token {
			continue
		}
		if !a.job.active {
			a.job.active = true
			o.active++
		}
		a.run()
	}
}

func (o *Orchestrator) releaseLocked(j *Job) {
	if !j.active {
		return
	}
	j.active = false
	o.active--
	o.checkCapacityLocked()
}

// onMessage routes a session message. Anything for a retired token, a dead
// job or a replaced session is dropped.
func (o *Orchestrator) onMessage(j *Job, sess *session.Session, m protocol.Message) {
	o.mu.Lock()
	if j.dead || j.session != sess {
		o.unlock()
		return
	}
	switch {
	case m.Kind == protocol.KindDisconnected,
		m.Kind == protocol.KindError && m.Token == j.token:
		o.log.Warn("salvaging job", zap.String("job", j.id), zap.String("kind", string(m.Kind)), zap.String("reason", m.Reason))
		j.session = nil
		sess.Terminate()
		o.completeLocked(j, protocol.Terminal(j.last))
		o.unlock()
		return
	case m.Token != j.token:
		o.log.Debug("dropped stale message", zap.String("job", j.id), zap.Uint64("token", m.Token), zap.Uint64("current", j.token))
		o.unlock()
		return
	}
	st := j.stepper
	o.unlock()
	if st != nil {
		st.HandleMessage(m)
	}
}

func (o *Orchestrator) onResult(j *Job, token uint64, r stepper.Result) {
	o.mu.Lock()
	defer o.unlock()
	if j.dead || j.token != token || j.completed {
		return
	}

	switch r.Outcome {
	case stepper.StepIncomplete, stepper.StepComplete:
		j.last = r.Snapshot
		switch {
		case r.Snapshot.Over:
			o.completeLocked(j, r.Snapshot)
		case j.teardown:
			o.completeLocked(j, final(r.Snapshot))
		default:
			snap := r.Snapshot
			o.emit(func(ob Observer) { ob.Update(j, snap) })
		}

	case stepper.Disqualified:
		o.disqualifyLocked(j, r)
	}
}

func (o *Orchestrator) disqualifyLocked(j *Job, r stepper.Result) {
	o.log.Info("entry disqualified",
		zap.String("job", j.id),
		zap.String("entry", r.EntryID),
		zap.String("policy", string(o.opts.Policy)),
		zap.String("reason", r.Reason))

	if r.CodeHash != "" {
		rec := store.Record{Hash: r.CodeHash, EntryID: r.EntryID, Reason: r.Reason}
		o.events = append(o.events, func() {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			if err := o.opts.Store.Put(ctx, rec); err != nil {
				o.log.Warn("record disqualification", zap.String("hash", rec.Hash), zap.Error(err))
			}
		})
	}
	o.emit(func(ob Observer) { ob.Disqualified(j, r.EntryID, r.Reason) })

	switch o.opts.Policy {
	case PolicyExclude:
		j.excluded[r.EntryID] = true
	case PolicyTeardown:
		j.teardown = true
		// With nothing in flight there is no boundary to wait for.
		if j.stepper == nil || !j.stepper.InFlight() {
			o.completeLocked(j, final(j.last))
		}
	}
}

// final marks a snapshot as the job's last.
func final(s *protocol.Snapshot) *protocol.Snapshot {
	if s == nil {
		return protocol.Terminal(nil)
	}
	cp := *s
	cp.Over = true
	return &cp
}

// completeLocked finishes the current run exactly once and frees its slot.
func (o *Orchestrator) completeLocked(j *Job, s *protocol.Snapshot) {
	if j.completed {
		return
	}
	j.completed = true
	j.state = JobComplete
	j.last = s
	if j.stepper != nil {
		j.stepper.Stop()
		j.stepper = nil
	}
	if j.session != nil {
		j.session.Terminate()
		j.session = nil
	}
	o.releaseLocked(j)
	o.log.Debug("job complete", zap.String("job", j.id), zap.Int("tick", s.Tick))
	o.emit(func(ob Observer) { ob.Complete(j, s) })
}

// Terminate ends j for good. It returns without waiting for the worker;
// nothing further is reported for the job.
func (o *Orchestrator) Terminate(j *Job) {
	o.mu.Lock()
	defer o.unlock()
	o.terminateLocked(j)
}

func (o *Orchestrator) terminateLocked(j *Job) {
	if j.dead {
		return
	}
	j.dead = true
	j.state = JobTerminated
	if j.stepper != nil {
		j.stepper.Stop()
		j.stepper = nil
	}
	if j.session != nil {
		j.session.Terminate()
		j.session = nil
	}
	delete(o.jobs, j.id)
	o.releaseLocked(j)
}

// TerminateAll terminates every job.
func (o *Orchestrator) TerminateAll() {
	o.mu.Lock()
	defer o.unlock()
	for _, j := range o.jobs {
		o.terminateLocked(j)
	}
	o.queue = nil
}

// AdvanceType drives a running job by hand.
func (o *Orchestrator) AdvanceType(j *Job, kind AdvanceKind, count int) error {
	o.mu.Lock()
	defer o.unlock()
	if j.dead {
		return errors.Disposed(errors.PhaseOrchestrate, "job")
	}
	if j.stepper == nil {
		return errors.InvalidInput(errors.PhaseOrchestrate, fmt.Sprintf("job is %s", j.state))
	}
	switch kind {
	case AdvanceTicks:
		return j.stepper.Advance(count)
	case AdvanceFinish:
		return j.stepper.Finish()
	case AdvanceResume:
		return j.stepper.Resume()
	}
	return errors.InvalidInput(errors.PhaseOrchestrate, fmt.Sprintf("unknown advance kind %q", kind))
}

// UpdatePlayConfig applies delta to j's play configuration, including a run
// in progress.
func (o *Orchestrator) UpdatePlayConfig(j *Job, delta PlayDelta) stepper.PlayConfig {
	o.mu.Lock()
	defer o.unlock()
	j.play = delta.apply(j.play)
	if j.stepper != nil {
		j.stepper.SetPlayConfig(j.play)
	}
	return j.play
}

// UpdateAllPlayConfig applies delta to every job.
func (o *Orchestrator) UpdateAllPlayConfig(delta PlayDelta) {
	o.mu.Lock()
	defer o.unlock()
	o.opts.Play = delta.apply(o.opts.Play)
	for _, j := range o.jobs {
		j.play = delta.apply(j.play)
		if j.stepper != nil {
			j.stepper.SetPlayConfig(j.play)
		}
	}
}

// ActiveCount is the number of jobs holding a slot.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Queued is the number of live admission requests waiting.
func (o *Orchestrator) Queued() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, a := range o.queue {
		if !a.job.dead && a.job.token == a.token {
			n++
		}
	}
	return n
}

// Jobs lists live jobs.
func (o *Orchestrator) Jobs() []*Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Job, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, j)
	}
	return out
}

// Store returns the disqualification store.
func (o *Orchestrator) Store() store.Store { return o.opts.Store }

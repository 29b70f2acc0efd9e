package stepper

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/protocol"
)

// State is the stepper's position in a run.
type State int

const (
	Idle State = iota
	Running
	Complete
	PausedOnError
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Complete:
		return "complete"
	case PausedOnError:
		return "paused_on_error"
	}
	return "unknown"
}

// PlayConfig controls automatic advancing. Speed is the number of ticks per
// advance; zero means the caller steps by hand. Delay is the target time
// between the starts of two advances. Checkback bounds one advance before
// the worker yields a partial result.
type PlayConfig struct {
	Delay     time.Duration `yaml:"delay" json:"delay"`
	Speed     int           `yaml:"speed" json:"speed"`
	Checkback time.Duration `yaml:"checkback" json:"checkback"`
}

// Outcome classifies a Result.
type Outcome int

const (
	StepComplete Outcome = iota
	StepIncomplete
	Disqualified
)

func (o Outcome) String() string {
	switch o {
	case StepComplete:
		return "step_complete"
	case StepIncomplete:
		return "step_incomplete"
	case Disqualified:
		return "disqualified"
	}
	return "unknown"
}

// Result is what the stepper reports for each worker reply.
type Result struct {
	Snapshot *protocol.Snapshot
	EntryID  string
	Reason   string
	CodeHash string
	Outcome  Outcome
	State    State
}

// Sender delivers messages to the worker. *session.Session satisfies it.
type Sender interface {
	Send(protocol.Message)
}

// finishTicks is requested by Finish; the worker stops at the end of the
// simulation long before that.
const finishTicks = math.MaxInt32

// Stepper drives one run forward. It issues STEP messages, follows
// STEP_INCOMPLETE replies until the advance finishes and, while Speed is
// non-zero, schedules the next advance itself.
type Stepper struct {
	send     Sender
	sched    Scheduler
	onResult func(Result)
	log      *zap.Logger
	token    uint64

	mu       sync.Mutex
	state    State
	play     PlayConfig
	inFlight bool
	started  time.Time
	cancel   Cancel
	stopped  bool
}

// New creates an idle stepper for the run addressed by token. onResult is
// called for every reply, outside the stepper's lock.
func New(send Sender, token uint64, play PlayConfig, sched Scheduler, onResult func(Result)) *Stepper {
	if sched == nil {
		sched = RealTime()
	}
	return &Stepper{
		send:     send,
		sched:    sched,
		onResult: onResult,
		log:      Logger().With(zap.Uint64("token", token)),
		token:    token,
		play:     play,
	}
}

func (s *Stepper) Token() uint64 { return s.token }

func (s *Stepper) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InFlight reports whether an advance is waiting for its final reply.
func (s *Stepper) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Stepper) PlayConfig() PlayConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.play
}

// BeginRun starts the run on the worker. No ticks are requested unless
// Speed is non-zero.
func (s *Stepper) BeginRun(seed uint64, payload *protocol.BeginPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle || s.stopped {
		return errors.InvalidInput(errors.PhaseStep, fmt.Sprintf("begin in state %s", s.state))
	}
	s.state = Running
	s.send.Send(protocol.Begin(s.token, seed, payload, s.play.Checkback))
	s.log.Debug("run begun", zap.Uint64("seed", seed))
	s.scheduleLocked(0)
	return nil
}

// Advance requests up to ticks ticks now.
func (s *Stepper) Advance(ticks int) error {
	if ticks <= 0 {
		return errors.InvalidInput(errors.PhaseStep, fmt.Sprintf("advance by %d ticks", ticks))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(ticks, false)
}

// Finish runs the simulation to its end in checkback-sized slices.
func (s *Stepper) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(finishTicks, false)
}

// Resume continues a run paused on an error. The faulted tick is committed
// this time.
func (s *Stepper) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != PausedOnError {
		return errors.InvalidInput(errors.PhaseStep, fmt.Sprintf("resume in state %s", s.state))
	}
	s.state = Running
	return s.advanceLocked(max(s.play.Speed, 1), true)
}

func (s *Stepper) advanceLocked(ticks int, resume bool) error {
	switch {
	case s.stopped:
		return errors.Disposed(errors.PhaseStep, "stepper")
	case s.state != Running:
		return errors.InvalidInput(errors.PhaseStep, fmt.Sprintf("advance in state %s", s.state))
	case s.inFlight:
		return errors.InvalidInput(errors.PhaseStep, "advance already in flight")
	}
	s.cancelLocked()
	s.inFlight = true
	s.started = s.sched.Now()
	if resume {
		s.send.Send(protocol.Resume(s.token, ticks, s.play.Checkback))
	} else {
		s.send.Send(protocol.Step(s.token, ticks, s.play.Checkback))
	}
	return nil
}

// SetPlayConfig replaces the play configuration. Turning Speed on while idle
// between advances schedules the next one; turning it off cancels it.
func (s *Stepper) SetPlayConfig(p PlayConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.play = p
	if p.Speed == 0 {
		s.cancelLocked()
		return
	}
	if s.cancel == nil {
		s.scheduleLocked(0)
	}
}

// Stop tells the worker to cease and ignores everything after.
func (s *Stepper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancelLocked()
	s.send.Send(protocol.Stop(s.token))
}

// HandleMessage applies a worker reply. Replies for other tokens are
// ignored and reported as not handled.
func (s *Stepper) HandleMessage(m protocol.Message) bool {
	s.mu.Lock()
	if m.Token != s.token || s.stopped {
		s.mu.Unlock()
		return false
	}

	var res Result
	switch m.Kind {
	case protocol.KindStepIncomplete:
		res = Result{Outcome: StepIncomplete, Snapshot: m.Snapshot}
		if s.inFlight && m.Snapshot.Remaining > 0 {
			s.send.Send(protocol.Step(s.token, m.Snapshot.Remaining, s.play.Checkback))
		} else {
			s.inFlight = false
		}

	case protocol.KindStepComplete:
		res = Result{Outcome: StepComplete, Snapshot: m.Snapshot}
		elapsed := s.sched.Now().Sub(s.started)
		s.inFlight = false
		switch {
		case m.Snapshot.Over:
			s.state = Complete
		case m.Snapshot.Paused:
			s.state = PausedOnError
		default:
			s.scheduleLocked(s.play.Delay - elapsed)
		}

	case protocol.KindDisqualified:
		res = Result{Outcome: Disqualified, EntryID: m.EntryID, Reason: m.Reason, CodeHash: m.CodeHash}

	default:
		s.mu.Unlock()
		return false
	}
	res.State = s.state
	s.mu.Unlock()

	if s.onResult != nil {
		s.onResult(res)
	}
	return true
}

// scheduleLocked arranges the next automatic advance after d, clamped at
// zero, when Speed is non-zero.
func (s *Stepper) scheduleLocked(d time.Duration) {
	if s.play.Speed == 0 || s.state != Running || s.stopped || s.inFlight {
		return
	}
	s.cancelLocked()
	d = max(d, 0)
	s.cancel = s.sched.After(d, s.tick)
}

func (s *Stepper) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = nil
	if s.play.Speed == 0 || s.state != Running || s.inFlight || s.stopped {
		return
	}
	if err := s.advanceLocked(s.play.Speed, false); err != nil {
		s.log.Debug("scheduled advance skipped", zap.Error(err))
	}
}

func (s *Stepper) cancelLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

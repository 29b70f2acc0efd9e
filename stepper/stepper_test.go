package stepper_test

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/protocol"
	"github.com/wippyai/realm-runner/stepper"
	"github.com/wippyai/realm-runner/stepper/steppertest"
)

type outbox struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (o *outbox) Send(m protocol.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, m)
}

// take returns and clears what was sent, as "kind:ticks" strings.
func (o *outbox) take() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, m := range o.msgs {
		s := string(m.Kind)
		if m.Kind == protocol.KindStep {
			s += ":" + strconv.Itoa(m.Ticks)
			if m.Resume {
				s += ":resume"
			}
		}
		out = append(out, s)
	}
	o.msgs = nil
	return out
}

type fixture struct {
	out     *outbox
	clock   *steppertest.Manual
	s       *stepper.Stepper
	results []stepper.Result
}

func newFixture(play stepper.PlayConfig) *fixture {
	f := &fixture{out: &outbox{}, clock: steppertest.NewManual()}
	f.s = stepper.New(f.out, 7, play, f.clock, func(r stepper.Result) {
		f.results = append(f.results, r)
	})
	return f
}

func complete(tick int) protocol.Message {
	return protocol.StepComplete(7, &protocol.Snapshot{Tick: tick})
}

func expectSent(t *testing.T, f *fixture, want ...string) {
	t.Helper()
	if diff := cmp.Diff(want, f.out.take()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestStepper_AutoAdvanceHonoursDelay(t *testing.T) {
	f := newFixture(stepper.PlayConfig{Speed: 3, Delay: 100 * time.Millisecond})
	if err := f.s.BeginRun(1, &protocol.BeginPayload{Simulation: "race"}); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	expectSent(t, f, "begin")

	f.clock.Advance(0)
	expectSent(t, f, "step:3")

	// The advance took 30ms, so the next one starts 70ms later.
	f.clock.Advance(30 * time.Millisecond)
	f.s.HandleMessage(complete(3))
	f.clock.Advance(69 * time.Millisecond)
	expectSent(t, f)
	f.clock.Advance(time.Millisecond)
	expectSent(t, f, "step:3")

	// An advance slower than the delay is followed immediately.
	f.clock.Advance(250 * time.Millisecond)
	f.s.HandleMessage(complete(6))
	f.clock.Advance(0)
	expectSent(t, f, "step:3")

	delays := f.clock.Delays()
	if diff := cmp.Diff([]time.Duration{0, 70 * time.Millisecond, 0}, delays); diff != "" {
		t.Errorf("delays mismatch (-want +got):\n%s", diff)
	}
}

func TestStepper_IncompleteContinuesImmediately(t *testing.T) {
	f := newFixture(stepper.PlayConfig{Speed: 0, Checkback: 50 * time.Millisecond})
	_ = f.s.BeginRun(1, nil)
	f.out.take()

	if err := f.s.Advance(100); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	expectSent(t, f, "step:100")

	f.s.HandleMessage(protocol.StepIncomplete(7, &protocol.Snapshot{Tick: 40, Remaining: 60}))
	expectSent(t, f, "step:60")
	if err := f.s.Advance(1); err == nil {
		t.Error("expected error for a second advance while one is in flight")
	}

	f.s.HandleMessage(complete(100))
	expectSent(t, f)
	if len(f.results) != 2 || f.results[0].Outcome != stepper.StepIncomplete || f.results[1].Outcome != stepper.StepComplete {
		t.Errorf("unexpected results %+v", f.results)
	}

	// Speed zero: nothing happens on its own.
	f.clock.Advance(time.Hour)
	expectSent(t, f)
	if f.clock.Pending() != 0 {
		t.Errorf("Pending = %d", f.clock.Pending())
	}
}

func TestStepper_PauseAndResume(t *testing.T) {
	f := newFixture(stepper.PlayConfig{Speed: 2})
	_ = f.s.BeginRun(1, nil)
	f.clock.Advance(0)
	f.out.take()

	f.s.HandleMessage(protocol.StepComplete(7, &protocol.Snapshot{Tick: 1, Paused: true}))
	if got := f.s.State(); got != stepper.PausedOnError {
		t.Fatalf("State = %s", got)
	}
	f.clock.Advance(time.Hour)
	expectSent(t, f)
	if err := f.s.Advance(1); errors.KindOf(err) != errors.KindInvalidInput {
		t.Errorf("Advance while paused: %v", err)
	}

	if err := f.s.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	expectSent(t, f, "step:2:resume")
	if got := f.s.State(); got != stepper.Running {
		t.Errorf("State = %s", got)
	}
	if err := f.s.Resume(); err == nil {
		t.Error("expected error resuming a running stepper")
	}
}

func TestStepper_CompleteStopsScheduling(t *testing.T) {
	f := newFixture(stepper.PlayConfig{Speed: 1})
	_ = f.s.BeginRun(1, nil)
	f.clock.Advance(0)
	f.out.take()

	f.s.HandleMessage(protocol.StepComplete(7, &protocol.Snapshot{Tick: 9, Over: true, Progress: 1}))
	if got := f.s.State(); got != stepper.Complete {
		t.Fatalf("State = %s", got)
	}
	f.clock.Advance(time.Hour)
	expectSent(t, f)
	if f.results[0].State != stepper.Complete {
		t.Errorf("result state = %s", f.results[0].State)
	}
}

func TestStepper_IgnoresOtherTokens(t *testing.T) {
	f := newFixture(stepper.PlayConfig{})
	_ = f.s.BeginRun(1, nil)
	_ = f.s.Advance(1)
	f.out.take()

	stale := protocol.StepComplete(6, &protocol.Snapshot{Tick: 5, Over: true})
	if f.s.HandleMessage(stale) {
		t.Error("stale message reported as handled")
	}
	if len(f.results) != 0 || f.s.State() != stepper.Running {
		t.Errorf("stale message changed state: %s %+v", f.s.State(), f.results)
	}
}

func TestStepper_SetPlayConfig(t *testing.T) {
	f := newFixture(stepper.PlayConfig{})
	_ = f.s.BeginRun(1, nil)
	f.out.take()
	f.clock.Advance(time.Second)
	expectSent(t, f)

	f.s.SetPlayConfig(stepper.PlayConfig{Speed: 4})
	f.clock.Advance(0)
	expectSent(t, f, "step:4")

	f.s.HandleMessage(complete(4))
	f.s.SetPlayConfig(stepper.PlayConfig{Speed: 0, Delay: time.Second})
	f.clock.Advance(time.Hour)
	expectSent(t, f)
}

func TestStepper_Disqualified(t *testing.T) {
	f := newFixture(stepper.PlayConfig{})
	_ = f.s.BeginRun(1, nil)
	f.s.HandleMessage(protocol.Disqualified(7, "a", "bad", "hash"))

	want := []stepper.Result{{Outcome: stepper.Disqualified, EntryID: "a", Reason: "bad", CodeHash: "hash", State: stepper.Running}}
	if diff := cmp.Diff(want, f.results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestStepper_Stop(t *testing.T) {
	f := newFixture(stepper.PlayConfig{Speed: 1})
	_ = f.s.BeginRun(1, nil)
	f.out.take()

	f.s.Stop()
	f.s.Stop()
	expectSent(t, f, "stop")
	f.clock.Advance(time.Hour)
	expectSent(t, f)
	if f.s.HandleMessage(complete(1)) {
		t.Error("message handled after stop")
	}
	if err := f.s.Advance(1); errors.KindOf(err) != errors.KindDisposed {
		t.Errorf("Advance after stop: %v", err)
	}
}

func TestStepper_Finish(t *testing.T) {
	f := newFixture(stepper.PlayConfig{Checkback: 10 * time.Millisecond})
	_ = f.s.BeginRun(1, nil)
	f.out.take()
	if err := f.s.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	msgs := f.out.take()
	if len(msgs) != 1 || msgs[0] == "step:0" {
		t.Errorf("unexpected messages %v", msgs)
	}
}

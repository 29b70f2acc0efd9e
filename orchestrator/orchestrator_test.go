package orchestrator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/protocol"
	"github.com/wippyai/realm-runner/realm"
	"github.com/wippyai/realm-runner/session"
	"github.com/wippyai/realm-runner/sims/race"
	"github.com/wippyai/realm-runner/stepper"
	"github.com/wippyai/realm-runner/stepper/steppertest"
	"github.com/wippyai/realm-runner/store"
	"github.com/wippyai/realm-runner/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTransport hands the worker side of every session to the test.
type fakeTransport struct {
	servers chan worker.Conn
}

func newTransport() *fakeTransport {
	return &fakeTransport{servers: make(chan worker.Conn, 64)}
}

func (f *fakeTransport) Dial(ctx context.Context) (worker.Conn, error) {
	client, server := worker.Pipe()
	select {
	case f.servers <- server:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeWorker struct {
	t    *testing.T
	conn worker.Conn
}

// next waits for the next session and announces readiness on it.
func (f *fakeTransport) next(t *testing.T) *fakeWorker {
	t.Helper()
	select {
	case c := <-f.servers:
		require.NoError(t, c.Send(protocol.Ready()))
		return &fakeWorker{t: t, conn: c}
	case <-time.After(5 * time.Second):
		t.Fatal("no session opened")
		return nil
	}
}

func (w *fakeWorker) expect(kind protocol.Kind) protocol.Message {
	w.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := w.conn.Recv(ctx)
	require.NoError(w.t, err)
	require.Equal(w.t, kind, m.Kind)
	return m
}

func (w *fakeWorker) reply(m protocol.Message) {
	w.t.Helper()
	require.NoError(w.t, w.conn.Send(m))
}

type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) get() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *events) count(s string) int {
	n := 0
	for _, l := range e.get() {
		if l == s {
			n++
		}
	}
	return n
}

func (e *events) observer() Observer {
	return Funcs{
		OnBegun:   func(j *Job) { e.add("begun:" + j.Label()) },
		OnStarted: func(j *Job) { e.add("started:" + j.Label()) },
		OnUpdate: func(j *Job, s *protocol.Snapshot) {
			e.add(fmt.Sprintf("update:%s:%d", j.Label(), s.Tick))
		},
		OnComplete: func(j *Job, s *protocol.Snapshot) { e.add("complete:" + j.Label()) },
		OnDisqualified: func(j *Job, entryID, reason string) {
			e.add("disqualified:" + j.Label() + ":" + entryID)
		},
	}
}

func newOrchestrator(t *testing.T, opts Options) (*Orchestrator, *fakeTransport, *events) {
	t.Helper()
	tr := newTransport()
	opts.Transport = tr
	if opts.Scheduler == nil {
		opts.Scheduler = steppertest.NewManual()
	}
	o, err := New(opts)
	require.NoError(t, err)
	ev := &events{}
	o.Subscribe(ev.observer())
	t.Cleanup(o.TerminateAll)
	return o, tr, ev
}

var payload = &protocol.BeginPayload{Simulation: "race"}

func begin(t *testing.T, o *Orchestrator, j *Job) {
	t.Helper()
	require.NoError(t, o.Begin(context.Background(), j, 1, payload))
}

func TestOrchestrator_CeilingScenario(t *testing.T) {
	o, _, ev := newOrchestrator(t, Options{Ceiling: 2})
	j1 := o.MakeJob(JobConfig{Label: "j1"})
	j2 := o.MakeJob(JobConfig{Label: "j2"})
	j3 := o.MakeJob(JobConfig{Label: "j3"})

	begin(t, o, j1)
	begin(t, o, j2)
	begin(t, o, j3)

	assert.Equal(t, []string{"begun:j1", "started:j1", "begun:j2", "started:j2", "begun:j3"}, ev.get())
	assert.Equal(t, 2, o.ActiveCount())
	assert.Equal(t, 1, o.Queued())
	assert.Equal(t, JobQueued, j3.State())

	o.Terminate(j1)
	assert.Equal(t, "started:j3", ev.get()[5])
	assert.Equal(t, 2, o.ActiveCount())
	assert.Equal(t, 0, o.Queued())
	assert.Equal(t, JobRunning, j3.State())
	assert.Equal(t, JobTerminated, j1.State())
	assert.False(t, j1.Active())
}

func TestOrchestrator_FIFOAdmission(t *testing.T) {
	o, tr, ev := newOrchestrator(t, Options{Ceiling: 1})
	jobs := make([]*Job, 4)
	for i := range jobs {
		jobs[i] = o.MakeJob(JobConfig{Label: fmt.Sprintf("j%d", i)})
		begin(t, o, jobs[i])
	}

	for i := range jobs {
		w := tr.next(t)
		m := w.expect(protocol.KindBegin)
		assert.Equal(t, jobs[i].Token(), m.Token)
		w.reply(protocol.StepComplete(m.Token, &protocol.Snapshot{Tick: 1, Over: true, Progress: 1}))
		label := jobs[i].Label()
		require.Eventually(t, func() bool { return ev.count("complete:"+label) == 1 }, 5*time.Second, time.Millisecond)
	}

	var started []string
	for _, e := range ev.get() {
		if len(e) > 8 && e[:8] == "started:" {
			started = append(started, e[8:])
		}
	}
	assert.Equal(t, []string{"j0", "j1", "j2", "j3"}, started)
	assert.Equal(t, 0, o.ActiveCount())
}

func TestOrchestrator_CeilingNeverExceeded(t *testing.T) {
	const ceiling = 3
	o, _, _ := newOrchestrator(t, Options{Ceiling: ceiling})
	rng := rand.New(rand.NewPCG(1, 2))

	jobs := make([]*Job, 8)
	for i := range jobs {
		jobs[i] = o.MakeJob(JobConfig{})
	}
	for step := 0; step < 200; step++ {
		i := rng.IntN(len(jobs))
		if rng.Float64() < 0.6 {
			if err := o.Begin(context.Background(), jobs[i], uint64(step), payload); errors.KindOf(err) == errors.KindDisposed {
				jobs[i] = o.MakeJob(JobConfig{})
			}
		} else {
			o.Terminate(jobs[i])
		}

		holding := 0
		for _, j := range o.Jobs() {
			if j.Active() {
				holding++
			}
		}
		require.LessOrEqual(t, o.ActiveCount(), ceiling)
		require.Equal(t, o.ActiveCount(), holding)
	}
}

func TestOrchestrator_RestartRetiresToken(t *testing.T) {
	o, tr, ev := newOrchestrator(t, Options{Ceiling: 1})
	j := o.MakeJob(JobConfig{Label: "j"})
	begin(t, o, j)
	w := tr.next(t)
	old := w.expect(protocol.KindBegin).Token

	begin(t, o, j)
	assert.Greater(t, j.Token(), old)
	assert.Equal(t, 1, o.ActiveCount())

	// The old session delivers STOP and then closes.
	assert.Equal(t, old, w.expect(protocol.KindStop).Token)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := w.conn.Recv(ctx)
	assert.Error(t, err)

	// The new run gets its own session.
	fresh := tr.next(t)
	assert.Equal(t, j.Token(), fresh.expect(protocol.KindBegin).Token)

	// A late reply for the old run changes nothing.
	fresh.reply(protocol.StepComplete(old, &protocol.Snapshot{Tick: 50, Over: true}))
	fresh.reply(protocol.StepComplete(j.Token(), &protocol.Snapshot{Tick: 2}))
	require.Eventually(t, func() bool { return ev.count("update:j:2") == 1 }, 5*time.Second, time.Millisecond)
	assert.Zero(t, ev.count("complete:j"))
	assert.Equal(t, JobRunning, j.State())
	assert.Equal(t, 2, j.Snapshot().Tick)
}

func TestOrchestrator_DisconnectSalvage(t *testing.T) {
	o, tr, ev := newOrchestrator(t, Options{Ceiling: 1})
	j := o.MakeJob(JobConfig{Label: "j"})
	waiting := o.MakeJob(JobConfig{Label: "w"})
	begin(t, o, j)
	begin(t, o, waiting)

	w := tr.next(t)
	tok := w.expect(protocol.KindBegin).Token
	w.reply(protocol.StepIncomplete(tok, &protocol.Snapshot{Tick: 7, Progress: 0.3, Remaining: 3}))
	require.Eventually(t, func() bool { return ev.count("update:j:7") == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, w.conn.Close())
	require.Eventually(t, func() bool { return ev.count("complete:j") == 1 }, 5*time.Second, time.Millisecond)

	s := j.Snapshot()
	assert.True(t, s.Over)
	assert.Equal(t, 1.0, s.Progress)
	assert.Equal(t, 7, s.Tick)
	assert.Equal(t, JobComplete, j.State())
	assert.Equal(t, 1, ev.count("started:w"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, ev.count("complete:j"))
}

func TestOrchestrator_WorkerErrorSalvage(t *testing.T) {
	o, tr, ev := newOrchestrator(t, Options{})
	j := o.MakeJob(JobConfig{Label: "j"})
	begin(t, o, j)
	w := tr.next(t)
	tok := w.expect(protocol.KindBegin).Token

	w.reply(protocol.Failure(tok, errors.ResourceExhausted(errors.PhaseRealm, "memory", nil)))
	require.Eventually(t, func() bool { return ev.count("complete:j") == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1.0, j.Snapshot().Progress)
	assert.Equal(t, 0, o.ActiveCount())
}

func entry(code string) protocol.EntrySource {
	return protocol.EntrySource{ID: "a", Engine: realm.EngineGo, Code: code}
}

func TestOrchestrator_ExcludePolicyRecordsAndSkips(t *testing.T) {
	st := store.NewMemory()
	o, tr, ev := newOrchestrator(t, Options{Policy: PolicyExclude, Store: st, Ceiling: 2})
	bad := entry("x := )")
	p := &protocol.BeginPayload{Simulation: "race", Entries: []protocol.EntrySource{bad}}

	j := o.MakeJob(JobConfig{Label: "j"})
	require.NoError(t, o.Begin(context.Background(), j, 1, p))
	w := tr.next(t)
	m := w.expect(protocol.KindBegin)
	assert.False(t, m.Begin.Entries[0].Excluded)

	w.reply(protocol.Disqualified(m.Token, "a", "syntax error", bad.Hash()))
	require.Eventually(t, func() bool { return ev.count("disqualified:j:a") == 1 }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok, _ := st.Get(context.Background(), bad.Hash())
		return ok
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"a"}, j.Excluded())
	assert.Equal(t, JobRunning, j.State())

	next := o.MakeJob(JobConfig{Label: "next"})
	require.NoError(t, o.Begin(context.Background(), next, 1, p))
	m = tr.next(t).expect(protocol.KindBegin)
	assert.True(t, m.Begin.Entries[0].Excluded)
	assert.False(t, p.Entries[0].Excluded, "caller's payload must not change")
}

func TestOrchestrator_WasmHashRoundTripsThroughWorker(t *testing.T) {
	reg := worker.NewRegistry()
	race.Register(reg)
	st := store.NewMemory()
	o, err := New(Options{
		Ceiling:   2,
		Policy:    PolicyExclude,
		Store:     st,
		Transport: session.Inproc{Registry: reg, Realm: realm.Config{CallTimeout: time.Second}},
		Scheduler: steppertest.NewManual(),
	})
	require.NoError(t, err)
	defer o.TerminateAll()
	ev := &events{}
	o.Subscribe(ev.observer())

	// Valid magic and version, then a section id no module may use.
	bad := protocol.EntrySource{ID: "w", Engine: realm.EngineWasm,
		Code: protocol.WasmCode([]byte("\x00asm\x01\x00\x00\x00\x7f\x01\x00"))}
	p := &protocol.BeginPayload{Simulation: race.Name, Entries: []protocol.EntrySource{bad, entry("return 1.0")}}

	j := o.MakeJob(JobConfig{Label: "j"})
	require.NoError(t, o.Begin(context.Background(), j, 1, p))
	require.Eventually(t, func() bool { return ev.count("disqualified:j:w") == 1 }, 10*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok, _ := st.Get(context.Background(), bad.Hash())
		return ok
	}, 5*time.Second, time.Millisecond, "the worker reports the hash the orchestrator computed")

	skipped, err := o.skipKnown(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, skipped.Entries[0].Excluded)
	assert.False(t, skipped.Entries[1].Excluded)
}

func TestOrchestrator_IgnorePolicyDoesNotSkip(t *testing.T) {
	st := store.NewMemory()
	bad := entry("x := )")
	require.NoError(t, st.Put(context.Background(), store.Record{Hash: bad.Hash(), EntryID: "a"}))
	o, tr, _ := newOrchestrator(t, Options{Policy: PolicyIgnore, Store: st})

	j := o.MakeJob(JobConfig{})
	require.NoError(t, o.Begin(context.Background(), j, 1, &protocol.BeginPayload{Entries: []protocol.EntrySource{bad}}))
	m := tr.next(t).expect(protocol.KindBegin)
	assert.False(t, m.Begin.Entries[0].Excluded)
}

func TestOrchestrator_TeardownAtCheckback(t *testing.T) {
	o, tr, ev := newOrchestrator(t, Options{Policy: PolicyTeardown})
	j := o.MakeJob(JobConfig{Label: "j"})
	begin(t, o, j)
	w := tr.next(t)
	tok := w.expect(protocol.KindBegin).Token

	require.NoError(t, o.AdvanceType(j, AdvanceTicks, 10))
	assert.Equal(t, 10, w.expect(protocol.KindStep).Ticks)

	w.reply(protocol.Disqualified(tok, "a", "bad output", "h"))
	require.Eventually(t, func() bool { return ev.count("disqualified:j:a") == 1 }, 5*time.Second, time.Millisecond)
	assert.Zero(t, ev.count("complete:j"))

	w.reply(protocol.StepIncomplete(tok, &protocol.Snapshot{Tick: 4, Remaining: 6, Progress: 0.4}))
	require.Eventually(t, func() bool { return ev.count("complete:j") == 1 }, 5*time.Second, time.Millisecond)
	s := j.Snapshot()
	assert.True(t, s.Over)
	assert.Equal(t, 4, s.Tick)
	assert.Equal(t, 0, o.ActiveCount())
}

func TestOrchestrator_TeardownWhileIdle(t *testing.T) {
	o, tr, ev := newOrchestrator(t, Options{Policy: PolicyTeardown})
	j := o.MakeJob(JobConfig{Label: "j"})
	begin(t, o, j)
	w := tr.next(t)
	tok := w.expect(protocol.KindBegin).Token

	w.reply(protocol.Disqualified(tok, "a", "compile", "h"))
	require.Eventually(t, func() bool { return ev.count("complete:j") == 1 }, 5*time.Second, time.Millisecond)
	assert.True(t, j.Snapshot().Over)
}

func TestOrchestrator_AdvanceAndPlayConfig(t *testing.T) {
	clock := steppertest.NewManual()
	o, tr, _ := newOrchestrator(t, Options{Scheduler: clock})
	j := o.MakeJob(JobConfig{})

	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(o.AdvanceType(j, AdvanceTicks, 1)))
	begin(t, o, j)
	w := tr.next(t)
	tok := w.expect(protocol.KindBegin).Token

	speed := 5
	play := o.UpdatePlayConfig(j, PlayDelta{Speed: &speed})
	assert.Equal(t, 5, play.Speed)
	clock.Advance(0)
	assert.Equal(t, 5, w.expect(protocol.KindStep).Ticks)

	w.reply(protocol.StepComplete(tok, &protocol.Snapshot{Tick: 5, Paused: true}))
	require.Eventually(t, func() bool {
		return o.AdvanceType(j, AdvanceResume, 0) == nil
	}, 5*time.Second, time.Millisecond)
	m := w.expect(protocol.KindStep)
	assert.True(t, m.Resume)

	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(o.AdvanceType(j, "sideways", 1)))
	o.Terminate(j)
	assert.Equal(t, errors.KindDisposed, errors.KindOf(o.AdvanceType(j, AdvanceTicks, 1)))
}

func TestOrchestrator_AwaitCapacity(t *testing.T) {
	o, _, _ := newOrchestrator(t, Options{Ceiling: 1})
	a := o.MakeJob(JobConfig{})
	b := o.MakeJob(JobConfig{})

	var order []string
	o.AwaitCapacity(a, func() { order = append(order, "a") }, false)
	o.AwaitCapacity(b, func() { order = append(order, "b") }, false)
	o.AwaitCapacity(a, func() { order = append(order, "a-again") }, true)
	assert.Equal(t, []string{"a", "a-again"}, order)
	assert.Equal(t, 1, o.Queued())

	o.Terminate(a)
	assert.Equal(t, []string{"a", "a-again", "b"}, order)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Options{})
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
	_, err = New(Options{Transport: newTransport(), Policy: "excise"})
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))

	p, err := ParsePolicy("teardown")
	require.NoError(t, err)
	assert.Equal(t, PolicyTeardown, p)
}

func TestPlayDelta(t *testing.T) {
	d := 10 * time.Millisecond
	got := PlayDelta{Delay: &d}.apply(stepper.PlayConfig{Speed: 3, Checkback: time.Second})
	assert.Equal(t, stepper.PlayConfig{Delay: d, Speed: 3, Checkback: time.Second}, got)
}

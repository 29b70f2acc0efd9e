package race_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/realm-runner/protocol"
	"github.com/wippyai/realm-runner/realm"
	"github.com/wippyai/realm-runner/sims/race"
	"github.com/wippyai/realm-runner/worker"
)

type client struct {
	t    *testing.T
	conn worker.Conn
}

func start(t *testing.T) *client {
	t.Helper()
	reg := worker.NewRegistry()
	race.Register(reg)
	w := worker.New(reg, realm.Config{})
	c, s := worker.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Serve(ctx, s)
	}()
	t.Cleanup(func() {
		cancel()
		_ = c.Close()
		<-done
	})
	cl := &client{t: t, conn: c}
	require.Equal(t, protocol.KindReady, cl.recv().Kind)
	return cl
}

func (c *client) recv() protocol.Message {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, err := c.conn.Recv(ctx)
	require.NoError(c.t, err)
	return m
}

func (c *client) run(seed uint64, options string, entries ...protocol.EntrySource) (protocol.Message, race.State) {
	c.t.Helper()
	require.NoError(c.t, c.conn.Send(protocol.Begin(1, seed, &protocol.BeginPayload{
		Simulation: race.Name,
		Options:    json.RawMessage(options),
		Entries:    entries,
	}, 0)))
	require.NoError(c.t, c.conn.Send(protocol.Step(1, 1000, 0)))
	m := c.recv()
	require.Equal(c.t, protocol.KindStepComplete, m.Kind)
	var st race.State
	require.NoError(c.t, json.Unmarshal(m.Snapshot.State, &st))
	return m, st
}

func goEntry(id, code string, params ...string) protocol.EntrySource {
	return protocol.EntrySource{ID: id, Engine: realm.EngineGo, Code: code, Params: params}
}

func TestRace_FastestWins(t *testing.T) {
	c := start(t)
	m, st := c.run(1, `{"length": 9}`,
		goEntry("slow", "return 1.0"),
		goEntry("fast", "return 3.0"),
		goEntry("reader", `s := state.(map[string]any)
if s["position"].(float64) >= s["length"].(float64)-3 {
	return 3.0
}
return 2.0`, "state"),
	)

	assert.True(t, m.Snapshot.Over)
	assert.Equal(t, 1.0, m.Snapshot.Progress)
	assert.Equal(t, 3, st.Tick)
	assert.Equal(t, []string{"fast"}, st.Winners)
	assert.Equal(t, 3, st.Positions["slow"])
	assert.Equal(t, 6, st.Positions["reader"])
}

func TestRace_InvalidStepIsFault(t *testing.T) {
	c := start(t)
	m, st := c.run(1, `{"length": 100, "max_ticks": 2}`,
		goEntry("big", "return 4.0"),
		goEntry("frac", "return 1.5"),
		goEntry("text", `return "go"`),
	)

	assert.True(t, m.Snapshot.Over)
	assert.Len(t, m.Snapshot.Errors, 6)
	for _, e := range m.Snapshot.Errors {
		assert.Equal(t, "invalid_input", e.Kind)
	}
	assert.Equal(t, 0, st.Positions["big"])
	assert.Empty(t, st.Winners)
}

func TestRace_RandomIsDeterministic(t *testing.T) {
	code := `r := call(api.(map[string]any)["random"]).(float64)
return float64(int(r * 4))`
	entries := []protocol.EntrySource{goEntry("a", code, "api"), goEntry("b", "return float64(int(random.(float64) * 4))", "random")}

	_, first := start(t).run(42, `{"length": 50, "max_ticks": 20}`, entries...)
	_, second := start(t).run(42, `{"length": 50, "max_ticks": 20}`, entries...)
	_, other := start(t).run(43, `{"length": 50, "max_ticks": 20}`, entries...)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first.Positions, other.Positions)
}

func TestRace_WasmEntry(t *testing.T) {
	// (func (export "entry") (param f64 f64) (result f64) local.get 0 local.get 1 f64.add)
	const add = "\x00asm\x01\x00\x00\x00" +
		"\x01\x07\x01\x60\x02\x7c\x7c\x01\x7c" +
		"\x03\x02\x01\x00" +
		"\x07\x09\x01\x05entry\x00\x00" +
		"\x0a\x09\x01\x07\x00\x20\x00\x20\x01\xa0\x0b"

	c := start(t)
	// Steps are position+tick: 0, then 1, then 3.
	_, st := c.run(1, `{"length": 100, "max_ticks": 3}`,
		protocol.EntrySource{ID: "w", Engine: realm.EngineWasm, Code: protocol.WasmCode([]byte(add)), Params: []string{"position", "tick"}},
	)
	assert.Equal(t, 4, st.Positions["w"])
}

func TestNew_RejectsOptions(t *testing.T) {
	_, err := race.New(json.RawMessage(`{"length": -1}`), nil)
	assert.Error(t, err)
	_, err = race.New(json.RawMessage(`{`), nil)
	assert.Error(t, err)
}

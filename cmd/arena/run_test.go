package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wippyai/realm-runner/config"
	"github.com/wippyai/realm-runner/orchestrator"
	"github.com/wippyai/realm-runner/protocol"
	"github.com/wippyai/realm-runner/realm"
	"github.com/wippyai/realm-runner/sims/race"
	"github.com/wippyai/realm-runner/store"
)

func quickConfig() *config.Config {
	c := config.Default()
	c.Play.Delay = 0
	c.Play.Speed = 100
	c.Realm.CallTimeout = config.Duration(time.Second)
	return c
}

func TestRunPlain_CollectsOutcomes(t *testing.T) {
	log = zap.NewNop()
	c := quickConfig()
	o, err := orchestrator.New(orchestrator.Options{
		Ceiling:   1,
		Policy:    orchestrator.PolicyExclude,
		Play:      c.PlayConfig(),
		Transport: transport(c),
		Store:     store.NewMemory(),
	})
	require.NoError(t, err)
	defer o.TerminateAll()

	payload := &protocol.BeginPayload{
		Simulation: race.Name,
		Options:    json.RawMessage(`{"length": 6}`),
		Entries: []protocol.EntrySource{
			{ID: "fast", Engine: realm.EngineGo, Code: "return 3.0"},
			{ID: "slow", Engine: realm.EngineGo, Code: "return 1.0"},
		},
	}
	jobs := []*orchestrator.Job{
		o.MakeJob(orchestrator.JobConfig{Label: "one"}),
		o.MakeJob(orchestrator.JobConfig{Label: "two"}),
	}
	seeds := map[string]uint64{jobs[0].ID(): 10, jobs[1].ID(): 11}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	outs, err := runPlain(ctx, o, jobs, seeds, payload)
	require.NoError(t, err)
	require.Len(t, outs, 2, "both runs finish although only one holds a worker at a time")

	bySeed := map[uint64]outcome{}
	for _, out := range outs {
		bySeed[out.Seed] = out
	}
	for seed, label := range map[uint64]string{10: "one", 11: "two"} {
		out := bySeed[seed]
		assert.Equal(t, label, out.Label)
		assert.Equal(t, 2, out.Tick)
		assert.Equal(t, []string{"fast"}, out.Winners)
		assert.Zero(t, out.Errors)
	}
}

func TestRunCommand_PrintsJSONLines(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "arena.yaml", `
play:
  delay: 0s
  speed: 100
`)
	manifest := writeFile(t, dir, "entries.yaml", `
options:
  length: 4
entries:
  - id: runner
    code: return 2.0
`)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", cfgPath, "run", manifest, "--games", "2", "--seed", "5", "--json"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		runGames, runSeed, runJSON = 1, 1, false
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, rootCmd.ExecuteContext(ctx))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	for i, line := range lines {
		var got outcome
		require.NoError(t, json.Unmarshal([]byte(line), &got))
		assert.Equal(t, uint64(5+i), got.Seed, "outcomes are ordered by seed")
		assert.Equal(t, []string{"runner"}, got.Winners)
		assert.Equal(t, 2, got.Tick)
	}
}

func TestRunCommand_RejectsZeroGames(t *testing.T) {
	dir := t.TempDir()
	rootCmd.SetArgs([]string{"--config", filepath.Join(dir, "none.yaml"), "run", "entries.yaml", "--games", "0"})
	defer func() {
		rootCmd.SetArgs(nil)
		runGames = 1
	}()

	err := rootCmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--games")
}

func TestPrintOutcomes(t *testing.T) {
	var buf bytes.Buffer
	printOutcomes(&buf, []outcome{
		{Label: "game 1", Seed: 1, Tick: 3, Winners: []string{"a", "b"}},
		{Label: "game 2", Seed: 2, Tick: 5, Errors: 2, Excluded: []string{"c"}},
	}, false)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "2 runs", lines[0])
	assert.Contains(t, lines[1], "winners: a, b")
	assert.Contains(t, lines[2], "winners: none")
	assert.Contains(t, lines[2], "(2 errors)")
	assert.Contains(t, lines[2], "excluded: c")
}

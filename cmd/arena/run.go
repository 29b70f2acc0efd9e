package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/realm-runner/config"
	"github.com/wippyai/realm-runner/orchestrator"
	"github.com/wippyai/realm-runner/protocol"
	"github.com/wippyai/realm-runner/sims/race"
)

var (
	runGames       int
	runSeed        uint64
	runInteractive bool
	runWatch       bool
	runJSON        bool
)

var runCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Run a set of entries against a simulation",
	Long: `Run the entries listed in a manifest file against a simulation.

--games starts that many runs with consecutive seeds; at most
orchestrator.ceiling of them hold a worker at once. With -i the runs are
shown live and can be paused, stepped and finished from the keyboard.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVarP(&runGames, "games", "n", 1, "number of runs")
	runCmd.Flags().Uint64Var(&runSeed, "seed", 1, "seed of the first run")
	runCmd.Flags().BoolVarP(&runInteractive, "interactive", "i", false, "show a live view")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "apply play settings from the config file as it changes")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print results as JSON lines")
}

// outcome is what a finished run reports.
type outcome struct {
	Label    string          `json:"label"`
	Seed     uint64          `json:"seed"`
	Tick     int             `json:"tick"`
	Winners  []string        `json:"winners,omitempty"`
	Excluded []string        `json:"excluded,omitempty"`
	Errors   int             `json:"errors"`
	State    json.RawMessage `json:"state,omitempty"`
}

func newOutcome(j *orchestrator.Job, seed uint64, s *protocol.Snapshot) outcome {
	out := outcome{Label: j.Label(), Seed: seed, Excluded: j.Excluded()}
	if s == nil {
		return out
	}
	out.Tick = s.Tick
	out.Errors = len(s.Errors)
	out.State = s.State
	var st race.State
	if json.Unmarshal(s.State, &st) == nil {
		out.Winners = st.Winners
	}
	return out
}

func runRun(cmd *cobra.Command, args []string) error {
	if runGames < 1 {
		return fmt.Errorf("--games must be at least 1")
	}
	payload, err := loadManifest(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	policy, err := orchestrator.ParsePolicy(cfg.Orchestrator.Policy)
	if err != nil {
		return err
	}
	o, err := orchestrator.New(orchestrator.Options{
		Ceiling:   cfg.Orchestrator.Ceiling,
		Policy:    policy,
		Play:      cfg.PlayConfig(),
		Transport: transport(cfg),
		Store:     st,
	})
	if err != nil {
		return err
	}
	defer o.TerminateAll()

	if runWatch {
		err := config.Watch(ctx, configPath, func(c *config.Config) {
			p := c.PlayConfig()
			o.UpdateAllPlayConfig(orchestrator.PlayDelta{Delay: &p.Delay, Speed: &p.Speed, Checkback: &p.Checkback})
			log.Info("play settings reloaded", zap.Int("speed", p.Speed), zap.Duration("delay", p.Delay))
		})
		if err != nil {
			return err
		}
	}

	jobs := make([]*orchestrator.Job, runGames)
	seeds := make(map[string]uint64, runGames)
	for i := range jobs {
		jobs[i] = o.MakeJob(orchestrator.JobConfig{Label: fmt.Sprintf("game %d", i+1)})
		seeds[jobs[i].ID()] = runSeed + uint64(i)
	}

	var outcomes []outcome
	if runInteractive && term.IsTerminal(int(os.Stdout.Fd())) {
		outcomes, err = runTUI(ctx, o, jobs, seeds, payload)
	} else {
		outcomes, err = runPlain(ctx, o, jobs, seeds, payload)
	}
	if err != nil {
		return err
	}
	sort.Slice(outcomes, func(a, b int) bool { return outcomes[a].Seed < outcomes[b].Seed })
	w := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(w)
		for _, out := range outcomes {
			if err := enc.Encode(out); err != nil {
				return err
			}
		}
		return nil
	}
	printOutcomes(w, outcomes, w == os.Stdout && term.IsTerminal(int(os.Stdout.Fd())))
	return nil
}

func runPlain(ctx context.Context, o *orchestrator.Orchestrator, jobs []*orchestrator.Job, seeds map[string]uint64, payload *protocol.BeginPayload) ([]outcome, error) {
	done := make(chan outcome, len(jobs))
	unsubscribe := o.Subscribe(orchestrator.Funcs{
		OnComplete: func(j *orchestrator.Job, s *protocol.Snapshot) {
			done <- newOutcome(j, seeds[j.ID()], s)
		},
		OnDisqualified: func(j *orchestrator.Job, entryID, reason string) {
			log.Warn("entry disqualified", zap.String("job", j.Label()), zap.String("entry", entryID), zap.String("reason", reason))
		},
	})
	defer unsubscribe()

	for _, j := range jobs {
		if err := o.Begin(ctx, j, seeds[j.ID()], payload); err != nil {
			return nil, err
		}
	}

	outcomes := make([]outcome, 0, len(jobs))
	for len(outcomes) < len(jobs) {
		select {
		case out := <-done:
			outcomes = append(outcomes, out)
		case <-ctx.Done():
			return outcomes, nil
		}
	}
	return outcomes, nil
}

func printOutcomes(w io.Writer, outcomes []outcome, styled bool) {
	render := func(s string) string { return s }
	if styled {
		render = func(s string) string { return titleStyle.Render(s) }
	}
	fmt.Fprintln(w, render(fmt.Sprintf("%d runs", len(outcomes))))
	for _, out := range outcomes {
		winners := "none"
		if len(out.Winners) > 0 {
			winners = strings.Join(out.Winners, ", ")
		}
		line := fmt.Sprintf("%-10s seed %-6d tick %-5d winners: %s", out.Label, out.Seed, out.Tick, winners)
		if out.Errors > 0 {
			line += fmt.Sprintf("  (%d errors)", out.Errors)
		}
		if len(out.Excluded) > 0 {
			line += "  excluded: " + strings.Join(out.Excluded, ", ")
		}
		fmt.Fprintln(w, line)
	}
}

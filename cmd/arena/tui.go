package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/realm-runner/orchestrator"
	"github.com/wippyai/realm-runner/protocol"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	pausedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const maxNotices = 5

type (
	startedMsg struct{ id string }
	updateMsg  struct {
		snap *protocol.Snapshot
		id   string
		done bool
	}
	disqualifiedMsg struct{ id, entry, reason string }
	errMsg          struct{ err error }
)

type jobView struct {
	job  *orchestrator.Job
	snap *protocol.Snapshot
	bar  progress.Model
	seed uint64
	// started is false while the job waits for a slot.
	started bool
	done    bool
}

type model struct {
	ctx     context.Context
	err     error
	o       *orchestrator.Orchestrator
	payload *protocol.BeginPayload
	index   map[string]int
	views   []*jobView
	notices []string
	status  string
	speed   int
}

func newModel(ctx context.Context, o *orchestrator.Orchestrator, jobs []*orchestrator.Job, seeds map[string]uint64, payload *protocol.BeginPayload) *model {
	m := &model{
		ctx:     ctx,
		o:       o,
		payload: payload,
		index:   make(map[string]int, len(jobs)),
		speed:   cfg.Play.Speed,
	}
	for i, j := range jobs {
		m.index[j.ID()] = i
		m.views = append(m.views, &jobView{
			job:  j,
			seed: seeds[j.ID()],
			bar:  progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		})
	}
	return m
}

// Init begins every run. Observer events only reach the program once it is
// running, so Begin is issued from a command rather than before Run.
func (m *model) Init() tea.Cmd {
	return func() tea.Msg {
		for _, v := range m.views {
			if err := m.o.Begin(m.ctx, v.job, v.seed, m.payload); err != nil {
				return errMsg{err}
			}
		}
		return nil
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		w := min(max(msg.Width-40, 10), 60)
		for _, v := range m.views {
			v.bar.Width = w
		}
	case startedMsg:
		if v := m.view(msg.id); v != nil {
			v.started = true
		}
	case updateMsg:
		if v := m.view(msg.id); v != nil {
			v.started = true
			v.snap = msg.snap
			v.done = v.done || msg.done
		}
		if m.allDone() {
			m.status = "all runs complete"
		}
	case disqualifiedMsg:
		label := msg.id
		if v := m.view(msg.id); v != nil {
			label = v.job.Label()
		}
		m.notice(fmt.Sprintf("%s: %s disqualified: %s", label, msg.entry, firstLine(msg.reason)))
	case errMsg:
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case " ":
		speed := 0
		if m.speed == 0 {
			speed = max(cfg.Play.Speed, 1)
		}
		m.speed = speed
		m.o.UpdateAllPlayConfig(orchestrator.PlayDelta{Speed: &speed})
		m.status = fmt.Sprintf("speed %d", speed)
	case "n":
		m.advance(orchestrator.AdvanceTicks, 1)
	case "f":
		m.advance(orchestrator.AdvanceFinish, 0)
	case "r":
		m.advance(orchestrator.AdvanceResume, 0)
	}
	return m, nil
}

func (m *model) advance(kind orchestrator.AdvanceKind, count int) {
	n := 0
	for _, v := range m.views {
		if v.done || !v.started {
			continue
		}
		if kind == orchestrator.AdvanceResume && (v.snap == nil || !v.snap.Paused) {
			continue
		}
		if err := m.o.AdvanceType(v.job, kind, count); err != nil {
			m.notice(fmt.Sprintf("%s: %v", v.job.Label(), err))
			continue
		}
		n++
	}
	m.status = fmt.Sprintf("%s: %d runs", kind, n)
}

func (m *model) view(id string) *jobView {
	i, ok := m.index[id]
	if !ok {
		return nil
	}
	return m.views[i]
}

func (m *model) allDone() bool {
	for _, v := range m.views {
		if !v.done {
			return false
		}
	}
	return true
}

func (m *model) notice(s string) {
	m.notices = append(m.notices, s)
	if len(m.notices) > maxNotices {
		m.notices = m.notices[len(m.notices)-maxNotices:]
	}
}

func (m *model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("arena: %s", m.payload.Simulation)))
	b.WriteString("\n\n")

	for _, v := range m.views {
		tick, pct := 0, 0.0
		if v.snap != nil {
			tick, pct = v.snap.Tick, v.snap.Progress
		}
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-9s", v.job.Label())))
		b.WriteString(" ")
		b.WriteString(v.bar.ViewAs(pct))
		b.WriteString(fmt.Sprintf(" tick %-5d ", tick))
		switch {
		case v.done:
			b.WriteString(doneStyle.Render("done"))
		case !v.started:
			b.WriteString(helpStyle.Render("queued"))
		case v.snap != nil && v.snap.Paused:
			b.WriteString(pausedStyle.Render("paused on error"))
		default:
			b.WriteString("running")
		}
		if v.snap != nil && len(v.snap.Errors) > 0 {
			b.WriteString(errorStyle.Render(fmt.Sprintf(" %d errors", len(v.snap.Errors))))
		}
		b.WriteString("\n")
	}

	if len(m.notices) > 0 {
		b.WriteString("\n")
		for _, n := range m.notices {
			b.WriteString(errorStyle.Render(n))
			b.WriteString("\n")
		}
	}
	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(m.status)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("space: pause/play  n: step  f: finish  r: resume  q: quit"))
	b.WriteString("\n")
	return b.String()
}

func (m *model) outcomes() []outcome {
	var out []outcome
	for _, v := range m.views {
		if v.done {
			out = append(out, newOutcome(v.job, v.seed, v.snap))
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func runTUI(ctx context.Context, o *orchestrator.Orchestrator, jobs []*orchestrator.Job, seeds map[string]uint64, payload *protocol.BeginPayload) ([]outcome, error) {
	m := newModel(ctx, o, jobs, seeds, payload)
	p := tea.NewProgram(m, tea.WithContext(ctx))

	unsubscribe := o.Subscribe(orchestrator.Funcs{
		OnStarted: func(j *orchestrator.Job) { p.Send(startedMsg{id: j.ID()}) },
		OnUpdate: func(j *orchestrator.Job, s *protocol.Snapshot) {
			p.Send(updateMsg{id: j.ID(), snap: s})
		},
		OnComplete: func(j *orchestrator.Job, s *protocol.Snapshot) {
			p.Send(updateMsg{id: j.ID(), snap: s, done: true})
		},
		OnDisqualified: func(j *orchestrator.Job, entryID, reason string) {
			p.Send(disqualifiedMsg{id: j.ID(), entry: entryID, reason: reason})
		},
	})
	defer unsubscribe()

	final, err := p.Run()
	if err != nil && ctx.Err() == nil {
		return nil, err
	}
	fm, ok := final.(*model)
	if !ok {
		return m.outcomes(), nil
	}
	if fm.err != nil {
		return nil, fm.err
	}
	return fm.outcomes(), nil
}

var _ tea.Model = (*model)(nil)

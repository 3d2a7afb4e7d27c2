package watch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/herald/internal/job"
)

// Source lists the newest jobs.
type Source interface {
	ListRecent(ctx context.Context, limit int) ([]*job.Job, error)
}

const (
	refreshInterval = time.Second
	listLimit       = 200
)

type tickMsg time.Time
type jobsMsg []*job.Job
type errMsg error

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	source Source
	now    func() time.Time

	width  int
	height int

	jobs  []*job.Job
	table table.Model

	ticker Ticker
	pulse  Pulse
	theme  Theme

	lastError string
}

// New creates a new watch TUI model.
func New(source Source) *Model {
	return &Model{
		source: source,
		now:    time.Now,
		table:  newJobTable(),
		ticker: NewTicker(),
		theme:  NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		fetchJobs(m.source),
		tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func fetchJobs(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		jobs, err := source.ListRecent(ctx, listLimit)
		if err != nil {
			return errMsg(err)
		}
		return jobsMsg(jobs)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchJobs(m.source)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(jobColumns(m.width - 6))
		m.table.SetWidth(m.width - 6)
		if h := m.height - 16; h > 3 {
			m.table.SetHeight(h)
		}

	case tickMsg:
		m.ticker.Tick()
		m.pulse.Decay(m.now())
		return m, tea.Batch(
			fetchJobs(m.source),
			tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)

	case jobsMsg:
		jobs := []*job.Job(msg)
		if changed(m.jobs, jobs) {
			m.pulse.OnChange(m.now())
		}
		m.jobs = jobs
		m.table.SetRows(jobRows(jobs))
		m.lastError = ""
		return m, nil

	case errMsg:
		m.lastError = msg.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// changed compares status and offsets, the fields that move while jobs run.
func changed(prev, next []*job.Job) bool {
	if len(prev) != len(next) {
		return true
	}
	for i := range prev {
		if prev[i].ID != next[i].ID || prev[i].Status != next[i].Status ||
			prev[i].Offsets != next[i].Offsets {
			return true
		}
	}
	return false
}

func (m Model) selected() *job.Job {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.jobs) {
		return nil
	}
	return m.jobs[i]
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading jobs..."
	}

	now := m.now()
	header := renderHeader(summarize(m.jobs), m.ticker, m.pulse, m.theme, m.width, now)
	jobs := m.theme.Border.Width(m.width - 4).Render(m.table.View())
	detail := renderDetail(m.selected(), m.theme, m.width)

	parts := []string{header, jobs, detail}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select • [r] Refresh"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func itoa(v int) string { return strconv.Itoa(v) }

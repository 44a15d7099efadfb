// Package tui renders a live run dashboard in the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
)

// RunSource lists runs for display; both the store and the API client fit
type RunSource interface {
	ListRuns(opts runstore.ListOptions) ([]*domain.Run, error)
}

const refreshInterval = 2 * time.Second

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("240"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	statusColors = map[domain.RunStatus]lipgloss.Color{
		domain.RunQueued:        lipgloss.Color("244"),
		domain.RunSettingUp:     lipgloss.Color("39"),
		domain.RunBuilding:      lipgloss.Color("39"),
		domain.RunTesting:       lipgloss.Color("220"),
		domain.RunReviewing:     lipgloss.Color("135"),
		domain.RunMerging:       lipgloss.Color("208"),
		domain.RunMerged:        lipgloss.Color("42"),
		domain.RunFailed:        lipgloss.Color("196"),
		domain.RunMergeConflict: lipgloss.Color("202"),
		domain.RunCancelled:     lipgloss.Color("244"),
	}
)

type (
	runsMsg []*domain.Run
	errMsg  struct{ err error }
	tickMsg time.Time
)

// Model is the bubbletea model for the dashboard
type Model struct {
	source RunSource
	runs   []*domain.Run
	err    error
	width  int
}

// New creates the dashboard model
func New(source RunSource) Model {
	return Model{source: source, width: 100}
}

// Init starts the first fetch and the refresh ticker
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetch() tea.Msg {
	runs, err := m.source.ListRuns(runstore.ListOptions{Limit: 30})
	if err != nil {
		return errMsg{err}
	}
	return runsMsg(runs)
}

// Update handles input and refresh messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case runsMsg:
		m.runs = msg
		m.err = nil
	case errMsg:
		m.err = msg.err
	case tickMsg:
		return m, tea.Batch(m.fetch, tick())
	}
	return m, nil
}

// View renders the run table
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("run orchestrator"))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n\n")
	}

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-10s %-20s %-15s %-5s %-12s %s",
		"RUN", "WORK ORDER", "STATUS", "ITER", "BACKEND", "DETAIL")))
	b.WriteString("\n")

	if len(m.runs) == 0 {
		b.WriteString(helpStyle.Render("no runs yet"))
		b.WriteString("\n")
	}
	for _, run := range m.runs {
		status := lipgloss.NewStyle().
			Foreground(statusColors[run.Status]).
			Render(fmt.Sprintf("%-15s", run.Status))

		b.WriteString(fmt.Sprintf("%-10s %-20s %s %-5d %-12s %s\n",
			run.ShortID(),
			truncate(run.WorkOrderID, 20),
			status,
			run.BuilderIteration,
			run.Backend,
			detail(run)))
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("r refresh · q quit"))
	return b.String()
}

// detail picks the one most useful extra column per run
func detail(run *domain.Run) string {
	switch {
	case run.Status == domain.RunMergeConflict && run.ConflictWithRunID != "":
		return "conflict with " + shortID(run.ConflictWithRunID)
	case run.Reason != "":
		return truncate(run.Reason, 50)
	case len(run.FallbackReasons) > 0:
		return truncate(run.FallbackReasons[len(run.FallbackReasons)-1], 50)
	case run.BranchName != "":
		return run.BranchName
	}
	return ""
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// Run starts the dashboard and blocks until the user quits
func Run(source RunSource) error {
	_, err := tea.NewProgram(New(source), tea.WithAltScreen()).Run()
	return err
}

// Package watch implements `herald job watch`, a terminal view of the jobs
// in the origin's store.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/herald/internal/job"
)

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusQueued  lipgloss.Style
	StatusStopped lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseActive   lipgloss.Style
	PulseInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusStopped: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		PulseActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		PulseInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// StatusStyle picks the color of a job status.
func (t Theme) StatusStyle(s job.Status) lipgloss.Style {
	switch s {
	case job.StatusDone:
		return t.StatusOK
	case job.StatusRunning:
		return t.StatusRunning
	case job.StatusFailed, job.StatusTimedOut, job.StatusRejected:
		return t.StatusFailed
	case job.StatusStopped:
		return t.StatusStopped
	default:
		return t.StatusQueued
	}
}

// statusIcon is the one-cell marker shown in the ST column.
func statusIcon(s job.Status) string {
	switch s {
	case job.StatusDone:
		return "✓"
	case job.StatusRunning:
		return "▶"
	case job.StatusFailed:
		return "✗"
	case job.StatusTimedOut:
		return "⏱"
	case job.StatusStopped:
		return "■"
	case job.StatusRejected:
		return "⊘"
	default:
		return "·"
	}
}

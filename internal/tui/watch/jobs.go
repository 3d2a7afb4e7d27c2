package watch

import (
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/herald/internal/job"
)

func newJobTable() table.Model {
	t := table.New(
		table.WithColumns(jobColumns(100)),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// jobColumns gives the command column whatever width is left.
func jobColumns(width int) []table.Column {
	fixed := []table.Column{
		{Title: "ST", Width: 2},
		{Title: "ID", Width: 36},
		{Title: "Host", Width: 10},
		{Title: "Status", Width: 10},
		{Title: "Exit", Width: 4},
		{Title: "Duration", Width: 9},
	}
	used := 0
	for _, c := range fixed {
		used += c.Width + 2
	}
	cmdWidth := width - used
	if cmdWidth < 10 {
		cmdWidth = 10
	}
	return append(fixed, table.Column{Title: "Command", Width: cmdWidth})
}

func jobRows(jobs []*job.Job) []table.Row {
	rows := make([]table.Row, 0, len(jobs))
	for _, j := range jobs {
		exit := ""
		if j.ExitCode != nil {
			exit = itoa(*j.ExitCode)
		}
		rows = append(rows, table.Row{
			statusIcon(j.Status),
			j.ID,
			j.TargetID,
			string(j.Status),
			exit,
			formatDuration(j.Duration()),
			strings.Join(j.Command, " "),
		})
	}
	return rows
}

func renderDetail(j *job.Job, theme Theme, width int) string {
	if j == nil {
		return theme.Dim.Render(" no job selected")
	}
	lines := []string{
		theme.Title.Render("Job " + j.ID),
		" status: " + theme.StatusStyle(j.Status).Render(string(j.Status)),
		" origin: " + j.OriginID,
		" command: " + strings.Join(j.Command, " "),
	}
	if j.Reason != "" {
		lines = append(lines, " reason: "+j.Reason)
	}
	if j.PID > 0 {
		lines = append(lines, " pid: "+itoa(j.PID))
	}
	lines = append(lines, " chunks: "+itoa(int(j.Offsets.Stdout))+" stdout, "+itoa(int(j.Offsets.Stderr))+" stderr")
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/herald/internal/job"
)

// Summary counts jobs per status in the current view.
type Summary struct {
	Total  int
	Counts map[job.Status]int
}

func summarize(jobs []*job.Job) Summary {
	s := Summary{Total: len(jobs), Counts: make(map[job.Status]int)}
	for _, j := range jobs {
		s.Counts[j.Status]++
	}
	return s
}

func renderHeader(sum Summary, ticker Ticker, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(now.Format("15:04:05"))
	titleText := fmt.Sprintf(" HERALD JOBS %s", tickerStr)

	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s %d  %s %d  %s %d  %s %d",
		theme.StatusQueued.Render("queued"), sum.Counts[job.StatusQueued],
		theme.StatusRunning.Render("running"), sum.Counts[job.StatusRunning],
		theme.StatusOK.Render("done"), sum.Counts[job.StatusDone],
		theme.StatusFailed.Render("failed"),
		sum.Counts[job.StatusFailed]+sum.Counts[job.StatusTimedOut]+sum.Counts[job.StatusRejected],
	)

	lastChange := "never"
	if !pulse.LastChange().IsZero() {
		lastChange = fmt.Sprintf("%s ago", now.Sub(pulse.LastChange()).Round(time.Second))
	}
	activityLine := fmt.Sprintf(" Last change: %s %s", lastChange, pulse.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

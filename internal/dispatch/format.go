package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/herald/internal/job"
	"github.com/mattjoyce/herald/internal/protocol"
)

func formatQueued(j *job.Job) string {
	return fmt.Sprintf("Queued job `%s` on %s: %s", j.ID, j.TargetID, strings.Join(j.Command, " "))
}

func formatRejected(id, reason string) string {
	return fmt.Sprintf("Job `%s` rejected: %s", id, reason)
}

// formatChunk wraps output in a code fence; stderr is marked.
func formatChunk(c *protocol.Chunk) string {
	text := strings.TrimRight(c.Text, "\n")
	if c.Stream == job.Stderr {
		return fmt.Sprintf("`%s` stderr:\n```%s```", c.JobID, text)
	}
	return "```" + text + "```"
}

func formatSummary(j *job.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job `%s` %s", j.ID, statusWord(j.Status))
	var details []string
	if j.ExitCode != nil {
		details = append(details, fmt.Sprintf("exit %d", *j.ExitCode))
	}
	if d := j.Duration(); d > 0 {
		details = append(details, d.Round(10*time.Millisecond).String())
	}
	if len(details) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(details, ", "))
	}
	if j.Reason != "" && j.Status != job.StatusDone {
		fmt.Fprintf(&b, ": %s", j.Reason)
	}
	return b.String()
}

func statusWord(s job.Status) string {
	switch s {
	case job.StatusDone:
		return "finished"
	case job.StatusTimedOut:
		return "timed out"
	default:
		return string(s)
	}
}

func formatJobLine(j *job.Job) string {
	return fmt.Sprintf("`%s` %s %s: %s", j.ID, j.TargetID, j.Status, strings.Join(j.Command, " "))
}

func formatJobRecord(j *job.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job `%s`\n", j.ID)
	fmt.Fprintf(&b, "host: %s\n", j.TargetID)
	fmt.Fprintf(&b, "command: %s\n", strings.Join(j.Command, " "))
	fmt.Fprintf(&b, "status: %s\n", j.Status)
	if j.ExitCode != nil {
		fmt.Fprintf(&b, "exit code: %d\n", *j.ExitCode)
	}
	if j.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", j.Reason)
	}
	if j.PID > 0 {
		fmt.Fprintf(&b, "pid: %d\n", j.PID)
	}
	fmt.Fprintf(&b, "created: %s\n", j.CreatedAt.Format(time.RFC3339))
	if j.StartedAt != nil {
		fmt.Fprintf(&b, "started: %s\n", j.StartedAt.Format(time.RFC3339))
	}
	if j.FinishedAt != nil {
		fmt.Fprintf(&b, "finished: %s\n", j.FinishedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "chunks: %d stdout, %d stderr", j.Offsets.Stdout, j.Offsets.Stderr)
	return b.String()
}

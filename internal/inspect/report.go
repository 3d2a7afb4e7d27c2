// Package inspect renders the durable history of one job for operators.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/herald/internal/job"
)

// Report is the structured JSON representation of a job report.
type Report struct {
	JobID      string      `json:"job_id"`
	TargetID   string      `json:"target_id"`
	OriginID   string      `json:"origin_id"`
	Command    []string    `json:"command"`
	WorkingDir string      `json:"working_dir,omitempty"`
	Timeout    string      `json:"timeout"`
	Status     job.Status  `json:"status"`
	ExitCode   *int        `json:"exit_code,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	PID        int         `json:"pid,omitempty"`
	Duration   string      `json:"duration,omitempty"`
	Chunks     job.Offsets `json:"chunks"`
	EnvKeys    []string    `json:"env_keys,omitempty"`
	Steps      []Step      `json:"steps"`
}

// Step is one recorded status transition.
type Step struct {
	From job.Status `json:"from,omitempty"`
	To   job.Status `json:"to"`
	At   time.Time  `json:"at"`
}

// BuildReport renders a terminal-friendly report for a job.
func BuildReport(ctx context.Context, db *sql.DB, jobID string) (string, error) {
	report, err := gatherReportData(ctx, db, jobID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", report.JobID)
	fmt.Fprintf(&out, "Target      : %s\n", report.TargetID)
	fmt.Fprintf(&out, "Origin      : %s\n", report.OriginID)
	fmt.Fprintf(&out, "Command     : %s\n", strings.Join(report.Command, " "))
	fmt.Fprintf(&out, "Working dir : %s\n", renderUnset(report.WorkingDir, "<default>"))
	fmt.Fprintf(&out, "Timeout     : %s\n", report.Timeout)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	if report.ExitCode != nil {
		fmt.Fprintf(&out, "Exit code   : %d\n", *report.ExitCode)
	}
	fmt.Fprintf(&out, "Reason      : %s\n", renderUnset(report.Reason, "<none>"))
	if report.PID > 0 {
		fmt.Fprintf(&out, "PID         : %d\n", report.PID)
	}
	fmt.Fprintf(&out, "Duration    : %s\n", renderUnset(report.Duration, "<not started>"))
	fmt.Fprintf(&out, "Chunks      : %d stdout, %d stderr\n", report.Chunks.Stdout, report.Chunks.Stderr)
	if len(report.EnvKeys) > 0 {
		fmt.Fprintf(&out, "Env keys    : %s\n", strings.Join(report.EnvKeys, ", "))
	}
	fmt.Fprintf(&out, "\n")

	for i, step := range report.Steps {
		from := renderUnset(string(step.From), "<new>")
		fmt.Fprintf(&out, "[%d] %s -> %s  %s\n", i+1, from, step.To, step.At.Local().Format(time.RFC3339))
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, db *sql.DB, jobID string) (string, error) {
	report, err := gatherReportData(ctx, db, jobID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, jobID string) (*Report, error) {
	j, err := job.NewSQLiteStore(db).Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		JobID:      j.ID,
		TargetID:   j.TargetID,
		OriginID:   j.OriginID,
		Command:    j.Command,
		WorkingDir: j.WorkingDir,
		Timeout:    j.Timeout.String(),
		Status:     j.Status,
		ExitCode:   j.ExitCode,
		Reason:     j.Reason,
		PID:        j.PID,
		Chunks:     j.Offsets,
	}
	if d := j.Duration(); d > 0 {
		report.Duration = d.Round(time.Millisecond).String()
	}
	// Values may be credentials; only names are shown.
	for k := range j.Env {
		report.EnvKeys = append(report.EnvKeys, k)
	}
	sort.Strings(report.EnvKeys)

	report.Steps, err = lookupSteps(ctx, db, jobID)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func lookupSteps(ctx context.Context, db *sql.DB, jobID string) ([]Step, error) {
	rows, err := db.QueryContext(ctx, `
SELECT from_status, to_status, at
FROM job_transitions
WHERE job_id = ?
ORDER BY rowid ASC;
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query transitions for %s: %w", jobID, err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var from sql.NullString
		var to, at string
		if err := rows.Scan(&from, &to, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		step := Step{From: job.Status(from.String), To: job.Status(to)}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			step.At = t
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}


func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

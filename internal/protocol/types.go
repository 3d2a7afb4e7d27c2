package protocol

import (
	"time"

	"github.com/mattjoyce/herald/internal/job"
)

// Version is the wire protocol version stamped on every message.
const Version = 1

// ActionStop is the only control action.
const ActionStop = "stop"

// Envelope is the job description published to jobs.<target>. It carries no
// origin id and no secrets.
type Envelope struct {
	Protocol         int               `json:"protocol"`
	ID               string            `json:"id"`
	TargetID         string            `json:"target_id"`
	Command          []string          `json:"command"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	TimeoutSeconds   float64           `json:"timeout_seconds"`
}

// Chunk is one flushed batch of output lines from a single stream.
type Chunk struct {
	Protocol int        `json:"protocol"`
	JobID    string     `json:"job_id"`
	TargetID string     `json:"target_id"`
	Stream   job.Stream `json:"stream"`
	Sequence int64      `json:"sequence"`
	Text     string     `json:"text"`
}

// DoneEvent reports the terminal status of a job. Chunks holds the number of
// chunks flushed per stream before the event was published.
type DoneEvent struct {
	Protocol   int         `json:"protocol"`
	JobID      string      `json:"job_id"`
	TargetID   string      `json:"target_id"`
	Status     job.Status  `json:"status"`
	ExitCode   *int        `json:"exit_code,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	PID        int         `json:"pid,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time   `json:"finished_at"`
	Chunks     job.Offsets `json:"chunks"`
}

// Control asks the target to act on a running job.
type Control struct {
	Protocol int    `json:"protocol"`
	JobID    string `json:"job_id"`
	Action   string `json:"action"`
}

// EnvelopeFor builds the wire envelope of a registered job.
func EnvelopeFor(j *job.Job) *Envelope {
	return &Envelope{
		Protocol:         Version,
		ID:               j.ID,
		TargetID:         j.TargetID,
		Command:          append([]string(nil), j.Command...),
		WorkingDirectory: j.WorkingDir,
		Environment:      j.Env,
		TimeoutSeconds:   j.Timeout.Seconds(),
	}
}

// Timeout converts TimeoutSeconds to a duration. Zero means no timeout.
func (e *Envelope) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds * float64(time.Second))
}

// Spec converts the envelope into a registry spec on the target side.
func (e *Envelope) Spec(originID string) job.Spec {
	return job.Spec{
		ID:         e.ID,
		TargetID:   e.TargetID,
		OriginID:   originID,
		Command:    e.Command,
		WorkingDir: e.WorkingDirectory,
		Env:        e.Environment,
		Timeout:    e.Timeout(),
	}
}

// DoneFor builds the done event of a job in a terminal state.
func DoneFor(j *job.Job, chunks job.Offsets) *DoneEvent {
	ev := &DoneEvent{
		Protocol:  Version,
		JobID:     j.ID,
		TargetID:  j.TargetID,
		Status:    j.Status,
		ExitCode:  j.ExitCode,
		Reason:    j.Reason,
		PID:       j.PID,
		StartedAt: j.StartedAt,
		Chunks:    chunks,
	}
	if j.FinishedAt != nil {
		ev.FinishedAt = *j.FinishedAt
	}
	return ev
}

package job

import (
	"slices"
	"time"
)

// MaxTimeout is the longest timeout a job may carry.
const MaxTimeout = 7 * 24 * time.Hour

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed_out"
	StatusStopped  Status = "stopped"
	StatusRejected Status = "rejected"
)

// Stream identifies one of a subprocess's output pipes.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Reasons attached to rejected and failed jobs.
const (
	ReasonNotAllowed       = "not allowed"
	ReasonConcurrencyLimit = "concurrency limit"
	ReasonUnknownTarget    = "unknown target"
	ReasonTargetBusy       = "target busy"
	ReasonOrphaned         = "orphaned"
	ReasonTransportLost    = "transport lost"
)

// Offsets holds the highest chunk sequence applied per stream.
type Offsets struct {
	Stdout int64 `json:"stdout"`
	Stderr int64 `json:"stderr"`
}

// For returns the offset of stream s.
func (o Offsets) For(s Stream) int64 {
	if s == Stderr {
		return o.Stderr
	}
	return o.Stdout
}

func (o *Offsets) set(s Stream, seq int64) {
	if s == Stderr {
		o.Stderr = seq
		return
	}
	o.Stdout = seq
}

// Total is the number of chunks delivered across both streams.
func (o Offsets) Total() int64 { return o.Stdout + o.Stderr }

// Job is the unit of work: one argv run once on one target for one origin.
type Job struct {
	ID         string
	TargetID   string
	OriginID   string
	Command    []string
	WorkingDir string
	Env        map[string]string
	Timeout    time.Duration

	Status   Status
	ExitCode *int
	Reason   string
	PID      int

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time

	// Offsets is the lastOutputOffset: chunk sequences already delivered.
	Offsets Offsets
}

// Spec is the caller-supplied part of a new job.
type Spec struct {
	// ID is optional. Engines reuse the id from the envelope; origins leave it empty.
	ID         string
	TargetID   string
	OriginID   string
	Command    []string
	WorkingDir string
	Env        map[string]string
	Timeout    time.Duration
}

// Update carries the fields a transition may set alongside the new status.
type Update struct {
	PID      int
	ExitCode *int
	Reason   string
	// At stamps startedAt (-> running) or finishedAt (-> terminal). Zero means now.
	At time.Time
}

// Clone returns a deep copy safe to hand out to readers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Command = slices.Clone(j.Command)
	if j.Env != nil {
		c.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			c.Env[k] = v
		}
	}
	if j.ExitCode != nil {
		v := *j.ExitCode
		c.ExitCode = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}

// Duration returns the wall-clock run time, or zero if the job never started.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	return end.Sub(*j.StartedAt)
}

// IntPtr is a small helper for ExitCode literals.
func IntPtr(v int) *int { return &v }

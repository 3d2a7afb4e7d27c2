package bus

import (
	"fmt"
	"strings"
	"unicode"
)

// Subject kinds.
const (
	KindJobs    = "jobs"
	KindLogs    = "logs"
	KindDone    = "done"
	KindControl = "control"
)

// Patterns the origin subscribes to.
const (
	AllLogs = "logs.*.*"
	AllDone = "done.*.*"
)

// ValidateID rejects ids that cannot be embedded in a subject token.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	for _, r := range id {
		if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) {
			return fmt.Errorf("id %q contains %q", id, r)
		}
	}
	return nil
}

// JobsSubject is where envelopes for a target are published.
func JobsSubject(target string) (string, error) {
	if err := ValidateID(target); err != nil {
		return "", fmt.Errorf("target: %w", err)
	}
	return KindJobs + "." + target, nil
}

// LogsSubject is where output chunks of a job are published.
func LogsSubject(target, jobID string) (string, error) {
	return jobSubject(KindLogs, target, jobID)
}

// DoneSubject is where the done event of a job is published.
func DoneSubject(target, jobID string) (string, error) {
	return jobSubject(KindDone, target, jobID)
}

// ControlSubject is where stop requests for a job are published.
func ControlSubject(target, jobID string) (string, error) {
	return jobSubject(KindControl, target, jobID)
}

// ControlPattern matches every control subject of a target.
func ControlPattern(target string) (string, error) {
	if err := ValidateID(target); err != nil {
		return "", fmt.Errorf("target: %w", err)
	}
	return KindControl + "." + target + ".*", nil
}

func jobSubject(kind, target, jobID string) (string, error) {
	if err := ValidateID(target); err != nil {
		return "", fmt.Errorf("target: %w", err)
	}
	if err := ValidateID(jobID); err != nil {
		return "", fmt.Errorf("job: %w", err)
	}
	return kind + "." + target + "." + jobID, nil
}

// Subject is a parsed concrete subject.
type Subject struct {
	Kind   string
	Target string
	JobID  string
}

// ParseSubject splits a concrete subject into its parts.
func ParseSubject(s string) (Subject, error) {
	parts := strings.Split(s, ".")
	switch {
	case len(parts) == 2 && parts[0] == KindJobs:
		return Subject{Kind: KindJobs, Target: parts[1]}, nil
	case len(parts) == 3 && (parts[0] == KindLogs || parts[0] == KindDone || parts[0] == KindControl):
		if parts[1] == "" || parts[2] == "" {
			break
		}
		return Subject{Kind: parts[0], Target: parts[1], JobID: parts[2]}, nil
	}
	return Subject{}, fmt.Errorf("malformed subject %q", s)
}

// Match reports whether subject matches a NATS-style pattern: "*" matches
// exactly one token, a trailing ">" matches one or more.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

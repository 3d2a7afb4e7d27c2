package job

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/herald/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

var allStatuses = []Status{
	StatusQueued, StatusRunning, StatusDone, StatusFailed,
	StatusTimedOut, StatusStopped, StatusRejected,
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusRejected, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusStopped, true},
		{StatusQueued, StatusDone, false},
		{StatusQueued, StatusTimedOut, false},
		{StatusQueued, StatusQueued, false},
		{StatusRunning, StatusDone, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusTimedOut, true},
		{StatusRunning, StatusStopped, true},
		{StatusRunning, StatusQueued, false},
		{StatusRunning, StatusRejected, false},
		{StatusRunning, StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatusesAreSinks(t *testing.T) {
	for _, from := range allStatuses {
		if !IsTerminal(from) {
			continue
		}
		for _, to := range allStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

// Every walk the DAG accepts is queued, optionally running, then at most one terminal.
func TestAcceptedWalksFollowLifecycle(t *testing.T) {
	var walk func(path []Status, depth int)
	walk = func(path []Status, depth int) {
		assertLifecycle(t, path)
		if depth == 0 {
			return
		}
		last := path[len(path)-1]
		for _, next := range allStatuses {
			if CanTransition(last, next) {
				walk(append(append([]Status(nil), path...), next), depth-1)
			}
		}
	}
	walk([]Status{StatusQueued}, 5)
}

func assertLifecycle(t *testing.T, path []Status) {
	t.Helper()
	assert.Equal(t, StatusQueued, path[0])
	assert.LessOrEqual(t, len(path), 3, "path too long: %v", path)
	for i, st := range path[1:] {
		pos := i + 1
		switch {
		case st == StatusRunning:
			assert.Equal(t, 1, pos, "running out of place: %v", path)
		case IsTerminal(st):
			assert.Equal(t, len(path)-1, pos, "terminal not last: %v", path)
			if st == StatusDone || st == StatusTimedOut {
				assert.Equal(t, StatusRunning, path[pos-1], "%s requires running: %v", st, path)
			}
			if st == StatusRejected {
				assert.Equal(t, StatusQueued, path[pos-1], "rejected only from queued: %v", path)
			}
		default:
			t.Errorf("unexpected status %q in %v", st, path)
		}
	}
}

func TestValid(t *testing.T) {
	for _, st := range allStatuses {
		assert.True(t, Valid(st))
	}
	assert.False(t, Valid("paused"))
}

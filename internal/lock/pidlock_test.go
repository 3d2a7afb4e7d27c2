package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "herald-origin.lock")
	l, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		t.Fatalf("expected PID in lock file, got empty")
	}
	pid, err := HolderPID(lockPath)
	if err != nil {
		t.Fatalf("HolderPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("HolderPID = %d, want %d", pid, os.Getpid())
	}
}

func TestAcquireTwiceFailsWithErrHeld(t *testing.T) {
	t.Parallel()

	lockPath := PathFor(t.TempDir(), "runner", "dev")
	first, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// flock is per open file description, so a second open in the same
	// process conflicts.
	if _, err := Acquire(lockPath); !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire error = %v, want ErrHeld", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = again.Release()
}

func TestPathFor(t *testing.T) {
	if got := PathFor("/var/lib/herald", "origin", ""); got != "/var/lib/herald/herald-origin.lock" {
		t.Errorf("PathFor origin = %q", got)
	}
	if got := PathFor("/var/lib/herald", "runner", "ci"); got != "/var/lib/herald/herald-runner-ci.lock" {
		t.Errorf("PathFor runner = %q", got)
	}
}

func TestReleaseNilIsSafe(t *testing.T) {
	var l *PIDLock
	if err := l.Release(); err != nil {
		t.Fatalf("Release on nil: %v", err)
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
)

// SpawnRequest is everything needed to start one subprocess.
type SpawnRequest struct {
	Argv []string
	Dir  string
	Env  []string
}

// Process is a started subprocess. Stdout and Stderr must be read to EOF
// before Wait is called.
type Process interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Signal delivers sig to the whole process group.
	Signal(sig syscall.Signal) error
	// Wait returns the exit code, or an error when the code is unknown.
	Wait() (int, error)
}

// Spawner starts subprocesses.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// ExecSpawner starts real processes in their own process group.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	if len(req.Argv) == 0 || req.Argv[0] == "" {
		return nil, fmt.Errorf("empty argv")
	}

	// Don't use CommandContext - termination is managed by the supervisor.
	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = req.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) PID() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Signal(sig syscall.Signal) error {
	// Negative pid addresses the process group created by Setpgid.
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err != nil {
		return p.cmd.Process.Signal(sig)
	}
	return nil
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, fmt.Errorf("wait for process: %w", err)
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}

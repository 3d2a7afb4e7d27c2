package engine

import "sync"

// procState is the supervisor's view of one subprocess.
//
//	running -> stop_requested -> terminating -> terminated
//
// Only the first termination cause is kept.
type procState int

const (
	stateRunning procState = iota
	stateStopRequested
	stateTerminating
	stateTerminated
)

func (s procState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateStopRequested:
		return "stop_requested"
	case stateTerminating:
		return "terminating"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type termCause int

const (
	causeNone termCause = iota
	causeTimeout
	causeStop
	causeShutdown
)

func (c termCause) String() string {
	switch c {
	case causeTimeout:
		return "timeout"
	case causeStop:
		return "stop"
	case causeShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

type procControl struct {
	mu    sync.Mutex
	state procState
	cause termCause
	// wake nudges the supervisor after a request; capacity 1, never blocks.
	wake chan struct{}
}

func newProcControl() *procControl {
	return &procControl{wake: make(chan struct{}, 1)}
}

// request records a termination cause. It returns false if a cause was
// already recorded or the process is gone.
func (p *procControl) request(c termCause) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateRunning {
		return false
	}
	p.state = stateStopRequested
	p.cause = c
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// beginTerminating moves stop_requested to terminating and reports whether
// the caller should signal the process.
func (p *procControl) beginTerminating() (termCause, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateStopRequested {
		return p.cause, false
	}
	p.state = stateTerminating
	return p.cause, true
}

// terminated records process exit and returns the winning cause.
func (p *procControl) terminated() termCause {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = stateTerminated
	return p.cause
}

func (p *procControl) snapshot() (procState, termCause) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.cause
}

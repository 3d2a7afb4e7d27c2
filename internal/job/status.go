package job

// IsTerminal reports whether the status is a sink of the transition DAG.
func IsTerminal(s Status) bool {
	switch s {
	case StatusDone, StatusFailed, StatusTimedOut, StatusStopped, StatusRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func Valid(s Status) bool {
	return s == StatusQueued || s == StatusRunning || IsTerminal(s)
}

// CanTransition reports whether from -> to is an edge of the status DAG.
//
//	queued  -> running | rejected | failed | stopped
//	running -> done | failed | timed_out | stopped
//
// Nothing leaves a terminal status and nothing returns to queued.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusRejected || to == StatusFailed || to == StatusStopped
	case StatusRunning:
		return to == StatusDone || to == StatusFailed || to == StatusTimedOut || to == StatusStopped
	default:
		return false
	}
}

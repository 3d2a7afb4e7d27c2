// Package engine runs jobs on a target host.
//
// The engine subscribes to jobs.<target> and control.<target>.*, launches one
// subprocess per accepted envelope, streams its output back as chunks and
// publishes a single done event when the job reaches a terminal status.
//
// Key features:
//   - argv execution only, checked against the target's immutable allowlist
//   - Own process group per job so signals reach every descendant
//   - Environment: parent env, then envelope env, then target secrets
//   - Timeout enforcement with SIGTERM → grace (5s default) → SIGKILL
//   - Stop requests follow the same escalation and end in stopped
//   - Concurrency cap per target (runner.max_jobs)
//   - Duplicate envelopes for a known job id are ignored
//
// Status mapping:
//   - Command not allowed → rejected, no spawn
//   - Too many jobs in flight → rejected ("target busy")
//   - Spawn failure → failed with the OS error as reason
//   - Exit 0 → done; non-zero exit → failed with the exit code
//   - Timeout → timed_out; stop → stopped
//   - Shutdown → failed ("transport lost") if the bus is gone, else stopped
package engine

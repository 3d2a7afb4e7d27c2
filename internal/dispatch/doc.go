// Package dispatch is the origin side of herald: it turns chat actions into
// jobs on the bus and relays their output back to the chat they came from.
//
// Key features:
//   - Submit validates the target, re-checks the allowlist and enforces a
//     per-origin limit before anything is published
//   - Rejections are recorded in the registry and reported to chat without
//     touching the bus
//   - OnLog forwards each chunk once, keyed by (job, stream, sequence)
//   - OnDone mirrors the target's terminal status and sends one summary
//   - Chat delivery is queued per origin so replies keep their order and
//     bus handlers never wait on HTTP
//
// Done handling:
//   - A done event carries the number of chunks flushed per stream
//   - If fewer chunks have arrived, the summary is held until they do or
//     until DoneGrace elapses, so the summary follows the output
//
// Error handling:
//   - Unknown target, disallowed command, concurrency limit: Rejected
//   - Publish failure: Failed("transport lost")
//   - Events for unknown jobs or already-terminal jobs are logged and dropped
package dispatch

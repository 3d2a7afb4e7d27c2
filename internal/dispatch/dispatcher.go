package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/herald/internal/bus"
	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/job"
	"github.com/mattjoyce/herald/internal/log"
	"github.com/mattjoyce/herald/internal/observability"
	"github.com/mattjoyce/herald/internal/protocol"
)

const (
	defaultMaxRunningPerOrigin = 2
	defaultTimeout             = 30 * time.Minute
	defaultDoneGrace           = 2 * time.Second
	defaultSendTimeout         = 30 * time.Second
)

// Options configures a Dispatcher.
type Options struct {
	Allowlist           config.Allowlist
	Targets             []string
	MaxRunningPerOrigin int
	DefaultTimeout      time.Duration
	// DoneGrace bounds how long a summary waits for chunks still in flight.
	DoneGrace   time.Duration
	SendTimeout time.Duration
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
		d.outbox.metrics = m
	}
}

// Action is a validated request to run a command on a target for an origin.
type Action struct {
	OriginID   string
	TargetID   string
	Command    []string
	WorkingDir string
	Env        map[string]string
	// Timeout of zero uses the dispatcher default.
	Timeout time.Duration
}

// Dispatcher creates jobs from chat actions and relays their events.
type Dispatcher struct {
	opts     Options
	registry *job.Registry
	bus      bus.Bus
	outbox   *outbox
	metrics  *observability.Metrics
	logger   *slog.Logger
	targets  map[string]bool

	// submitMu makes the concurrency check and job creation atomic.
	submitMu sync.Mutex
	// relayMu orders offset advance plus chunk enqueue against the
	// completeness check in OnDone.
	relayMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingDone
	subs    []bus.Subscription
}

type pendingDone struct {
	event *protocol.DoneEvent
	timer *time.Timer
}

// New creates a Dispatcher.
func New(reg *job.Registry, b bus.Bus, sender ChatSender, opts Options, options ...Option) (*Dispatcher, error) {
	if reg == nil || b == nil || sender == nil {
		return nil, fmt.Errorf("registry, bus and chat sender are required")
	}
	if opts.Allowlist.Len() == 0 {
		return nil, fmt.Errorf("allowlist is empty")
	}
	if len(opts.Targets) == 0 {
		return nil, fmt.Errorf("no targets configured")
	}
	targets := make(map[string]bool, len(opts.Targets))
	for _, t := range opts.Targets {
		if err := bus.ValidateID(t); err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", t, err)
		}
		targets[t] = true
	}
	if opts.MaxRunningPerOrigin <= 0 {
		opts.MaxRunningPerOrigin = defaultMaxRunningPerOrigin
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.DoneGrace <= 0 {
		opts.DoneGrace = defaultDoneGrace
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}

	logger := log.WithComponent("dispatch")
	d := &Dispatcher{
		opts:     opts,
		registry: reg,
		bus:      b,
		outbox:   newOutbox(sender, opts.SendTimeout, logger),
		logger:   logger,
		targets:  targets,
		pending:  make(map[string]*pendingDone),
	}
	for _, o := range options {
		o(d)
	}
	return d, nil
}

// Registry exposes the origin-side job records.
func (d *Dispatcher) Registry() *job.Registry { return d.registry }

// Targets returns the configured target ids in config order.
func (d *Dispatcher) Targets() []string { return append([]string(nil), d.opts.Targets...) }

// Start fails jobs orphaned by a previous run, then subscribes to every
// target's logs and done events.
func (d *Dispatcher) Start(ctx context.Context) error {
	if n, err := d.registry.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	} else if n > 0 {
		d.logger.Warn("failed orphaned jobs from previous run", "count", n)
	}

	logsSub, err := d.bus.Subscribe(bus.AllLogs, d.onLogMessage)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	doneSub, err := d.bus.Subscribe(bus.AllDone, d.onDoneMessage)
	if err != nil {
		_ = logsSub.Unsubscribe()
		return fmt.Errorf("subscribe done: %w", err)
	}

	d.mu.Lock()
	d.subs = append(d.subs, logsSub, doneSub)
	d.mu.Unlock()

	d.logger.Info("dispatcher started", "targets", d.opts.Targets, "max_running_per_origin", d.opts.MaxRunningPerOrigin)
	return nil
}

// Shutdown unsubscribes and waits for queued chat messages to be sent.
// Held summaries are sent with whatever output arrived.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	held := make([]*protocol.DoneEvent, 0, len(d.pending))
	for id, p := range d.pending {
		p.timer.Stop()
		held = append(held, p.event)
		delete(d.pending, id)
	}
	d.mu.Unlock()

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			d.logger.Debug("unsubscribe failed", "error", err)
		}
	}
	for _, ev := range held {
		d.finalize(ctx, ev)
	}
	return d.outbox.close(ctx)
}

// Submit creates a job for a and publishes its envelope. Policy refusals
// are recorded as Rejected, reported to the origin and returned as an error
// wrapping job.ErrRejected; nothing is published for them.
func (d *Dispatcher) Submit(ctx context.Context, a Action) (string, error) {
	if a.OriginID == "" {
		return "", fmt.Errorf("origin id is empty")
	}
	if len(a.Command) == 0 || a.Command[0] == "" {
		return "", fmt.Errorf("command is empty")
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}

	d.submitMu.Lock()
	reason := d.policyReason(a)
	j, err := d.registry.Create(ctx, job.Spec{
		TargetID:   a.TargetID,
		OriginID:   a.OriginID,
		Command:    a.Command,
		WorkingDir: a.WorkingDir,
		Env:        a.Env,
		Timeout:    timeout,
	})
	if err != nil {
		d.submitMu.Unlock()
		return "", fmt.Errorf("create job: %w", err)
	}
	if reason != "" {
		_, terr := d.registry.Transition(ctx, j.ID, job.StatusRejected, job.Update{Reason: reason})
		d.submitMu.Unlock()
		if terr != nil {
			d.logger.Error("failed to record rejection", "job_id", j.ID, "error", terr)
		}
		return j.ID, d.reject(ctx, j, reason)
	}
	d.submitMu.Unlock()

	logger := log.WithJob(j.ID).With("target_id", j.TargetID, "origin_id", j.OriginID)

	subject, err := bus.JobsSubject(j.TargetID)
	if err != nil {
		return j.ID, d.failSubmit(ctx, j, err, logger)
	}
	data, err := protocol.Encode(protocol.EnvelopeFor(j))
	if err != nil {
		return j.ID, d.failSubmit(ctx, j, err, logger)
	}

	// Ack first so the chat sees it before any output.
	d.outbox.enqueue(j.OriginID, formatQueued(j))

	if err := d.bus.Publish(ctx, subject, data); err != nil {
		return j.ID, d.failSubmit(ctx, j, err, logger)
	}

	d.metrics.RecordJobSubmitted(ctx, j.TargetID)
	d.metrics.RecordJobStarted(ctx, observability.RoleOrigin, j.TargetID)
	logger.Info("job submitted", "command", j.Command, "timeout", j.Timeout)
	return j.ID, nil
}

// policyReason returns the rejection reason for a, or "" when a may run.
// Callers hold submitMu.
func (d *Dispatcher) policyReason(a Action) string {
	switch {
	case !d.targets[a.TargetID]:
		return job.ReasonUnknownTarget
	case !d.opts.Allowlist.Permits(a.Command):
		return job.ReasonNotAllowed
	case d.registry.CountActive(a.OriginID) >= d.opts.MaxRunningPerOrigin:
		return job.ReasonConcurrencyLimit
	}
	return ""
}

func (d *Dispatcher) reject(ctx context.Context, j *job.Job, reason string) error {
	d.metrics.RecordJobRejected(ctx, j.TargetID, reason)
	d.logger.Warn("job rejected", "job_id", j.ID, "target_id", j.TargetID, "origin_id", j.OriginID, "reason", reason)
	d.outbox.enqueue(j.OriginID, formatRejected(j.ID, reason))
	return job.Rejected(j.ID, reason)
}

func (d *Dispatcher) failSubmit(ctx context.Context, j *job.Job, cause error, logger *slog.Logger) error {
	logger.Error("failed to publish job", "error", cause)
	final, err := d.registry.Transition(ctx, j.ID, job.StatusFailed, job.Update{Reason: job.ReasonTransportLost})
	if err != nil {
		logger.Error("failed to record publish failure", "error", err)
	} else {
		d.outbox.enqueue(j.OriginID, formatSummary(final))
	}
	return &job.Error{Sentinel: job.ErrBusDisconnected, JobID: j.ID, Op: "dispatch.submit", Cause: cause}
}

// RequestStop asks the job's target to stop it. Status is left to the
// target's done event.
func (d *Dispatcher) RequestStop(ctx context.Context, jobID string) error {
	j, err := d.registry.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal(j.Status) {
		return job.InvalidTransition(j.ID, j.Status, job.StatusStopped)
	}

	subject, err := bus.ControlSubject(j.TargetID, j.ID)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(&protocol.Control{JobID: j.ID, Action: protocol.ActionStop})
	if err != nil {
		return err
	}
	if err := d.bus.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish stop: %w", err)
	}
	d.logger.Info("stop requested", "job_id", j.ID, "target_id", j.TargetID)
	return nil
}

func (d *Dispatcher) onLogMessage(ctx context.Context, msg bus.Message) {
	c, err := protocol.DecodeChunk(msg.Data)
	if err != nil {
		d.logger.Warn("discarding malformed chunk", "subject", msg.Subject, "error", err)
		return
	}
	if subj, err := bus.ParseSubject(msg.Subject); err == nil && subj.JobID != c.JobID {
		d.logger.Warn("discarding chunk on mismatched subject", "subject", msg.Subject, "job_id", c.JobID)
		return
	}
	d.OnLog(ctx, c)
}

func (d *Dispatcher) onDoneMessage(ctx context.Context, msg bus.Message) {
	ev, err := protocol.DecodeDone(msg.Data)
	if err != nil {
		d.logger.Warn("discarding malformed done event", "subject", msg.Subject, "error", err)
		return
	}
	if subj, err := bus.ParseSubject(msg.Subject); err == nil && subj.JobID != ev.JobID {
		d.logger.Warn("discarding done event on mismatched subject", "subject", msg.Subject, "job_id", ev.JobID)
		return
	}
	d.OnDone(ctx, ev)
}

// OnLog forwards a chunk to the job's origin. A chunk is forwarded at most
// once; chunks for terminal jobs are dropped.
func (d *Dispatcher) OnLog(ctx context.Context, c *protocol.Chunk) {
	if j := d.relay(ctx, c); j != nil {
		d.releaseIfComplete(ctx, j)
	}
}

// relay applies and forwards one chunk, returning the updated job when the
// chunk was forwarded.
func (d *Dispatcher) relay(ctx context.Context, c *protocol.Chunk) *job.Job {
	logger := log.WithJob(c.JobID)

	d.relayMu.Lock()
	defer d.relayMu.Unlock()

	prev, applied, err := d.registry.AdvanceOffset(ctx, c.JobID, c.Stream, c.Sequence)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			logger.Warn("chunk for unknown job dropped", "stream", c.Stream, "sequence", c.Sequence)
			return nil
		}
		logger.Error("failed to record chunk offset", "error", err)
		return nil
	}
	if !applied {
		logger.Debug("duplicate or late chunk dropped", "stream", c.Stream, "sequence", c.Sequence, "offset", prev)
		return nil
	}
	if c.Sequence > prev+1 {
		logger.Warn("chunk gap", "stream", c.Stream, "expected", prev+1, "got", c.Sequence)
	}

	j, err := d.registry.Get(ctx, c.JobID)
	if err != nil {
		logger.Error("job vanished after offset update", "error", err)
		return nil
	}
	d.outbox.enqueue(j.OriginID, formatChunk(c))
	d.metrics.RecordChunkRelayed(ctx, j.TargetID, string(c.Stream))
	return j
}

// OnDone records the target's terminal status and sends one summary. If
// output chunks are still missing the summary is held until they arrive or
// DoneGrace elapses.
func (d *Dispatcher) OnDone(ctx context.Context, ev *protocol.DoneEvent) {
	if d.holdDone(ctx, ev) {
		return
	}
	d.finalize(ctx, ev)
}

// holdDone reports whether ev was parked (or dropped) instead of being
// finalized now. Chunks relayed concurrently either count towards the check
// or find the parked event.
func (d *Dispatcher) holdDone(ctx context.Context, ev *protocol.DoneEvent) bool {
	logger := log.WithJob(ev.JobID)

	d.relayMu.Lock()
	defer d.relayMu.Unlock()

	j, err := d.registry.Get(ctx, ev.JobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			logger.Warn("done event for unknown job dropped", "status", ev.Status)
			return true
		}
		logger.Error("failed to look up job", "error", err)
		return true
	}
	if job.IsTerminal(j.Status) {
		logger.Debug("done event for terminal job dropped", "status", ev.Status, "recorded", j.Status)
		return true
	}
	if chunksComplete(j.Offsets, ev.Chunks) {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, held := d.pending[ev.JobID]; held {
		return true
	}
	p := &pendingDone{event: ev}
	p.timer = time.AfterFunc(d.opts.DoneGrace, func() { d.expire(ev.JobID) })
	d.pending[ev.JobID] = p
	logger.Debug("holding done event for output", "have", j.Offsets, "want", ev.Chunks)
	return true
}

func chunksComplete(have, want job.Offsets) bool {
	return have.Stdout >= want.Stdout && have.Stderr >= want.Stderr
}

func (d *Dispatcher) releaseIfComplete(ctx context.Context, j *job.Job) {
	d.mu.Lock()
	p, ok := d.pending[j.ID]
	if !ok || !chunksComplete(j.Offsets, p.event.Chunks) {
		d.mu.Unlock()
		return
	}
	p.timer.Stop()
	delete(d.pending, j.ID)
	d.mu.Unlock()

	d.finalize(ctx, p.event)
}

func (d *Dispatcher) expire(jobID string) {
	d.mu.Lock()
	p, ok := d.pending[jobID]
	if ok {
		delete(d.pending, jobID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	log.WithJob(jobID).Warn("output incomplete, sending summary anyway", "want", p.event.Chunks)
	d.finalize(context.Background(), p.event)
}

// finalize mirrors the terminal status. Only the call that wins the
// terminal transition sends the summary.
func (d *Dispatcher) finalize(ctx context.Context, ev *protocol.DoneEvent) {
	logger := log.WithJob(ev.JobID)

	current, err := d.registry.Get(ctx, ev.JobID)
	if err != nil {
		logger.Error("failed to look up job", "error", err)
		return
	}
	if current.Status == job.StatusQueued && ev.StartedAt != nil {
		_, err := d.registry.Transition(ctx, ev.JobID, job.StatusRunning, job.Update{PID: ev.PID, At: *ev.StartedAt})
		if err != nil && !errors.Is(err, job.ErrInvalidTransition) {
			logger.Error("failed to record running", "error", err)
			return
		}
	}

	final, err := d.registry.Transition(ctx, ev.JobID, ev.Status, job.Update{
		PID:      ev.PID,
		ExitCode: ev.ExitCode,
		Reason:   ev.Reason,
		At:       ev.FinishedAt,
	})
	if errors.Is(err, job.ErrInvalidTransition) {
		logger.Debug("terminal status already recorded", "status", ev.Status)
		return
	}
	if err != nil {
		logger.Error("failed to record terminal status", "status", ev.Status, "error", err)
		return
	}

	d.outbox.enqueue(final.OriginID, formatSummary(final))
	d.metrics.RecordJobFinished(ctx, observability.RoleOrigin, final.TargetID, string(final.Status), final.Duration().Seconds())
	logger.Info("job finished",
		"target_id", final.TargetID,
		"origin_id", final.OriginID,
		"status", final.Status,
		"exit_code", final.ExitCode,
		"reason", final.Reason,
	)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattjoyce/herald/internal/bus"
	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/job"
	"github.com/mattjoyce/herald/internal/log"
	"github.com/mattjoyce/herald/internal/observability"
	"github.com/mattjoyce/herald/internal/protocol"
	"github.com/mattjoyce/herald/internal/stream"
)

const (
	defaultGracePeriod = 5 * time.Second
	defaultMaxJobs     = 8
	// defaultRetention bounds how long finished ids are remembered for
	// duplicate-envelope detection.
	defaultRetention = time.Hour
)

// Options configures an Engine for one target.
type Options struct {
	TargetID    string
	Allowlist   config.Allowlist
	Secrets     map[string]string
	MaxJobs     int
	GracePeriod time.Duration
	Stream      stream.Options
	Retention   time.Duration
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSpawner replaces the exec-based spawner.
func WithSpawner(s Spawner) Option {
	return func(e *Engine) { e.spawner = s }
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine supervises the subprocesses of one target.
type Engine struct {
	opts     Options
	bus      bus.Bus
	spawner  Spawner
	registry *job.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger

	transportLost atomic.Bool

	mu       sync.Mutex
	inflight map[string]*runningJob
	subs     []bus.Subscription
	stopping bool
	wg       sync.WaitGroup
}

type runningJob struct {
	ctl *procControl
}

type exitResult struct {
	code int
	err  error
}

// New creates an engine for opts.TargetID.
func New(b bus.Bus, opts Options, options ...Option) (*Engine, error) {
	if err := bus.ValidateID(opts.TargetID); err != nil {
		return nil, fmt.Errorf("invalid target id: %w", err)
	}
	if opts.Allowlist.Len() == 0 {
		return nil, fmt.Errorf("allowlist is empty")
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = defaultMaxJobs
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}

	e := &Engine{
		opts:     opts,
		bus:      b,
		spawner:  ExecSpawner{},
		registry: job.NewRegistry(),
		logger:   log.WithComponent("engine").With("target_id", opts.TargetID),
		inflight: make(map[string]*runningJob),
	}
	for _, o := range options {
		o(e)
	}
	return e, nil
}

// Registry exposes the target-side job records.
func (e *Engine) Registry() *job.Registry { return e.registry }

// Start subscribes to the target's job and control subjects.
func (e *Engine) Start(ctx context.Context) error {
	jobsSubject, err := bus.JobsSubject(e.opts.TargetID)
	if err != nil {
		return err
	}
	controlPattern, err := bus.ControlPattern(e.opts.TargetID)
	if err != nil {
		return err
	}

	jobsSub, err := e.bus.Subscribe(jobsSubject, e.onEnvelope)
	if err != nil {
		return fmt.Errorf("subscribe jobs: %w", err)
	}
	controlSub, err := e.bus.Subscribe(controlPattern, e.onControl)
	if err != nil {
		_ = jobsSub.Unsubscribe()
		return fmt.Errorf("subscribe control: %w", err)
	}

	e.mu.Lock()
	e.subs = append(e.subs, jobsSub, controlSub)
	e.mu.Unlock()

	go e.watchBus(ctx)

	e.logger.Info("engine started",
		"jobs_subject", jobsSubject,
		"max_jobs", e.opts.MaxJobs,
		"allowlist", e.opts.Allowlist.Names(),
	)
	return nil
}

// watchBus stops every job once the transport is permanently gone.
func (e *Engine) watchBus(ctx context.Context) {
	select {
	case <-e.bus.Closed():
		e.transportLost.Store(true)
		e.logger.Error("bus closed permanently, stopping in-flight jobs")
		sctx, cancel := context.WithTimeout(context.Background(), e.opts.GracePeriod+5*time.Second)
		defer cancel()
		if err := e.Shutdown(sctx); err != nil {
			e.logger.Error("shutdown after transport loss incomplete", "error", err)
		}
	case <-ctx.Done():
	}
}

func (e *Engine) onEnvelope(ctx context.Context, msg bus.Message) {
	env, err := protocol.DecodeEnvelope(msg.Data)
	if err != nil {
		e.logger.Warn("discarding malformed envelope", "subject", msg.Subject, "error", err)
		return
	}
	if env.TargetID != e.opts.TargetID {
		e.logger.Warn("discarding envelope for another target", "job_id", env.ID, "envelope_target", env.TargetID)
		return
	}
	e.Handle(ctx, env, msg.Subject)
}

func (e *Engine) onControl(_ context.Context, msg bus.Message) {
	ctl, err := protocol.DecodeControl(msg.Data)
	if err != nil {
		e.logger.Warn("discarding malformed control message", "subject", msg.Subject, "error", err)
		return
	}
	if !e.Stop(ctl.JobID) {
		e.logger.Debug("stop request for job not in flight", "job_id", ctl.JobID)
	}
}

// Handle accepts one envelope. source is recorded as the job's origin on
// this side of the bus. It never blocks on the subprocess.
func (e *Engine) Handle(ctx context.Context, env *protocol.Envelope, source string) {
	logger := log.WithJob(env.ID).With("target_id", e.opts.TargetID)

	if err := bus.ValidateID(env.ID); err != nil {
		logger.Warn("discarding envelope with unusable id", "error", err)
		return
	}

	j, err := e.registry.Create(ctx, env.Spec(source))
	if errors.Is(err, job.ErrDuplicate) {
		logger.Info("duplicate envelope ignored")
		return
	}
	if err != nil {
		logger.Error("failed to register job", "error", err)
		return
	}

	if !e.opts.Allowlist.Permits(j.Command) {
		logger.Warn("command not allowed", "command", j.Command[0])
		e.reject(j, job.ReasonNotAllowed)
		return
	}

	e.mu.Lock()
	if e.stopping || len(e.inflight) >= e.opts.MaxJobs {
		e.mu.Unlock()
		logger.Warn("target busy, rejecting job", "max_jobs", e.opts.MaxJobs)
		e.reject(j, job.ReasonTargetBusy)
		return
	}
	rj := &runningJob{ctl: newProcControl()}
	e.inflight[j.ID] = rj
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(j, rj, logger)
}

// Stop requests termination of an in-flight job. It reports whether the
// request was recorded; a job that is already terminating keeps its cause.
func (e *Engine) Stop(jobID string) bool {
	e.mu.Lock()
	rj, ok := e.inflight[jobID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return rj.ctl.request(causeStop)
}

// InFlight returns the number of jobs currently supervised.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Shutdown unsubscribes, force-kills every in-flight job and waits for their
// done events to be published or for ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.stopping = true
	subs := e.subs
	e.subs = nil
	jobs := make([]*runningJob, 0, len(e.inflight))
	for _, rj := range e.inflight {
		jobs = append(jobs, rj)
	}
	e.mu.Unlock()

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			e.logger.Debug("unsubscribe failed", "error", err)
		}
	}
	for _, rj := range jobs {
		rj.ctl.request(causeShutdown)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(j *job.Job, rj *runningJob, logger *slog.Logger) {
	defer e.wg.Done()
	defer e.forget(j.ID)

	// A stop or shutdown may land before the process exists.
	if _, cause := rj.ctl.snapshot(); cause != causeNone {
		rj.ctl.terminated()
		status, upd := e.outcome(j, cause, exitResult{})
		e.finish(j, status, upd, job.Offsets{}, logger)
		return
	}

	stdout := stream.New(job.Stdout, e.opts.Stream, e.chunkPublisher(j, logger))
	stderr := stream.New(job.Stderr, e.opts.Stream, e.chunkPublisher(j, logger))

	proc, err := e.spawner.Spawn(context.Background(), SpawnRequest{
		Argv: j.Command,
		Dir:  j.WorkingDir,
		Env:  e.environ(j.Env),
	})
	if err != nil {
		serr := job.SpawnFailure(j.ID, err)
		logger.Error("failed to spawn process", "error", serr)
		rj.ctl.terminated()
		e.finish(j, job.StatusFailed, job.Update{Reason: err.Error()}, job.Offsets{}, logger)
		return
	}

	if _, err := e.registry.Transition(context.Background(), j.ID, job.StatusRunning, job.Update{PID: proc.PID()}); err != nil {
		logger.Error("failed to mark job running", "error", err)
	}
	e.metrics.RecordJobStarted(context.Background(), observability.RoleRunner, j.TargetID)
	logger.Info("job started", "pid", proc.PID(), "command", j.Command, "timeout", j.Timeout)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		if err := stdout.Consume(proc.Stdout()); err != nil {
			logger.Warn("stdout read failed", "error", err)
		}
	}()
	go func() {
		defer readers.Done()
		if err := stderr.Consume(proc.Stderr()); err != nil {
			logger.Warn("stderr read failed", "error", err)
		}
	}()

	exited := make(chan exitResult, 1)
	go func() {
		readers.Wait()
		code, err := proc.Wait()
		exited <- exitResult{code: code, err: err}
	}()

	res := e.supervise(j, rj, proc, exited, logger)
	cause := rj.ctl.terminated()

	chunks := job.Offsets{Stdout: stdout.Seq(), Stderr: stderr.Seq()}
	status, upd := e.outcome(j, cause, res)
	e.finish(j, status, upd, chunks, logger)
}

// supervise enforces timeout and stop requests until the process exits.
func (e *Engine) supervise(j *job.Job, rj *runningJob, proc Process, exited <-chan exitResult, logger *slog.Logger) exitResult {
	var timeoutC <-chan time.Time
	if j.Timeout > 0 {
		timer := time.NewTimer(j.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var (
		grace  *time.Timer
		graceC <-chan time.Time
	)
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	for {
		select {
		case <-timeoutC:
			timeoutC = nil
			if rj.ctl.request(causeTimeout) {
				logger.Warn("job execution timed out", "timeout", j.Timeout)
			}

		case <-rj.ctl.wake:
			cause, ok := rj.ctl.beginTerminating()
			if !ok {
				continue
			}
			if cause == causeShutdown {
				logger.Warn("force-killing job on shutdown")
				if err := proc.Signal(syscall.SIGKILL); err != nil {
					logger.Error("failed to send SIGKILL", "error", err)
				}
				continue
			}
			logger.Info("terminating job, sending SIGTERM", "cause", cause.String())
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				logger.Error("failed to send SIGTERM", "error", err)
			}
			grace = time.NewTimer(e.opts.GracePeriod)
			graceC = grace.C

		case <-graceC:
			graceC = nil
			logger.Warn("job did not exit after SIGTERM, sending SIGKILL", "grace", e.opts.GracePeriod)
			if err := proc.Signal(syscall.SIGKILL); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}

		case res := <-exited:
			return res
		}
	}
}

// outcome maps the termination cause and exit result to a terminal status.
func (e *Engine) outcome(j *job.Job, cause termCause, res exitResult) (job.Status, job.Update) {
	var code *int
	if res.err == nil {
		code = job.IntPtr(res.code)
	}

	switch cause {
	case causeTimeout:
		return job.StatusTimedOut, job.Update{ExitCode: code, Reason: fmt.Sprintf("timed out after %s", j.Timeout)}
	case causeStop:
		return job.StatusStopped, job.Update{ExitCode: code, Reason: "stopped by request"}
	case causeShutdown:
		if e.transportLost.Load() {
			return job.StatusFailed, job.Update{ExitCode: code, Reason: job.ReasonTransportLost}
		}
		return job.StatusStopped, job.Update{ExitCode: code, Reason: "runner shutdown"}
	}

	switch {
	case res.err != nil:
		return job.StatusFailed, job.Update{Reason: res.err.Error()}
	case res.code == 0:
		return job.StatusDone, job.Update{ExitCode: code}
	default:
		return job.StatusFailed, job.Update{ExitCode: code, Reason: fmt.Sprintf("exit code %d", res.code)}
	}
}

func (e *Engine) finish(j *job.Job, status job.Status, upd job.Update, chunks job.Offsets, logger *slog.Logger) {
	final, err := e.registry.Transition(context.Background(), j.ID, status, upd)
	if err != nil {
		logger.Error("failed to record terminal status", "status", status, "error", err)
		return
	}

	e.publishDone(final, chunks, logger)

	if final.StartedAt != nil {
		e.metrics.RecordJobFinished(context.Background(), observability.RoleRunner, final.TargetID, string(final.Status), final.Duration().Seconds())
	}
	logger.Info("job finished",
		"status", final.Status,
		"exit_code", final.ExitCode,
		"reason", final.Reason,
		"stdout_chunks", chunks.Stdout,
		"stderr_chunks", chunks.Stderr,
	)
}

func (e *Engine) reject(j *job.Job, reason string) {
	logger := log.WithJob(j.ID).With("target_id", e.opts.TargetID)
	e.metrics.RecordJobRejected(context.Background(), j.TargetID, reason)
	final, err := e.registry.Transition(context.Background(), j.ID, job.StatusRejected, job.Update{Reason: reason})
	if err != nil {
		logger.Error("failed to record rejection", "error", err)
		return
	}
	e.publishDone(final, job.Offsets{}, logger)
}

func (e *Engine) publishDone(j *job.Job, chunks job.Offsets, logger *slog.Logger) {
	subject, err := bus.DoneSubject(j.TargetID, j.ID)
	if err != nil {
		logger.Error("cannot build done subject", "error", err)
		return
	}
	data, err := protocol.Encode(protocol.DoneFor(j, chunks))
	if err != nil {
		logger.Error("failed to encode done event", "error", err)
		return
	}
	if err := e.bus.Publish(context.Background(), subject, data); err != nil {
		logger.Error("failed to publish done event", "status", j.Status, "error", err)
	}
}

func (e *Engine) chunkPublisher(j *job.Job, logger *slog.Logger) stream.FlushFunc {
	subject, subjErr := bus.LogsSubject(j.TargetID, j.ID)
	return func(s job.Stream, seq int64, text string) {
		if subjErr != nil {
			return
		}
		data, err := protocol.Encode(&protocol.Chunk{
			JobID:    j.ID,
			TargetID: j.TargetID,
			Stream:   s,
			Sequence: seq,
			Text:     text,
		})
		if err != nil {
			logger.Error("failed to encode chunk", "stream", s, "sequence", seq, "error", err)
			return
		}
		if err := e.bus.Publish(context.Background(), subject, data); err != nil {
			logger.Warn("failed to publish chunk", "stream", s, "sequence", seq, "error", err)
		}
	}
}

// environ merges the parent environment, the envelope environment and the
// target secrets, later sources winning.
func (e *Engine) environ(env map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range env {
		merged[k] = v
	}
	for k, v := range e.opts.Secrets {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
	e.registry.Prune(time.Now().Add(-e.opts.Retention))
}

package job

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/herald/internal/log"
)

// Registry is the authoritative view of job state for one side of the bus.
// Transitions for a single job are serialized; different jobs proceed in
// parallel. When a Store is configured every change is written through.
type Registry struct {
	store  Store
	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*entry
}

type entry struct {
	mu  sync.Mutex
	job *Job
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore enables write-through persistence.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides uuid-based id generation.
func WithIDGenerator(f func() string) Option {
	return func(r *Registry) { r.newID = f }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		now:    time.Now,
		newID:  uuid.NewString,
		logger: log.WithComponent("registry"),
		jobs:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new job in Queued.
func (r *Registry) Create(ctx context.Context, spec Spec) (*Job, error) {
	if spec.TargetID == "" {
		return nil, fmt.Errorf("target id is empty")
	}
	if spec.OriginID == "" {
		return nil, fmt.Errorf("origin id is empty")
	}
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return nil, fmt.Errorf("command is empty")
	}

	id := spec.ID
	if id == "" {
		id = r.newID()
	}
	j := &Job{
		ID:         id,
		TargetID:   spec.TargetID,
		OriginID:   spec.OriginID,
		Command:    append([]string(nil), spec.Command...),
		WorkingDir: spec.WorkingDir,
		Timeout:    spec.Timeout,
		Status:     StatusQueued,
		CreatedAt:  r.now().UTC(),
	}
	if len(spec.Env) > 0 {
		j.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			j.Env[k] = v
		}
	}

	e := &entry{job: j}
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if _, exists := r.jobs[id]; exists {
		r.mu.Unlock()
		return nil, Duplicate(id)
	}
	r.jobs[id] = e
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Save(ctx, j, ""); err != nil {
			r.mu.Lock()
			delete(r.jobs, id)
			r.mu.Unlock()
			return nil, fmt.Errorf("persist job: %w", err)
		}
	}
	return j.Clone(), nil
}

// Transition moves a job to status to, applying upd. Illegal edges return
// ErrInvalidTransition and leave the job unchanged.
func (r *Registry) Transition(ctx context.Context, id string, to Status, upd Update) (*Job, error) {
	e, err := r.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.job.Status
	if !CanTransition(from, to) {
		return nil, InvalidTransition(id, from, to)
	}

	at := upd.At
	if at.IsZero() {
		at = r.now()
	}
	at = at.UTC()

	next := e.job.Clone()
	next.Status = to
	if upd.PID > 0 {
		next.PID = upd.PID
	}
	if to == StatusRunning {
		next.StartedAt = &at
	}
	if IsTerminal(to) {
		next.FinishedAt = &at
		next.ExitCode = upd.ExitCode
		next.Reason = upd.Reason
	}

	if r.store != nil {
		if err := r.store.Save(ctx, next, from); err != nil {
			return nil, fmt.Errorf("persist transition: %w", err)
		}
	}
	e.job = next
	return next.Clone(), nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(ctx context.Context, id string) (*Job, error) {
	e, err := r.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// ListByTarget returns jobs for a target, newest first. limit <= 0 means all.
func (r *Registry) ListByTarget(ctx context.Context, targetID string, limit int) ([]*Job, error) {
	if r.store != nil {
		return r.store.ListByTarget(ctx, targetID, limit)
	}
	return r.filter(func(j *Job) bool { return j.TargetID == targetID }, limit), nil
}

// ListByOrigin returns jobs submitted by an origin, newest first.
func (r *Registry) ListByOrigin(ctx context.Context, originID string, limit int) ([]*Job, error) {
	if r.store != nil {
		return r.store.ListByOrigin(ctx, originID, limit)
	}
	return r.filter(func(j *Job) bool { return j.OriginID == originID }, limit), nil
}

// Active returns every non-terminal job held in memory.
func (r *Registry) Active() []*Job {
	return r.filter(func(j *Job) bool { return !IsTerminal(j.Status) }, 0)
}

// CountActive counts non-terminal jobs for an origin.
func (r *Registry) CountActive(originID string) int {
	return len(r.filter(func(j *Job) bool {
		return j.OriginID == originID && !IsTerminal(j.Status)
	}, 0))
}

// AdvanceOffset records delivery of chunk seq on stream. It returns the
// previous offset and whether the chunk is new. Chunks at or below the
// current offset, and chunks for terminal jobs, are not applied.
func (r *Registry) AdvanceOffset(ctx context.Context, id string, stream Stream, seq int64) (int64, bool, error) {
	e, err := r.lookup(ctx, id)
	if err != nil {
		return 0, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.job.Offsets.For(stream)
	if IsTerminal(e.job.Status) || seq <= prev {
		return prev, false, nil
	}

	off := e.job.Offsets
	off.set(stream, seq)
	if r.store != nil {
		if err := r.store.SaveOffsets(ctx, id, off); err != nil {
			return prev, false, fmt.Errorf("persist offsets: %w", err)
		}
	}
	e.job.Offsets = off
	return prev, true, nil
}

// Prune drops terminal jobs that finished before cutoff from memory.
// Persisted rows are untouched.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.RLock()
	snapshot := make(map[string]*entry, len(r.jobs))
	for id, e := range r.jobs {
		snapshot[id] = e
	}
	r.mu.RUnlock()

	var drop []string
	for id, e := range snapshot {
		e.mu.Lock()
		if IsTerminal(e.job.Status) && e.job.FinishedAt != nil && e.job.FinishedAt.Before(cutoff) {
			drop = append(drop, id)
		}
		e.mu.Unlock()
	}

	r.mu.Lock()
	for _, id := range drop {
		delete(r.jobs, id)
	}
	r.mu.Unlock()
	return len(drop)
}

func (r *Registry) lookup(ctx context.Context, id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}
	if r.store == nil {
		return nil, NotFound(id)
	}

	j, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.adopt(j), nil
}

// adopt caches a persisted job, keeping any entry that raced in first.
func (r *Registry) adopt(j *Job) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[j.ID]; ok {
		return e
	}
	e := &entry{job: j}
	r.jobs[j.ID] = e
	return e
}

func (r *Registry) filter(keep func(*Job) bool, limit int) []*Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var out []*Job
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.job) {
			out = append(out, e.job.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

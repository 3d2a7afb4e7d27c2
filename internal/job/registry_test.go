package job

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	n := 0
	var mu sync.Mutex
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return NewRegistry(
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("job-%d", n)
		}),
		WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			base = base.Add(time.Second)
			return base
		}),
	)
}

func testSpec() Spec {
	return Spec{TargetID: "dev", OriginID: "chat-1", Command: []string{"echo", "hello"}, Timeout: time.Minute}
}

func TestRegistryCreate(t *testing.T) {
	r := newTestRegistry(t)
	j, err := r.Create(context.Background(), testSpec())
	require.NoError(t, err)

	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, []string{"echo", "hello"}, j.Command)
	assert.False(t, j.CreatedAt.IsZero())
	assert.Nil(t, j.StartedAt)
	assert.Nil(t, j.FinishedAt)
}

func TestRegistryCreateValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, Spec{OriginID: "o", Command: []string{"ls"}})
	assert.Error(t, err)
	_, err = r.Create(ctx, Spec{TargetID: "t", Command: []string{"ls"}})
	assert.Error(t, err)
	_, err = r.Create(ctx, Spec{TargetID: "t", OriginID: "o"})
	assert.Error(t, err)
}

func TestRegistryCreateDuplicateID(t *testing.T) {
	r := newTestRegistry(t)
	spec := testSpec()
	spec.ID = "fixed"

	_, err := r.Create(context.Background(), spec)
	require.NoError(t, err)
	_, err = r.Create(context.Background(), spec)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestRegistryLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	j, err := r.Create(ctx, testSpec())
	require.NoError(t, err)

	running, err := r.Transition(ctx, j.ID, StatusRunning, Update{PID: 4242})
	require.NoError(t, err)
	assert.Equal(t, 4242, running.PID)
	require.NotNil(t, running.StartedAt)

	done, err := r.Transition(ctx, j.ID, StatusDone, Update{ExitCode: IntPtr(0)})
	require.NoError(t, err)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	require.NotNil(t, done.FinishedAt)
	assert.True(t, done.FinishedAt.After(*done.StartedAt))
	assert.Equal(t, 4242, done.PID)

	_, err = r.Transition(ctx, j.ID, StatusFailed, Update{Reason: "late"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := r.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Empty(t, got.Reason)
}

func TestRegistryRejectFromQueued(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	j, err := r.Create(ctx, testSpec())
	require.NoError(t, err)

	rej, err := r.Transition(ctx, j.ID, StatusRejected, Update{Reason: ReasonNotAllowed})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotAllowed, rej.Reason)
	assert.Nil(t, rej.StartedAt)
	assert.NotNil(t, rej.FinishedAt)
}

func TestRegistryTransitionUnknownJob(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Transition(context.Background(), "missing", StatusRunning, Update{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryConcurrentTerminalTransitions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	j, err := r.Create(ctx, testSpec())
	require.NoError(t, err)
	_, err = r.Transition(ctx, j.ID, StatusRunning, Update{})
	require.NoError(t, err)

	targets := []Status{StatusDone, StatusFailed, StatusTimedOut, StatusStopped}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []Status
		losers  int
	)
	for i := 0; i < 40; i++ {
		to := targets[i%len(targets)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Transition(ctx, j.ID, to, Update{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, to)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidTransition)
			losers++
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, 39, losers)

	got, err := r.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.Status)
}

func TestRegistryAdvanceOffset(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	j, err := r.Create(ctx, testSpec())
	require.NoError(t, err)

	prev, ok, err := r.AdvanceOffset(ctx, j.ID, Stdout, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), prev)

	_, ok, err = r.AdvanceOffset(ctx, j.ID, Stdout, 1)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate sequence must not apply")

	prev, ok, err = r.AdvanceOffset(ctx, j.ID, Stdout, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), prev, "caller sees the gap")

	_, ok, err = r.AdvanceOffset(ctx, j.ID, Stderr, 1)
	require.NoError(t, err)
	assert.True(t, ok, "streams are sequenced independently")

	got, err := r.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, Offsets{Stdout: 3, Stderr: 1}, got.Offsets)
	assert.Equal(t, int64(4), got.Offsets.Total())

	_, err = r.Transition(ctx, j.ID, StatusFailed, Update{Reason: "x"})
	require.NoError(t, err)
	_, ok, err = r.AdvanceOffset(ctx, j.ID, Stdout, 4)
	require.NoError(t, err)
	assert.False(t, ok, "no output after terminal")
}

func TestRegistryListAndCount(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, _ := r.Create(ctx, Spec{TargetID: "dev", OriginID: "o1", Command: []string{"ls"}})
	b, _ := r.Create(ctx, Spec{TargetID: "dev", OriginID: "o2", Command: []string{"ls"}})
	c, _ := r.Create(ctx, Spec{TargetID: "prod", OriginID: "o1", Command: []string{"ls"}})
	_, err := r.Transition(ctx, c.ID, StatusRejected, Update{Reason: "x"})
	require.NoError(t, err)

	dev, err := r.ListByTarget(ctx, "dev", 0)
	require.NoError(t, err)
	require.Len(t, dev, 2)
	assert.Equal(t, b.ID, dev[0].ID, "newest first")
	assert.Equal(t, a.ID, dev[1].ID)

	limited, err := r.ListByTarget(ctx, "dev", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	o1, err := r.ListByOrigin(ctx, "o1", 0)
	require.NoError(t, err)
	assert.Len(t, o1, 2)

	assert.Equal(t, 1, r.CountActive("o1"))
	assert.Equal(t, 1, r.CountActive("o2"))
	assert.Len(t, r.Active(), 2)
}

func TestRegistrySnapshotsAreCopies(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	j, err := r.Create(ctx, testSpec())
	require.NoError(t, err)

	j.Command[0] = "rm"
	got, err := r.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Command[0])
}

func TestRegistryPrune(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	j, err := r.Create(ctx, testSpec())
	require.NoError(t, err)
	live, err := r.Create(ctx, testSpec())
	require.NoError(t, err)
	_, err = r.Transition(ctx, j.ID, StatusStopped, Update{})
	require.NoError(t, err)

	assert.Equal(t, 1, r.Prune(time.Now().Add(time.Hour*24*365*10)))
	_, err = r.Get(ctx, j.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(ctx, live.ID)
	assert.NoError(t, err)
}

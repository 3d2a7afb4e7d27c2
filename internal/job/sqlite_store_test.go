package job

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/herald/internal/storage"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "herald.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteStore(db)
}

func TestSQLiteStoreWriteThrough(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	r := NewRegistry(WithStore(store))

	spec := testSpec()
	spec.Env = map[string]string{"FOO": "bar"}
	spec.WorkingDir = "/tmp"
	j, err := r.Create(ctx, spec)
	require.NoError(t, err)
	_, err = r.Transition(ctx, j.ID, StatusRunning, Update{PID: 99})
	require.NoError(t, err)
	_, _, err = r.AdvanceOffset(ctx, j.ID, Stdout, 2)
	require.NoError(t, err)
	_, err = r.Transition(ctx, j.ID, StatusDone, Update{ExitCode: IntPtr(0)})
	require.NoError(t, err)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, []string{"echo", "hello"}, got.Command)
	assert.Equal(t, map[string]string{"FOO": "bar"}, got.Env)
	assert.Equal(t, "/tmp", got.WorkingDir)
	assert.Equal(t, time.Minute, got.Timeout)
	assert.Equal(t, 99, got.PID)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, int64(2), got.Offsets.Stdout)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	path, err := store.Transitions(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusQueued, StatusRunning, StatusDone}, path)
}

func TestSQLiteStoreGetMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.SaveOffsets(context.Background(), "nope", Offsets{Stdout: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreFindByStatusAndLists(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	r := NewRegistry(WithStore(store))

	a, err := r.Create(ctx, Spec{TargetID: "dev", OriginID: "o1", Command: []string{"ls"}})
	require.NoError(t, err)
	b, err := r.Create(ctx, Spec{TargetID: "dev", OriginID: "o2", Command: []string{"ls"}})
	require.NoError(t, err)
	_, err = r.Transition(ctx, b.ID, StatusRunning, Update{})
	require.NoError(t, err)
	c, err := r.Create(ctx, Spec{TargetID: "prod", OriginID: "o1", Command: []string{"ls"}})
	require.NoError(t, err)
	_, err = r.Transition(ctx, c.ID, StatusRejected, Update{Reason: ReasonNotAllowed})
	require.NoError(t, err)

	active, err := store.FindByStatus(ctx, []Status{StatusQueued, StatusRunning})
	require.NoError(t, err)
	ids := []string{}
	for _, j := range active {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	dev, err := r.ListByTarget(ctx, "dev", 10)
	require.NoError(t, err)
	assert.Len(t, dev, 2)

	o1, err := r.ListByOrigin(ctx, "o1", 1)
	require.NoError(t, err)
	assert.Len(t, o1, 1)

	none, err := store.FindByStatus(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	recent, err := store.ListRecent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
	all, err := store.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRegistryLoadsFromStoreOnMiss(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := NewRegistry(WithStore(store))
	j, err := first.Create(ctx, testSpec())
	require.NoError(t, err)

	second := NewRegistry(WithStore(store))
	got, err := second.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)

	_, err = second.Transition(ctx, j.ID, StatusRunning, Update{})
	assert.NoError(t, err)
}

func TestReconcileAgainstSQLite(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	before := NewRegistry(WithStore(store))
	queued, err := before.Create(ctx, testSpec())
	require.NoError(t, err)
	running, err := before.Create(ctx, testSpec())
	require.NoError(t, err)
	_, err = before.Transition(ctx, running.ID, StatusRunning, Update{})
	require.NoError(t, err)
	finished, err := before.Create(ctx, testSpec())
	require.NoError(t, err)
	_, err = before.Transition(ctx, finished.ID, StatusRejected, Update{Reason: ReasonNotAllowed})
	require.NoError(t, err)

	after := NewRegistry(WithStore(store))
	n, err := after.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{queued.ID, running.ID} {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, ReasonOrphaned, got.Reason)
	}
	got, err := store.Get(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, 0, after.CountActive("chat-1"))
}

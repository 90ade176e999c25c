package pending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	actions map[string]Action
}

func newMemStore() *memStore {
	return &memStore{actions: make(map[string]Action)}
}

func (m *memStore) PutAction(ctx context.Context, a Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a.ID] = a
	return nil
}

func (m *memStore) GetAction(ctx context.Context, id string) (*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actions[id]; ok {
		cp := a
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) ListActions(ctx context.Context) ([]Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Action, 0, len(m.actions))
	for _, a := range m.actions {
		out = append(out, a)
	}
	return out, nil
}

// recorder counts executor invocations and signals on first call.
type recorder struct {
	mu    sync.Mutex
	count int
	done  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) exec(ctx context.Context, a Action) error {
	r.mu.Lock()
	r.count++
	if r.count == 1 {
		close(r.done)
	}
	r.mu.Unlock()
	return nil
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduler")
	}
}

func waitForState(t *testing.T, store *memStore, id string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a, _ := store.GetAction(context.Background(), id)
		if a != nil && a.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("action %s never reached state %s", id, want)
}

func TestScheduleAndFire(t *testing.T) {
	store := newMemStore()
	rec := newRecorder()
	s := NewScheduler(store, rec.exec, nil)
	defer s.Close()

	a, err := s.Schedule(context.Background(), Action{
		DomainID:   "d1",
		IdentityID: "user-1",
		FireAt:     time.Now().Add(20 * time.Millisecond),
	})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	assert.Equal(t, StateScheduled, a.State)

	waitFor(t, rec.done)
	waitForState(t, store, a.ID, StateFired)
	assert.Equal(t, 1, rec.calls())
}

func TestCancelBeforeFire(t *testing.T) {
	store := newMemStore()
	rec := newRecorder()
	s := NewScheduler(store, rec.exec, nil)
	defer s.Close()

	a, err := s.Schedule(context.Background(), Action{
		IdentityID: "user-1",
		FireAt:     time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	cancelled, err := s.Cancel(context.Background(), a.ID, "mod-1", "false positive")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.Equal(t, "mod-1", cancelled.ResolvedBy)

	// Resolution is terminal: a second cancel loses.
	_, err = s.Cancel(context.Background(), a.ID, "mod-2", "")
	assert.ErrorIs(t, err, ErrNotPending)
	assert.Zero(t, rec.calls())
}

func TestCancelAfterFireLoses(t *testing.T) {
	store := newMemStore()
	rec := newRecorder()
	s := NewScheduler(store, rec.exec, nil)
	defer s.Close()

	a, err := s.Schedule(context.Background(), Action{
		IdentityID: "user-1",
		FireAt:     time.Now().Add(10 * time.Millisecond),
	})
	require.NoError(t, err)

	waitFor(t, rec.done)
	waitForState(t, store, a.ID, StateFired)

	_, err = s.Cancel(context.Background(), a.ID, "mod-1", "too late")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestCancelDuringFireLoses(t *testing.T) {
	store := newMemStore()
	started := make(chan struct{})
	release := make(chan struct{})
	exec := func(ctx context.Context, a Action) error {
		close(started)
		<-release
		return nil
	}
	s := NewScheduler(store, exec, nil)
	defer s.Close()

	a, err := s.Schedule(context.Background(), Action{
		IdentityID: "user-1",
		FireAt:     time.Now().Add(10 * time.Millisecond),
	})
	require.NoError(t, err)

	// The executor is mid-flight: the block is being applied right now,
	// so a cancel arriving here must lose, not report success.
	waitFor(t, started)
	_, err = s.Cancel(context.Background(), a.ID, "mod-1", "too late")
	assert.ErrorIs(t, err, ErrNotPending)

	close(release)
	waitForState(t, store, a.ID, StateFired)

	got, _ := store.GetAction(context.Background(), a.ID)
	assert.Empty(t, got.ResolvedBy)
}

func TestRevalidationCancels(t *testing.T) {
	store := newMemStore()
	rec := newRecorder()
	revalidate := func(ctx context.Context, a Action) (bool, string, error) {
		return false, "member left", nil
	}
	s := NewScheduler(store, rec.exec, revalidate)
	defer s.Close()

	a, err := s.Schedule(context.Background(), Action{
		IdentityID: "user-1",
		FireAt:     time.Now().Add(10 * time.Millisecond),
	})
	require.NoError(t, err)

	waitForState(t, store, a.ID, StateCancelled)
	got, _ := store.GetAction(context.Background(), a.ID)
	assert.Equal(t, "member left", got.Note)
	assert.Zero(t, rec.calls())
}

func TestRestoreOrphansPastDue(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.PutAction(context.Background(), Action{
		ID:         "stale",
		IdentityID: "user-1",
		State:      StateScheduled,
		FireAt:     time.Now().Add(-time.Hour),
	}))
	require.NoError(t, store.PutAction(context.Background(), Action{
		ID:         "future",
		IdentityID: "user-2",
		State:      StateScheduled,
		FireAt:     time.Now().Add(time.Hour),
	}))
	require.NoError(t, store.PutAction(context.Background(), Action{
		ID:    "done",
		State: StateFired,
	}))

	rec := newRecorder()
	s := NewScheduler(store, rec.exec, nil)
	defer s.Close()

	require.NoError(t, s.Restore(context.Background()))

	stale, _ := store.GetAction(context.Background(), "stale")
	assert.Equal(t, StateOrphaned, stale.State)
	assert.Zero(t, rec.calls())

	future, _ := store.GetAction(context.Background(), "future")
	assert.Equal(t, StateScheduled, future.State)

	scheduled, err := s.ListScheduled(context.Background())
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, "future", scheduled[0].ID)
}

func TestBindAlert(t *testing.T) {
	store := newMemStore()
	s := NewScheduler(store, newRecorder().exec, nil)
	defer s.Close()

	a, err := s.Schedule(context.Background(), Action{
		IdentityID: "user-1",
		FireAt:     time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, s.BindAlert(context.Background(), a.ID, "alert-42"))
	got, _ := s.Get(context.Background(), a.ID)
	assert.Equal(t, "alert-42", got.AlertRef)

	assert.ErrorIs(t, s.BindAlert(context.Background(), "missing", "x"), ErrNotPending)
}

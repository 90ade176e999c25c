package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedwatch/internal/federation"
)

func newTestArchive(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func entry(kind, identityID string, createdAt time.Time) federation.HistoryEntry {
	return federation.HistoryEntry{
		Kind:           kind,
		IdentityID:     identityID,
		OriginDomainID: "d1",
		ActorID:        "mod-1",
		Reason:         "spam",
		Applied:        2,
		CreatedAt:      createdAt,
	}
}

func TestRecordAndListActions(t *testing.T) {
	store := newTestArchive(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.RecordAction(ctx, entry("block", "u1", now.Add(-time.Hour))))
	require.NoError(t, store.RecordAction(ctx, entry("block", "u2", now.Add(-time.Minute))))
	require.NoError(t, store.RecordAction(ctx, entry("unblock", "u1", now)))

	entries, err := store.ListActions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "unblock", entries[0].Kind)
	assert.Equal(t, "u1", entries[0].IdentityID)
	assert.Equal(t, "u2", entries[1].IdentityID)
	assert.Equal(t, now, entries[0].CreatedAt)
	assert.Equal(t, 2, entries[0].Applied)
}

func TestActionsForIdentity(t *testing.T) {
	store := newTestArchive(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.RecordAction(ctx, entry("block", "u1", now.Add(-time.Hour))))
	require.NoError(t, store.RecordAction(ctx, entry("block", "u2", now)))
	require.NoError(t, store.RecordAction(ctx, entry("unblock", "u1", now)))

	entries, err := store.ActionsFor(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "unblock", entries[0].Kind)
	assert.Equal(t, "block", entries[1].Kind)

	entries, err = store.ActionsFor(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListActionsDefaultLimit(t *testing.T) {
	store := newTestArchive(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		require.NoError(t, store.RecordAction(ctx, entry("block", "u", time.Now().UTC())))
	}

	entries, err := store.ListActions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 50)
}

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wardnb/autonomous-dev-team/core"
	"github.com/wardnb/autonomous-dev-team/storage"
)

func newTestSession(id string, status core.Status) *core.FixSession {
	return &core.FixSession{
		ID:        id,
		Issue:     core.Issue{ID: "iss-1", Title: "t", Severity: core.SeverityMedium, Category: core.CategoryBug},
		Status:    status,
		StartedAt: time.Now().UTC(),
	}
}

func TestInMemoryStoreSaveGet(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	sess := newTestSession("sess-1", core.StatusQueued)
	require.NoError(t, store.Save(ctx, sess))

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, core.StatusQueued, got.Status)

	// mutating the retrieved copy must not affect the stored snapshot
	got.Status = core.StatusFailed
	reread, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, core.StatusQueued, reread.Status)
}

func TestInMemoryStoreListByStatus(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, newTestSession("a", core.StatusQueued)))
	require.NoError(t, store.Save(ctx, newTestSession("b", core.StatusAnalyzing)))
	require.NoError(t, store.Save(ctx, newTestSession("c", core.StatusQueued)))

	queued, err := store.ListByStatus(ctx, core.StatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 2)
}

func TestInMemoryStoreGetMissing(t *testing.T) {
	store := NewInMemoryStore()
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestSQLStoreRoundTrip(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db)
	ctx := context.Background()

	sess := newTestSession("sess-sql-1", core.StatusQueued)
	require.NoError(t, store.Save(ctx, sess))

	got, err := store.Get(ctx, "sess-sql-1")
	require.NoError(t, err)
	require.Equal(t, sess.Issue.Title, got.Issue.Title)

	// overwrite on re-save (same id)
	sess.Status = core.StatusAnalyzing
	require.NoError(t, store.Save(ctx, sess))
	got, err = store.Get(ctx, "sess-sql-1")
	require.NoError(t, err)
	require.Equal(t, core.StatusAnalyzing, got.Status)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestSQLStoreListByStatus(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, newTestSession("x", core.StatusFailed)))
	require.NoError(t, store.Save(ctx, newTestSession("y", core.StatusBlocked)))

	failed, err := store.ListByStatus(ctx, core.StatusFailed, core.StatusBlocked)
	require.NoError(t, err)
	require.Len(t, failed, 2)
}

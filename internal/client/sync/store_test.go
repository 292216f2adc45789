package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *MetadataStore {
	t.Helper()
	p, err := NewSqlitePersistence(":memory:")
	require.NoError(t, err)
	store, err := NewMetadataStore(p)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		p.Close()
	})
	return store
}

func ackRecord(t *testing.T, store *MetadataStore, path, id string, version int64) *DocumentRecord {
	t.Helper()
	h := NewPendingUpdate()
	rec, err := store.CreatePending(id, path, h)
	require.NoError(t, err)
	store.UpdateMetadata(rec, DocumentMetadata{
		ParentVersionID:    version,
		ContentHash:        HashContent([]byte(path)),
		RemoteRelativePath: path,
	})
	store.RemovePending(h)
	return rec
}

func TestCreatePendingRejectsLivePath(t *testing.T) {
	store := newTestStore(t)

	ackRecord(t, store, "a.md", "doc-1", 1)

	_, err := store.CreatePending("doc-2", "a.md", NewPendingUpdate())
	assert.Error(t, err)
}

func TestCreatePendingAfterDeleteRaisesParallelVersion(t *testing.T) {
	store := newTestStore(t)

	first := ackRecord(t, store, "a.md", "doc-1", 1)
	store.Delete("a.md")
	assert.True(t, store.IsRecordDeleted(first))

	h := NewPendingUpdate()
	second, err := store.CreatePending("doc-2", "a.md", h)
	require.NoError(t, err)
	defer store.RemovePending(h)

	assert.Equal(t, first.ParallelVersion+1, second.ParallelVersion)
	assert.Same(t, second, store.GetLatestByPath("a.md"), "newer parallel version wins")
}

func TestDeleteSetsEmptyHash(t *testing.T) {
	store := newTestStore(t)

	rec := ackRecord(t, store, "a.md", "doc-1", 1)
	store.Delete("a.md")

	meta := store.MetadataOf(rec)
	require.NotNil(t, meta)
	assert.Equal(t, EmptyHash, meta.ContentHash)
}

func TestMove(t *testing.T) {
	store := newTestStore(t)

	rec := ackRecord(t, store, "a.md", "doc-1", 1)
	require.NoError(t, store.Move("a.md", "b.md"))

	assert.Nil(t, store.GetLatestByPath("a.md"))
	assert.Same(t, rec, store.GetLatestByPath("b.md"))
}

func TestMoveOntoLivePathFails(t *testing.T) {
	store := newTestStore(t)

	ackRecord(t, store, "a.md", "doc-1", 1)
	ackRecord(t, store, "b.md", "doc-2", 2)

	assert.Error(t, store.Move("a.md", "b.md"))
}

func TestMoveOntoDeletedPathRaisesParallelVersion(t *testing.T) {
	store := newTestStore(t)

	old := ackRecord(t, store, "b.md", "doc-1", 1)
	store.Delete("b.md")

	moved := ackRecord(t, store, "a.md", "doc-2", 2)
	require.NoError(t, store.Move("a.md", "b.md"))

	assert.Greater(t, moved.ParallelVersion, old.ParallelVersion)
	assert.Same(t, moved, store.GetLatestByPath("b.md"))
}

func TestResolveByPathWaitsForPending(t *testing.T) {
	store := newTestStore(t)

	h1 := NewPendingUpdate()
	_, err := store.CreatePending("doc-1", "a.md", h1)
	require.NoError(t, err)

	resolved := make(chan *DocumentRecord, 1)
	go func() {
		h2 := NewPendingUpdate()
		rec, err := store.ResolveByPath(context.Background(), "a.md", h2)
		require.NoError(t, err)
		resolved <- rec
	}()

	select {
	case <-resolved:
		t.Fatal("resolve must wait for the pending handle")
	case <-time.After(50 * time.Millisecond):
	}

	store.RemovePending(h1)

	select {
	case rec := <-resolved:
		assert.Equal(t, "doc-1", rec.DocumentID)
	case <-time.After(time.Second):
		t.Fatal("resolve never completed")
	}
}

func TestResolveByPathCancelled(t *testing.T) {
	store := newTestStore(t)

	h1 := NewPendingUpdate()
	_, err := store.CreatePending("doc-1", "a.md", h1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = store.ResolveByPath(ctx, "a.md", NewPendingUpdate())
	assert.Error(t, err)
}

func TestRemovePendingIdempotent(t *testing.T) {
	store := newTestStore(t)

	h := NewPendingUpdate()
	_, err := store.CreatePending("doc-1", "a.md", h)
	require.NoError(t, err)

	store.RemovePending(h)
	store.RemovePending(h)

	// a handle never attached anywhere is also fine
	store.RemovePending(NewPendingUpdate())
}

func TestPendingRecordsAreNotPersisted(t *testing.T) {
	p, err := NewSqlitePersistence(":memory:")
	require.NoError(t, err)
	defer p.Close()

	store, err := NewMetadataStore(p)
	require.NoError(t, err)

	ackRecord(t, store, "acked.md", "doc-1", 5)

	h := NewPendingUpdate()
	_, err = store.CreatePending("doc-2", "pending.md", h)
	require.NoError(t, err)

	store.AddSeenUpdateID(5)
	store.Close()

	snap, err := p.Load()
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Documents, 1)
	assert.Equal(t, "acked.md", snap.Documents[0].RelativePath)
	assert.Equal(t, int64(5), snap.Documents[0].ParentVersionID)
}

func TestSnapshotRoundTrip(t *testing.T) {
	p, err := NewSqlitePersistence(":memory:")
	require.NoError(t, err)
	defer p.Close()

	store, err := NewMetadataStore(p)
	require.NoError(t, err)
	ackRecord(t, store, "a.md", "doc-1", 3)
	store.SetSeenFloor(3)
	store.SetInitialSyncCompleted()
	store.Close()

	reloaded, err := NewMetadataStore(p)
	require.NoError(t, err)
	defer reloaded.Close()

	assert.Equal(t, int64(3), reloaded.LastSeen())
	assert.True(t, reloaded.HasInitialSyncCompleted())

	rec := reloaded.GetLatestByPath("a.md")
	require.NotNil(t, rec)
	assert.Equal(t, "doc-1", rec.DocumentID)
	meta := reloaded.MetadataOf(rec)
	require.NotNil(t, meta)
	assert.Equal(t, int64(3), meta.ParentVersionID)
}

func TestConsistencyCheckCatchesDuplicateIDs(t *testing.T) {
	store := newTestStore(t)

	ackRecord(t, store, "a.md", "doc-1", 1)
	ackRecord(t, store, "b.md", "doc-1", 2)

	assert.Error(t, store.CheckConsistency())
}

func TestLastSeenMonotone(t *testing.T) {
	store := newTestStore(t)

	values := []int64{3, 1, 2, 7, 5, 4, 6}
	prev := store.LastSeen()
	for _, v := range values {
		store.AddSeenUpdateID(v)
		now := store.LastSeen()
		assert.GreaterOrEqual(t, now, prev)
		prev = now
	}
	assert.Equal(t, int64(7), store.LastSeen())
}

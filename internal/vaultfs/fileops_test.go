package vaultfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schmelczer/reconcile/internal/merge"
)

func newTestOps(t *testing.T) *FileOps {
	t.Helper()
	osfs, err := NewOSFileSystem(t.TempDir())
	require.NoError(t, err)
	return NewFileOps(NewSafeFS(osfs), merge.NewDMP())
}

func TestCreateAndRead(t *testing.T) {
	ops := newTestOps(t)
	ctx := context.Background()

	_, err := ops.Create(ctx, "notes/deep/a.md", []byte("hello\n"))
	require.NoError(t, err)

	content, err := ops.Read(ctx, "notes/deep/a.md")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
}

func TestCreateOnExistingMerges(t *testing.T) {
	ops := newTestOps(t)
	ctx := context.Background()

	_, err := ops.Create(ctx, "a.md", []byte("local line\n"))
	require.NoError(t, err)

	// a second create behaves as an update from empty content, so the
	// existing text survives alongside the new
	result, err := ops.Create(ctx, "a.md", []byte("remote line\n"))
	require.NoError(t, err)
	assert.Contains(t, string(result), "local line")
	assert.Contains(t, string(result), "remote line")
}

func TestReadNormalizesCRLF(t *testing.T) {
	ops := newTestOps(t)
	ctx := context.Background()

	require.NoError(t, ops.FS().Write(ctx, "a.md", []byte("one\r\ntwo\r\n")))

	content, err := ops.Read(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(content))
}

func TestReadBinaryVerbatim(t *testing.T) {
	ops := newTestOps(t)
	ctx := context.Background()

	raw := []byte{0x00, 0x0d, 0x0a, 0xff}
	require.NoError(t, ops.FS().Write(ctx, "blob.bin", raw))

	content, err := ops.Read(ctx, "blob.bin")
	require.NoError(t, err)
	assert.Equal(t, raw, content)
}

func TestWriteCleanSwap(t *testing.T) {
	ops := newTestOps(t)
	ctx := context.Background()

	_, err := ops.Create(ctx, "a.md", []byte("v1"))
	require.NoError(t, err)

	result, err := ops.Write(ctx, "a.md", []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(result))
}

func TestWriteMergesConcurrentEdit(t *testing.T) {
	ops := newTestOps(t)
	ctx := context.Background()

	_, err := ops.Create(ctx, "a.md", []byte("Hello world"))
	require.NoError(t, err)

	// a live editor changed the file behind our back
	require.NoError(t, ops.FS().Write(ctx, "a.md", []byte("Hello beautiful world")))

	result, err := ops.Write(ctx, "a.md", []byte("Hello world"), []byte("Hi world"))
	require.NoError(t, err)
	assert.Equal(t, "Hi beautiful world", string(result))
}

func TestWriteMissingFileDoesNotRecreate(t *testing.T) {
	ops := newTestOps(t)
	ctx := context.Background()

	result, err := ops.Write(ctx, "gone.md", []byte("old"), []byte("new"))
	require.NoError(t, err)
	assert.Empty(t, result)
	assert.False(t, ops.Exists(ctx, "gone.md"))
}

func TestWriteBinaryOverwrites(t *testing.T) {
	ops := newTestOps(t)
	ctx := context.Background()

	_, err := ops.Create(ctx, "blob.bin", []byte{1, 2, 3})
	require.NoError(t, err)

	payload := []byte{0, 9, 8}
	result, err := ops.Write(ctx, "blob.bin", []byte{1, 2, 3}, payload)
	require.NoError(t, err)
	assert.Equal(t, payload, result)
}

func TestMoveDeconflicts(t *testing.T) {
	ops := newTestOps(t)
	ctx := context.Background()

	_, err := ops.Create(ctx, "b.md", []byte("b"))
	require.NoError(t, err)
	_, err = ops.Create(ctx, "c.md", []byte("c"))
	require.NoError(t, err)

	target, err := ops.Move(ctx, "c.md", "b.md")
	require.NoError(t, err)
	assert.Equal(t, "b (1).md", target)

	_, err = ops.Create(ctx, "c.md", []byte("c again"))
	require.NoError(t, err)
	target, err = ops.Move(ctx, "c.md", "b.md")
	require.NoError(t, err)
	assert.Equal(t, "b (2).md", target)

	paths, err := ops.FS().ListAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b.md", "b (1).md", "b (2).md"}, paths)
}

func TestMoveIdenticalIsNoop(t *testing.T) {
	ops := newTestOps(t)
	ctx := context.Background()

	_, err := ops.Create(ctx, "a.md", []byte("a"))
	require.NoError(t, err)

	target, err := ops.Move(ctx, "a.md", "a.md")
	require.NoError(t, err)
	assert.Equal(t, "a.md", target)
	assert.True(t, ops.Exists(ctx, "a.md"))
}

func TestDeleteMissingIsFileNotFound(t *testing.T) {
	ops := newTestOps(t)
	assert.ErrorIs(t, ops.Delete(context.Background(), "nope.md"), ErrFileNotFound)
}

func TestReadMissingIsFileNotFound(t *testing.T) {
	ops := newTestOps(t)
	_, err := ops.Read(context.Background(), "nope.md")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

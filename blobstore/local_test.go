package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecworker/internal/fs"
)

func testStore(t *testing.T, store BlobStore) {
	ctx := context.Background()

	t.Run("CreateOpenRead", func(t *testing.T) {
		data := []byte("hello world, this is a test blob")

		w, err := store.Create(ctx, "dir/data-001.bin")
		require.NoError(t, err)
		n, err := w.Write(data)
		require.NoError(t, err)
		require.Equal(t, len(data), n)
		require.NoError(t, w.Close())

		blob, err := store.Open(ctx, "dir/data-001.bin")
		require.NoError(t, err)
		defer blob.Close()
		require.Equal(t, int64(len(data)), blob.Size())

		buf := make([]byte, 5)
		n, err = blob.ReadAt(ctx, buf, 6)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, "world", string(buf))

		all, err := ReadAll(ctx, blob)
		require.NoError(t, err)
		assert.Equal(t, data, all)
	})

	t.Run("PutListDelete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "list/b", []byte("b")))
		require.NoError(t, store.Put(ctx, "list/a", []byte("a")))
		require.NoError(t, store.Put(ctx, "other", []byte("o")))

		names, err := store.List(ctx, "list/")
		require.NoError(t, err)
		assert.Equal(t, []string{"list/a", "list/b"}, names)

		require.NoError(t, store.Delete(ctx, "list/a"))
		require.NoError(t, store.Delete(ctx, "list/a"), "deleting twice is fine")

		names, err = store.List(ctx, "list/")
		require.NoError(t, err)
		assert.Equal(t, []string{"list/b"}, names)
	})

	t.Run("Abort", func(t *testing.T) {
		w, err := store.Create(ctx, "aborted")
		require.NoError(t, err)
		_, err = w.Write([]byte("partial"))
		require.NoError(t, err)
		require.NoError(t, w.Abort())

		_, err = store.Open(ctx, "aborted")
		assert.ErrorIs(t, err, ErrNotFound)
		names, err := store.List(ctx, "abort")
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("Empty", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "empty", nil))
		blob, err := store.Open(ctx, "empty")
		require.NoError(t, err)
		defer blob.Close()
		data, err := ReadAll(ctx, blob)
		require.NoError(t, err)
		assert.Empty(t, data)
	})
}

func TestLocalStore(t *testing.T) {
	testStore(t, NewLocalStore(nil, t.TempDir()))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalStore_NamesStayInsideRoot(t *testing.T) {
	root := t.TempDir()
	store := NewLocalStore(nil, root)
	require.NoError(t, store.Put(context.Background(), "../escape", []byte("x")))

	_, err := os.Stat(filepath.Join(root, "escape"))
	assert.NoError(t, err)
}

func TestLocalStore_FailedCloseLeavesNothing(t *testing.T) {
	root := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("blob"+partialSuffix, fs.Fault{FailOnSync: true})
	store := NewLocalStore(ffs, root)

	err := store.Put(context.Background(), "blob", []byte("data"))
	require.ErrorIs(t, err, fs.ErrInjected)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

package reaper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/vecworker/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkdirs(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.MkdirAll(filepath.Join(root, n, "nested"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, n, "nested", "f"), []byte("x"), 0644))
	}
}

func names(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestReap_RemovesUnclaimed(t *testing.T) {
	dir := t.TempDir()
	mkdirs(t, dir, "a", "b", "c")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.tmp"), nil, 0644))

	removed, err := Reap(nil, dir, []string{"a", "c", "missing"}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "stray.tmp"}, removed)
	assert.Equal(t, []string{"a", "c"}, names(t, dir))
}

func TestReap_NothingToDo(t *testing.T) {
	dir := t.TempDir()
	mkdirs(t, dir, "a")

	removed, err := Reap(nil, dir, []string{"a"}, nil)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, []string{"a"}, names(t, dir))
}

func TestReap_EmptyKeepRemovesAll(t *testing.T) {
	dir := t.TempDir()
	mkdirs(t, dir, "a", "b")

	removed, err := Reap(nil, dir, nil, nil)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Empty(t, names(t, dir))
}

func TestReap_MissingDirIsCreated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "indexes")

	removed, err := Reap(nil, dir, []string{"a"}, nil)
	require.NoError(t, err)
	assert.Empty(t, removed)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestReap_RemoveFailure(t *testing.T) {
	dir := t.TempDir()
	mkdirs(t, dir, "a", "b")

	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(filepath.Join(dir, "b"), fs.Fault{FailOnRemove: true})

	_, err := Reap(ffs, dir, []string{"a"}, nil)
	assert.ErrorIs(t, err, fs.ErrInjected)
	assert.Equal(t, []string{"a", "b"}, names(t, dir))
}

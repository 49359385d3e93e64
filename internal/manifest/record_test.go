package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/vecworker/codec"
	"github.com/hupe1980/vecworker/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type table struct {
	Entries map[string]int `json:"entries"`
}

func TestRecord_CreateOpenSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "startup")

	r, err := Create(nil, path, table{Entries: map[string]int{}})
	require.NoError(t, err)
	assert.Empty(t, r.Get().Entries)

	require.NoError(t, r.Set(table{Entries: map[string]int{"a": 1}}))
	assert.Equal(t, 1, r.Get().Entries["a"])

	r2, err := Open[table](nil, path)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, r2.Get().Entries)

	_, err = os.Stat(path + tmpSuffix)
	assert.True(t, os.IsNotExist(err), "temporary file must not survive a successful Set")
}

func TestRecord_CreateExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "startup")
	_, err := Create(nil, path, table{})
	require.NoError(t, err)

	_, err = Create(nil, path, table{})
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestRecord_OpenMissing(t *testing.T) {
	_, err := Open[table](nil, filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecord_OpenCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "startup")
	_, err := Create(nil, path, table{Entries: map[string]int{"a": 1}})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("flipped payload byte", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[len(bad)-2] ^= 0xff
		require.NoError(t, os.WriteFile(path, bad, 0644))
		_, err := Open[table](nil, path)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("truncated", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0644))
		_, err := Open[table](nil, path)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("bad magic", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))
		_, err := Open[table](nil, path)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("newer version", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[len(magic)] = CurrentVersion + 1
		require.NoError(t, os.WriteFile(path, bad, 0644))
		_, err := Open[table](nil, path)
		assert.ErrorIs(t, err, ErrIncompatibleVersion)
	})
}

func TestRecord_MsgPackCodecIsSelfDescribing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "startup")
	r, err := Create(nil, path, table{Entries: map[string]int{"x": 3}}, WithCodec(codec.MsgPack{}))
	require.NoError(t, err)
	require.NoError(t, r.Set(table{Entries: map[string]int{"x": 4}}))

	// No codec option: the name stored in the file selects msgpack.
	r2, err := Open[table](nil, path)
	require.NoError(t, err)
	assert.Equal(t, 4, r2.Get().Entries["x"])
	assert.Equal(t, "msgpack", r2.codec.Name())
}

func TestRecord_FailedSetKeepsOldValue(t *testing.T) {
	tests := []struct {
		name  string
		fault fs.Fault
		rule  string
	}{
		{name: "write", rule: "startup.tmp", fault: fs.Fault{FailWrites: true}},
		{name: "sync", rule: "startup.tmp", fault: fs.Fault{FailOnSync: true}},
		{name: "rename", rule: "startup", fault: fs.Fault{FailOnRename: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "startup")
			ffs := fs.NewFaultyFS(nil)

			r, err := Create(ffs, path, table{Entries: map[string]int{"old": 1}})
			require.NoError(t, err)

			ffs.AddRule(tt.rule, tt.fault)
			err = r.Set(table{Entries: map[string]int{"new": 2}})
			require.ErrorIs(t, err, fs.ErrInjected)

			// In memory and on disk the old value survives.
			assert.Equal(t, map[string]int{"old": 1}, r.Get().Entries)

			reopened, err := Open[table](nil, path)
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"old": 1}, reopened.Get().Entries)
		})
	}
}

func TestRecord_StaleTempFileIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "startup")
	r, err := Create(nil, path, table{Entries: map[string]int{"a": 1}})
	require.NoError(t, err)

	// Simulate a crash after the temp file was half written.
	require.NoError(t, os.WriteFile(path+tmpSuffix, []byte("VWREC\x01garbage"), 0644))

	r2, err := Open[table](nil, path)
	require.NoError(t, err)
	assert.Equal(t, 1, r2.Get().Entries["a"])

	require.NoError(t, r.Set(table{Entries: map[string]int{"b": 2}}))
	r3, err := Open[table](nil, path)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 2}, r3.Get().Entries)
}

func TestRecord_Bytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "startup")
	r, err := Create(nil, path, table{Entries: map[string]int{"a": 1}})
	require.NoError(t, err)

	b, err := r.Bytes()
	require.NoError(t, err)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, onDisk, b)
}

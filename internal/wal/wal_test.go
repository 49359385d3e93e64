package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/vecworker/internal/fs"
	"github.com/hupe1980/vecworker/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	// 1. Write records
	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)

	recs := []*Record{
		{Type: RecordTypeInsert, LSN: 1, Pointer: 10, Vector: []float32{1.0, 2.0, 3.0}},
		{Type: RecordTypeDelete, LSN: 2, Keys: []uint64{model.Location{SegmentID: 1, RowID: 0}.Key()}},
		{Type: RecordTypeInsert, LSN: 3, Pointer: 30, Vector: []float32{4.0, 5.0, 6.0}},
	}

	for _, r := range recs {
		require.NoError(t, w.Append(r))
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), os.ErrClosed)

	// 2. Read records
	w2, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()

	reader, err := w2.Reader()
	require.NoError(t, err)
	defer reader.Close()

	var readRecs []*Record
	for {
		r, err := reader.Next()
		if err != nil {
			break
		}
		readRecs = append(readRecs, r)
	}

	assert.Equal(t, recs, readRecs)
}

func TestRecord_Size(t *testing.T) {
	r := &Record{Type: RecordTypeDelete, Keys: []uint64{1, 2}}
	// crc + header + count + 2 keys
	assert.Equal(t, 4+13+4+16, r.Size())

	var buf bytes.Buffer
	require.NoError(t, r.Encode(&buf))
	assert.Equal(t, r.Size(), buf.Len())

	ins := &Record{Type: RecordTypeInsert, Vector: []float32{1, 2, 3}}
	assert.Equal(t, 4+13+8+4+12, ins.Size())

	assert.ErrorIs(t, (&Record{Type: 9}).Encode(&buf), ErrInvalidType)
}

func TestDecode_Corruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&Record{Type: RecordTypeInsert, Pointer: 1, Vector: []float32{1}}).Encode(&buf))
	good := buf.Bytes()

	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0xff
	_, _, err := Decode(bytes.NewReader(bad))
	assert.ErrorIs(t, err, ErrInvalidCRC)

	_, _, err = Decode(bytes.NewReader(good[:len(good)-2]))
	assert.ErrorIs(t, err, ErrShortRead)

	_, _, err = Decode(bytes.NewReader(good[:5]))
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestOpen_InvalidHeader(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.wal")
	require.NoError(t, os.WriteFile(short, []byte("VW"), 0644))
	_, err := Open(nil, short, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidHeader)

	magic := filepath.Join(dir, "magic.wal")
	require.NoError(t, os.WriteFile(magic, []byte("NOTAWAL!\x01\x00\x00\x00"), 0644))
	_, err = Open(nil, magic, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidHeader)

	ver := filepath.Join(dir, "ver.wal")
	require.NoError(t, os.WriteFile(ver, []byte(walMagic+"\x07\x00\x00\x00"), 0644))
	_, err = Open(nil, ver, DefaultOptions())
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestReplay_TornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.wal")

	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Append(&Record{Type: RecordTypeInsert, Pointer: model.Pointer(i), Vector: []float32{float32(i)}}))
	}
	require.NoError(t, w.Close())

	// Cut the last record in half, as a crash during write would.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-5))

	var ptrs []model.Pointer
	n, err := Replay(nil, path, func(r *Record) error {
		ptrs = append(ptrs, r.Pointer)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []model.Pointer{0, 1}, ptrs)

	// The torn bytes are gone, so appending continues a valid log.
	w, err = Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Append(&Record{Type: RecordTypeInsert, Pointer: 7, Vector: []float32{7}}))
	require.NoError(t, w.Close())

	ptrs = ptrs[:0]
	n, err = Replay(nil, path, func(r *Record) error {
		ptrs = append(ptrs, r.Pointer)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []model.Pointer{0, 1, 7}, ptrs)
}

func TestWAL_FailedWriteIsSticky(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faulty.wal")
	ffs := fs.NewFaultyFS(nil)

	w, err := Open(ffs, path, DefaultOptions())
	require.NoError(t, err)
	defer w.Close()

	ffs.AddRule("faulty.wal", fs.Fault{FailOnSync: true})
	require.NoError(t, w.Append(&Record{Type: RecordTypeInsert, Vector: []float32{1}}))
	assert.ErrorIs(t, w.Sync(), fs.ErrInjected)

	ffs.ClearRules()
	assert.ErrorIs(t, w.Append(&Record{Type: RecordTypeInsert, Vector: []float32{1}}), fs.ErrInjected)
}

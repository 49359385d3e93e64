package manifest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/hupe1980/vecworker/codec"
	"github.com/hupe1980/vecworker/internal/fs"
)

const (
	magic = "VWREC"
	// CurrentVersion is the version of the envelope format.
	CurrentVersion = 1

	tmpSuffix = ".tmp"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Option configures a Record.
type Option func(*options)

type options struct {
	codec codec.Codec
}

// WithCodec selects the codec used when the record is written.
// Reading always uses the codec named in the file.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// Record is a single value persisted atomically in one file.
//
// Set replaces the file by writing a temporary sibling, syncing it, renaming
// it over the original and syncing the directory. After a crash the file holds
// either the previous or the new value in full.
//
// Record is safe for concurrent use, though callers normally serialize Set
// themselves because the value usually mirrors other state.
type Record[T any] struct {
	fs    fs.FileSystem
	path  string
	codec codec.Codec

	mu    sync.Mutex
	value T
}

// Create writes initial to path and returns the Record. The file must not exist.
func Create[T any](fsys fs.FileSystem, path string, initial T, opts ...Option) (*Record[T], error) {
	r := newRecord[T](fsys, path, opts)

	if _, err := r.fs.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", os.ErrExist, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := r.write(initial); err != nil {
		return nil, err
	}
	r.value = initial
	return r, nil
}

// Open reads and decodes the record at path.
func Open[T any](fsys fs.FileSystem, path string, opts ...Option) (*Record[T], error) {
	r := newRecord[T](fsys, path, opts)

	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}

	var v T
	c, err := decode(data, &v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	// Keep writing with the codec the file already uses unless told otherwise.
	if len(opts) == 0 {
		r.codec = c
	}
	r.value = v
	return r, nil
}

func newRecord[T any](fsys fs.FileSystem, path string, opts []Option) *Record[T] {
	o := options{codec: codec.Default}
	for _, fn := range opts {
		fn(&o)
	}
	return &Record[T]{
		fs:    fs.OrDefault(fsys),
		path:  path,
		codec: o.codec,
	}
}

// Get returns the cached value without I/O.
func (r *Record[T]) Get() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// Set atomically replaces the persisted value. The cached value changes only
// if the new value is durable.
func (r *Record[T]) Set(v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.write(v); err != nil {
		return err
	}
	r.value = v
	return nil
}

// Path returns the file path of the record.
func (r *Record[T]) Path() string { return r.path }

// Bytes returns the encoded form of the cached value, exactly as Set would
// write it.
func (r *Record[T]) Bytes() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return encode(r.codec, r.value)
}

func (r *Record[T]) write(v T) error {
	data, err := encode(r.codec, v)
	if err != nil {
		return err
	}

	tmp := r.path + tmpSuffix
	if err := fs.WriteFileSync(r.fs, tmp, data, 0644); err != nil {
		_ = r.fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := r.fs.Rename(tmp, r.path); err != nil {
		_ = r.fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	if err := fs.SyncDir(r.fs, filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("sync dir of %s: %w", r.path, err)
	}
	return nil
}

// Envelope:
//
//	magic (5) | version (1) | codec name length (1) | codec name |
//	crc32c of payload (4) | payload length (4) | payload
func encode(c codec.Codec, v any) ([]byte, error) {
	payload, err := c.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	name := c.Name()

	var buf bytes.Buffer
	buf.Grow(len(magic) + 2 + len(name) + 8 + len(payload))
	buf.WriteString(magic)
	buf.WriteByte(CurrentVersion)
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], crc32.Checksum(payload, castagnoli))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	buf.Write(hdr[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

func decode(data []byte, v any) (codec.Codec, error) {
	if len(data) < len(magic)+2 || string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	off := len(magic)

	if ver := data[off]; ver != CurrentVersion {
		return nil, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, CurrentVersion)
	}
	nameLen := int(data[off+1])
	off += 2

	if len(data) < off+nameLen+8 {
		return nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	name := string(data[off : off+nameLen])
	off += nameLen

	c, ok := codec.ByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown codec %q", ErrCorrupt, name)
	}

	sum := binary.LittleEndian.Uint32(data[off : off+4])
	n := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
	off += 8

	if len(data)-off != n {
		return nil, fmt.Errorf("%w: payload length %d, have %d", ErrCorrupt, n, len(data)-off)
	}
	payload := data[off:]
	if crc32.Checksum(payload, castagnoli) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	if err := c.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return c, nil
}

package index

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"

	"github.com/hupe1980/vecworker/internal/fs"
	"github.com/hupe1980/vecworker/internal/resource"
	"github.com/hupe1980/vecworker/model"
)

const (
	segMagic   = 0x56575347 // "VWSG"
	segVersion = 1

	// magic(4) version(4) id(8) rows(4) dim(4) codec(1) pad(3) checksum(4)
	segHeaderSize = 32
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func segmentFileName(id model.SegmentID) string {
	return fmt.Sprintf("seg-%08d.bin", id)
}

func walFileName(id model.SegmentID) string {
	return fmt.Sprintf("wal-%08d.log", id)
}

// segmentData is the decoded content of a sealed segment file.
type segmentData struct {
	id       model.SegmentID
	dim      int
	pointers []model.Pointer
	vectors  []float32 // rows*dim, row major
}

func (d *segmentData) rows() int { return len(d.pointers) }

func (d *segmentData) vector(row int) []float32 {
	return d.vectors[row*d.dim : (row+1)*d.dim : (row+1)*d.dim]
}

// sizeBytes is the in-memory footprint of the decoded rows.
func (d *segmentData) sizeBytes() int64 {
	return int64(len(d.pointers))*8 + int64(len(d.vectors))*4
}

// encodeSegment serializes d. The body is two blocks (pointers, then
// vectors), each compressed with codec; the header carries a CRC32C of the
// body.
func encodeSegment(d *segmentData, codec uint8) ([]byte, error) {
	ptrs := make([]byte, len(d.pointers)*8)
	for i, p := range d.pointers {
		binary.LittleEndian.PutUint64(ptrs[i*8:], uint64(p))
	}
	vecs := make([]byte, len(d.vectors)*4)
	for i, v := range d.vectors {
		binary.LittleEndian.PutUint32(vecs[i*4:], math.Float32bits(v))
	}

	pb, err := compressBlock(ptrs, codec)
	if err != nil {
		return nil, err
	}
	vb, err := compressBlock(vecs, codec)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, segHeaderSize, segHeaderSize+len(pb)+len(vb))
	buf = append(buf, pb...)
	buf = append(buf, vb...)

	binary.LittleEndian.PutUint32(buf[0:], segMagic)
	binary.LittleEndian.PutUint32(buf[4:], segVersion)
	binary.LittleEndian.PutUint64(buf[8:], uint64(d.id))
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(d.pointers)))
	binary.LittleEndian.PutUint32(buf[20:], uint32(d.dim))
	buf[24] = codec
	binary.LittleEndian.PutUint32(buf[28:], crc32.Checksum(buf[segHeaderSize:], castagnoli))
	return buf, nil
}

func decodeSegment(buf []byte) (*segmentData, error) {
	if len(buf) < segHeaderSize {
		return nil, fmt.Errorf("%w: file too small", ErrCorruptSegment)
	}
	if m := binary.LittleEndian.Uint32(buf[0:]); m != segMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrCorruptSegment, m)
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != segVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSegment, v)
	}
	if crc32.Checksum(buf[segHeaderSize:], castagnoli) != binary.LittleEndian.Uint32(buf[28:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSegment)
	}

	d := &segmentData{
		id:  model.SegmentID(binary.LittleEndian.Uint64(buf[8:])),
		dim: int(binary.LittleEndian.Uint32(buf[20:])),
	}
	rows := int(binary.LittleEndian.Uint32(buf[16:]))
	codec := buf[24]

	body := buf[segHeaderSize:]
	ptrs, n, err := decompressBlock(body, codec)
	if err != nil {
		return nil, err
	}
	vecs, _, err := decompressBlock(body[n:], codec)
	if err != nil {
		return nil, err
	}
	if len(ptrs) != rows*8 || len(vecs) != rows*d.dim*4 {
		return nil, fmt.Errorf("%w: block sizes do not match %d rows", ErrCorruptSegment, rows)
	}

	d.pointers = make([]model.Pointer, rows)
	for i := range d.pointers {
		d.pointers[i] = model.Pointer(binary.LittleEndian.Uint64(ptrs[i*8:]))
	}
	d.vectors = make([]float32, rows*d.dim)
	for i := range d.vectors {
		d.vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(vecs[i*4:]))
	}
	return d, nil
}

// writeSegmentFile durably writes d to dir/seg-<id>.bin via a temporary
// file. Writes are charged against the IO budget of rc.
func writeSegmentFile(ctx context.Context, fsys fs.FileSystem, rc *resource.Controller, dir string, d *segmentData, codec uint8) (string, error) {
	data, err := encodeSegment(d, codec)
	if err != nil {
		return "", err
	}

	name := segmentFileName(d.id)
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"

	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return "", err
	}
	if _, err := rc.Writer(ctx, f).Write(data); err != nil {
		_ = f.Close()
		_ = fsys.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fsys.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(tmp)
		return "", err
	}
	if err := fsys.Rename(tmp, path); err != nil {
		_ = fsys.Remove(tmp)
		return "", err
	}
	if err := fs.SyncDir(fsys, dir); err != nil {
		return "", err
	}
	return name, nil
}

func readSegmentFile(fsys fs.FileSystem, path string) (*segmentData, error) {
	buf, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, err
	}
	d, err := decodeSegment(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"math"

	"github.com/hupe1980/vecworker/model"
)

// RecordType identifies the type of WAL record.
type RecordType uint8

const (
	RecordTypeInsert RecordType = 1
	RecordTypeDelete RecordType = 2
)

const (
	recordHeaderSize = 13 // Type (1) + LSN (8) + Length (4)
	maxRecordSize    = 100 * 1024 * 1024
)

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrInvalidType    = errors.New("invalid WAL record type")
	ErrShortRead      = errors.New("short read in WAL record")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

// Record represents a single operation in the WAL.
//
// An insert carries the pointer and vector of one row; its row id is implied
// by its position among the inserts of the log. A delete carries the packed
// locations (see model.Location.Key) of the rows it removes.
type Record struct {
	LSN     uint64
	Type    RecordType
	Pointer model.Pointer
	Vector  []float32
	Keys    []uint64
}

func (r *Record) payloadLen() int {
	if r.Type == RecordTypeInsert {
		return 8 + 4 + len(r.Vector)*4
	}
	return 4 + len(r.Keys)*8
}

// Size returns the encoded size of the record.
func (r *Record) Size() int {
	return 4 + recordHeaderSize + r.payloadLen()
}

// Encode writes the record to w.
// Format:
// [CRC32: 4 bytes] [Type: 1 byte] [LSN: 8 bytes] [Length: 4 bytes] [Payload: Length bytes]
// Payload for Insert: [Pointer: 8 bytes] [Dim: 4 bytes] [Vector: Dim*4 bytes]
// Payload for Delete: [Count: 4 bytes] [Keys: Count*8 bytes]
func (r *Record) Encode(w io.Writer) error {
	if r.Type != RecordTypeInsert && r.Type != RecordTypeDelete {
		return ErrInvalidType
	}
	n := r.payloadLen()
	if n > maxRecordSize {
		return ErrRecordTooLarge
	}

	buf := make([]byte, 4+recordHeaderSize+n)
	hdr := buf[4 : 4+recordHeaderSize]
	hdr[0] = byte(r.Type)
	binary.LittleEndian.PutUint64(hdr[1:], r.LSN)
	binary.LittleEndian.PutUint32(hdr[9:], uint32(n))

	p := buf[4+recordHeaderSize:]
	if r.Type == RecordTypeInsert {
		binary.LittleEndian.PutUint64(p, uint64(r.Pointer))
		binary.LittleEndian.PutUint32(p[8:], uint32(len(r.Vector)))
		off := 12
		for _, v := range r.Vector {
			binary.LittleEndian.PutUint32(p[off:], math.Float32bits(v))
			off += 4
		}
	} else {
		binary.LittleEndian.PutUint32(p, uint32(len(r.Keys)))
		off := 4
		for _, k := range r.Keys {
			binary.LittleEndian.PutUint64(p[off:], k)
			off += 8
		}
	}

	binary.LittleEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf[4:]))
	_, err := w.Write(buf)
	return err
}

// Decode reads a record from r. It returns the record and the number of bytes
// consumed.
func Decode(r io.Reader) (*Record, int64, error) {
	var head [4 + recordHeaderSize]byte
	if n, err := io.ReadFull(r, head[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, int64(n), ErrShortRead
	}

	checksum := binary.LittleEndian.Uint32(head[0:4])
	hdr := head[4:]
	recType := RecordType(hdr[0])
	lsn := binary.LittleEndian.Uint64(hdr[1:])
	length := binary.LittleEndian.Uint32(hdr[9:])

	consumed := int64(len(head))
	if length > maxRecordSize {
		return nil, consumed, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(r, payload); err != nil {
		return nil, consumed + int64(n), ErrShortRead
	}
	consumed += int64(length)

	crc := crc32.NewIEEE()
	crc.Write(hdr)
	crc.Write(payload)
	if crc.Sum32() != checksum {
		return nil, consumed, ErrInvalidCRC
	}

	rec := &Record{Type: recType, LSN: lsn}
	var err error
	switch recType {
	case RecordTypeInsert:
		err = parseInsert(payload, rec)
	case RecordTypeDelete:
		err = parseDelete(payload, rec)
	default:
		err = ErrInvalidType
	}
	if err != nil {
		return nil, consumed, err
	}
	return rec, consumed, nil
}

func parseInsert(payload []byte, r *Record) error {
	if len(payload) < 12 {
		return ErrShortRead
	}
	r.Pointer = model.Pointer(binary.LittleEndian.Uint64(payload))
	dim := int(binary.LittleEndian.Uint32(payload[8:]))
	if len(payload) != 12+dim*4 {
		return ErrShortRead
	}
	r.Vector = make([]float32, dim)
	off := 12
	for i := range r.Vector {
		r.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
	}
	return nil
}

func parseDelete(payload []byte, r *Record) error {
	if len(payload) < 4 {
		return ErrShortRead
	}
	n := int(binary.LittleEndian.Uint32(payload))
	if len(payload) != 4+n*8 {
		return ErrShortRead
	}
	r.Keys = make([]uint64, n)
	for i := range r.Keys {
		r.Keys[i] = binary.LittleEndian.Uint64(payload[4+i*8:])
	}
	return nil
}

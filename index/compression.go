package index

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// codec ids stored in the segment header
const (
	blockRaw  uint8 = 0
	blockLZ4  uint8 = 1
	blockZSTD uint8 = 2
)

func (c Compression) blockCodec() uint8 {
	switch c {
	case CompressionLZ4:
		return blockLZ4
	case CompressionZSTD:
		return blockZSTD
	default:
		return blockRaw
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Block layout: [uncompressed size u32][compressed size u32][data].
// A compressed size of 0 marks a block stored raw.
const blockHeaderSize = 8

// compressBlock encodes data with codec. Data that does not shrink by at
// least 10% is stored raw.
func compressBlock(data []byte, codec uint8) ([]byte, error) {
	var compressed []byte
	switch codec {
	case blockLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		compressed = buf[:n]
	case blockZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	}

	out := make([]byte, blockHeaderSize, blockHeaderSize+len(data))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		return append(out, data...), nil
	}
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	return append(out, compressed...), nil
}

// decompressBlock decodes one block and returns it with the number of input
// bytes consumed.
func decompressBlock(data []byte, codec uint8) ([]byte, int, error) {
	if len(data) < blockHeaderSize {
		return nil, 0, fmt.Errorf("%w: block too small for header", ErrCorruptSegment)
	}
	size := int(binary.LittleEndian.Uint32(data[0:]))
	csize := int(binary.LittleEndian.Uint32(data[4:]))
	body := data[blockHeaderSize:]

	if csize == 0 {
		if len(body) < size {
			return nil, 0, fmt.Errorf("%w: raw block truncated", ErrCorruptSegment)
		}
		return body[:size], blockHeaderSize + size, nil
	}
	if len(body) < csize {
		return nil, 0, fmt.Errorf("%w: compressed block truncated", ErrCorruptSegment)
	}
	body = body[:csize]

	out := make([]byte, size)
	switch codec {
	case blockLZ4:
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: lz4: %w", ErrCorruptSegment, err)
		}
		if n != size {
			return nil, 0, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptSegment)
		}
	case blockZSTD:
		dec := getZstdDecoder()
		decoded, err := dec.DecodeAll(body, out[:0])
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: zstd: %w", ErrCorruptSegment, err)
		}
		if len(decoded) != size {
			return nil, 0, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptSegment)
		}
		out = decoded
	default:
		return nil, 0, fmt.Errorf("%w: unknown block codec %d", ErrCorruptSegment, codec)
	}
	return out, blockHeaderSize + csize, nil
}

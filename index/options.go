package index

import (
	"fmt"

	"github.com/hupe1980/vecworker/distance"
)

// Kind selects the search structure used for sealed segments.
type Kind string

const (
	KindFlat Kind = "flat"
	KindHNSW Kind = "hnsw"
)

// Compression selects how sealed segment blocks are compressed.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZSTD Compression = "zstd"
)

// Defaults applied when an Options field is zero.
const (
	DefaultSegmentSize = 4096
	DefaultMaxSealed   = 8
	DefaultM           = 16
	DefaultEfSearch    = 64
	DefaultCompression = CompressionLZ4

	// MaxDim bounds Options.Dim.
	MaxDim = 65535
)

// HNSWOptions tunes KindHNSW.
type HNSWOptions struct {
	M        int `json:"m,omitempty"`
	EfSearch int `json:"ef_search,omitempty"`
}

// Options is the configuration of an index. It is fixed at creation time.
//
// Zero-valued knobs mean "use the default"; defaults are applied when the
// options are used, never written back, so the value stored by the worker is
// exactly the value the index was created with.
type Options struct {
	Dim         int             `json:"dim"`
	Metric      distance.Metric `json:"metric"`
	Kind        Kind            `json:"kind,omitempty"`
	SegmentSize int             `json:"segment_size,omitempty"`
	MaxSealed   int             `json:"max_sealed,omitempty"`
	Compression Compression     `json:"compression,omitempty"`
	HNSW        HNSWOptions     `json:"hnsw"`
}

// Validate reports whether the options describe a usable index.
func (o Options) Validate() error {
	if o.Dim <= 0 || o.Dim > MaxDim {
		return fmt.Errorf("%w: dim must be in [1, %d], got %d", ErrInvalidOptions, MaxDim, o.Dim)
	}
	if !o.Metric.Valid() {
		return fmt.Errorf("%w: unknown metric %d", ErrInvalidOptions, int(o.Metric))
	}
	switch o.Kind {
	case "", KindFlat, KindHNSW:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOptions, o.Kind)
	}
	switch o.Compression {
	case "", CompressionNone, CompressionLZ4, CompressionZSTD:
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidOptions, o.Compression)
	}
	if o.SegmentSize < 0 || o.MaxSealed < 0 || o.HNSW.M < 0 || o.HNSW.EfSearch < 0 {
		return fmt.Errorf("%w: negative tuning knob", ErrInvalidOptions)
	}
	return nil
}

// withDefaults returns o with every zero knob replaced by its default.
func (o Options) withDefaults() Options {
	if o.Kind == "" {
		o.Kind = KindFlat
	}
	if o.SegmentSize == 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.MaxSealed == 0 {
		o.MaxSealed = DefaultMaxSealed
	}
	if o.Compression == "" {
		o.Compression = DefaultCompression
	}
	if o.HNSW.M == 0 {
		o.HNSW.M = DefaultM
	}
	if o.HNSW.EfSearch == 0 {
		o.HNSW.EfSearch = DefaultEfSearch
	}
	return o
}

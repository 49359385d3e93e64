package vecworker

import (
	"log/slog"
	"runtime"

	"github.com/hupe1980/vecworker/codec"
	"github.com/hupe1980/vecworker/internal/fs"
	"github.com/hupe1980/vecworker/internal/resource"
)

type options struct {
	fs               fs.FileSystem
	codec            codec.Codec
	metricsCollector MetricsCollector
	logger           *Logger
	resource         resource.Config
	cacheSize        int
	openConcurrency  int
	syncWrites       bool
}

// Option configures Create and Open.
type Option func(*options)

// WithFileSystem routes all disk I/O of the worker and its indexes through
// fsys. Tests use it for fault injection.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithCodec configures the codec used to write the startup record and new
// index manifests. Reading always uses the codec recorded in the file.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithMetricsCollector configures a metrics collector for monitoring calls.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &vecworker.BasicMetricsCollector{}
//	w, _ := vecworker.Create(dir, vecworker.WithMetricsCollector(metrics))
//	// ... use w ...
//	stats := metrics.GetStats()
//	fmt.Printf("Inserts: %d, retries: %d\n", stats.InsertCount, stats.InsertRetries)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := vecworker.NewJSONLogger(slog.LevelInfo)
//	w, _ := vecworker.Open(dir, vecworker.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithResourceConfig limits the background work of all hosted indexes.
func WithResourceConfig(cfg resource.Config) Option {
	return func(o *options) {
		o.resource = cfg
	}
}

// WithSegmentCacheSize sets how many decoded sealed segments the worker
// keeps in memory across all indexes.
func WithSegmentCacheSize(n int) Option {
	return func(o *options) {
		o.cacheSize = n
	}
}

// WithOpenConcurrency bounds how many indexes Open loads in parallel.
func WithOpenConcurrency(n int) Option {
	return func(o *options) {
		o.openConcurrency = n
	}
}

// WithSyncWrites makes every insert wait until it is fsynced. Without it an
// insert is durable after the next Flush of its index.
func WithSyncWrites(enabled bool) Option {
	return func(o *options) {
		o.syncWrites = enabled
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		codec:            codec.Default,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		openConcurrency:  runtime.GOMAXPROCS(0),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	o.fs = fs.OrDefault(o.fs)
	if o.openConcurrency <= 0 {
		o.openConcurrency = 1
	}
	return o
}

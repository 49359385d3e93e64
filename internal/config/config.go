// Package config loads the YAML file that describes a worker for the
// command line tool.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/vecworker"
	"github.com/hupe1980/vecworker/blobstore"
	"github.com/hupe1980/vecworker/blobstore/minio"
	"github.com/hupe1980/vecworker/blobstore/s3"
	"github.com/hupe1980/vecworker/codec"
	"github.com/hupe1980/vecworker/internal/resource"
	"github.com/hupe1980/vecworker/metric"
)

// Config is the on-disk description of a worker.
type Config struct {
	Version  int             `yaml:"version"`
	Dir      string          `yaml:"dir"`
	Codec    string          `yaml:"codec"`
	Log      LogConfig       `yaml:"log"`
	Resource resource.Config `yaml:"resource"`
	// CacheSize is the number of decoded sealed segments kept in memory.
	CacheSize       int           `yaml:"cache_size"`
	OpenConcurrency int           `yaml:"open_concurrency"`
	SyncWrites      bool          `yaml:"sync_writes"`
	Backup          BackupConfig  `yaml:"backup"`
	Metrics         MetricsConfig `yaml:"metrics"`
}

// MetricsConfig controls metrics export. Textfile names a file that receives
// the metrics of each command in the Prometheus text format, for the node
// exporter textfile collector.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// LogConfig selects the log output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// BackupConfig selects the blob store backups go to. At most one of the
// targets may be set.
type BackupConfig struct {
	Local string        `yaml:"local"`
	S3    *S3Config     `yaml:"s3"`
	MinIO *minio.Config `yaml:"minio"`
}

// S3Config describes an S3 bucket. Credentials come from the default AWS
// credential chain.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// NewConfig returns a Config holding the defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Dir:     "./data",
		Codec:   codec.Default.Name(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Resource: resource.Config{
			MaxBackgroundWorkers: 2,
		},
		CacheSize: 64,
	}
}

// Load reads the YAML file at path over the defaults and applies
// VECWORKER_* environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VECWORKER_DIR"); v != "" {
		c.Dir = v
	}
	if v := os.Getenv("VECWORKER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("VECWORKER_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("VECWORKER_METRICS_TEXTFILE"); v != "" {
		c.Metrics.Textfile = v
	}
	if v := os.Getenv("VECWORKER_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CacheSize = n
		}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("dir must be set")
	}
	if _, ok := codec.ByName(c.Codec); !ok {
		return fmt.Errorf("unknown codec %q", c.Codec)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.CacheSize < 0 || c.OpenConcurrency < 0 {
		return errors.New("cache_size and open_concurrency must not be negative")
	}
	if c.Resource.MaxBackgroundWorkers < 0 || c.Resource.IOLimitBytesPerSec < 0 {
		return errors.New("resource limits must not be negative")
	}

	targets := 0
	if c.Backup.Local != "" {
		targets++
	}
	if c.Backup.S3 != nil {
		if c.Backup.S3.Bucket == "" {
			return errors.New("backup.s3.bucket must be set")
		}
		targets++
	}
	if c.Backup.MinIO != nil {
		if c.Backup.MinIO.Endpoint == "" || c.Backup.MinIO.Bucket == "" {
			return errors.New("backup.minio needs endpoint and bucket")
		}
		targets++
	}
	if targets > 1 {
		return errors.New("at most one backup target may be set")
	}
	return nil
}

func (c *Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return l, nil
}

// WorkerOptions translates the configuration into worker options. Logs go
// to stderr.
func (c *Config) WorkerOptions() []vecworker.Option {
	level, _ := c.level()
	cd, _ := codec.ByName(c.Codec)

	opts := []vecworker.Option{
		vecworker.WithLogger(vecworker.NewWriterLogger(os.Stderr, c.Log.Format, level)),
		vecworker.WithCodec(cd),
		vecworker.WithResourceConfig(c.Resource),
		vecworker.WithSegmentCacheSize(c.CacheSize),
		vecworker.WithSyncWrites(c.SyncWrites),
	}
	if c.OpenConcurrency > 0 {
		opts = append(opts, vecworker.WithOpenConcurrency(c.OpenConcurrency))
	}
	return opts
}

// NewMetrics creates a registry holding the worker metrics and the collector
// feeding it. Both are nil when no metrics export is configured.
func (c *Config) NewMetrics() (*prometheus.Registry, *metric.Prometheus, error) {
	if c.Metrics.Textfile == "" {
		return nil, nil, nil
	}
	reg := prometheus.NewRegistry()
	p, err := metric.NewPrometheus(reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, p, nil
}

// ErrNoBackupTarget is returned by BackupStore when no target is configured.
var ErrNoBackupTarget = errors.New("no backup target configured")

// BackupStore connects to the configured backup target.
func (c *Config) BackupStore(ctx context.Context) (blobstore.BlobStore, error) {
	switch b := c.Backup; {
	case b.Local != "":
		return blobstore.NewLocalStore(nil, b.Local), nil
	case b.S3 != nil:
		opts := []s3.Option{s3.WithPrefix(b.S3.Prefix)}
		if b.S3.Region != "" {
			opts = append(opts, s3.WithRegion(b.S3.Region))
		}
		if b.S3.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(b.S3.Endpoint))
		}
		return s3.New(ctx, b.S3.Bucket, opts...)
	case b.MinIO != nil:
		return minio.New(ctx, *b.MinIO)
	default:
		return nil, ErrNoBackupTarget
	}
}

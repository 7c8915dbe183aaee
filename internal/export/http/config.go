package http

import (
	"fmt"
	"time"
)

// Config controls how percentile rows are shipped over HTTP.
type Config struct {
	// Enabled turns the HTTP exporter on.
	Enabled bool `yaml:"enabled"`

	// Address is the endpoint rows are POSTed to, e.g. a Vector HTTP
	// source.
	Address string `yaml:"address"`

	// MetaClientName is stamped onto rows that do not already carry a
	// reporting node name, mirroring the ClickHouse exporter.
	MetaClientName string `yaml:"meta_client_name"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Compression selects the request body encoding: none, gzip, zstd,
	// zlib or snappy. Defaults to gzip.
	Compression string `yaml:"compression"`

	// BatchSize caps rows per request. Defaults to 512.
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout flushes a partial batch after this long.
	// Defaults to 5s.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// ExportTimeout bounds a single request. Defaults to 30s.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// MaxQueueSize caps buffered rows; overflow is dropped.
	// Defaults to 51200.
	MaxQueueSize int `yaml:"max_queue_size"`

	// Workers is the number of concurrent export workers. Defaults to 1.
	Workers int `yaml:"workers"`

	// KeepAlive reuses connections across requests. Defaults to true.
	KeepAlive *bool `yaml:"keep_alive"`
}

const (
	defaultBatchSize     = 512
	defaultBatchTimeout  = 5 * time.Second
	defaultExportTimeout = 30 * time.Second
	defaultMaxQueueSize  = 51200
	defaultWorkers       = 1
)

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Compression == "" {
		c.Compression = CompressionGzip
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}

	if c.ExportTimeout <= 0 {
		c.ExportTimeout = defaultExportTimeout
	}

	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaultMaxQueueSize
	}

	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}

	if c.KeepAlive == nil {
		on := true
		c.KeepAlive = &on
	}
}

// Validate rejects configurations the exporter cannot run with.
// A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Address == "" {
		return fmt.Errorf("http address is required when enabled")
	}

	if c.BatchSize <= 0 || c.MaxQueueSize <= 0 || c.Workers <= 0 {
		return fmt.Errorf("batch_size, max_queue_size and workers must be positive")
	}

	if c.BatchSize > c.MaxQueueSize {
		return fmt.Errorf(
			"batch_size %d exceeds max_queue_size %d",
			c.BatchSize, c.MaxQueueSize,
		)
	}

	switch c.Compression {
	case "", CompressionNone, CompressionGzip, CompressionZstd,
		CompressionZlib, CompressionSnappy:
	default:
		return fmt.Errorf("unknown compression %q", c.Compression)
	}

	return nil
}

// IsKeepAlive reports whether connections are reused.
func (c *Config) IsKeepAlive() bool {
	return c.KeepAlive == nil || *c.KeepAlive
}

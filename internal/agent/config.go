package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/edgeperf/latsink/internal/export"
	"github.com/edgeperf/latsink/internal/ingest"
	"github.com/edgeperf/latsink/internal/sink"
)

// Config is the top-level configuration for the latsink agent.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Ingest configures the observation intake server.
	Ingest ingest.Config `yaml:"ingest"`

	// Sink configures the aggregation sinks.
	Sink sink.Config `yaml:"sink"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// MigrateOnStart applies pending ClickHouse schema migrations
	// before the sinks connect.
	MigrateOnStart bool `yaml:"migrate_on_start"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Health: export.HealthConfig{
			Addr: ":9090",
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	w := &c.Sink.Window

	if w.ClickHouse.Enabled && w.ClickHouse.Endpoint == "" {
		return fmt.Errorf("sink.window.clickhouse.endpoint is required when enabled")
	}

	if c.MigrateOnStart && !w.ClickHouse.Enabled {
		return fmt.Errorf("migrate_on_start requires sink.window.clickhouse to be enabled")
	}

	if err := w.HTTP.Validate(); err != nil {
		return fmt.Errorf("sink.window.http: %w", err)
	}

	for _, q := range w.Quantiles {
		if q < 0 || q > 100 {
			return fmt.Errorf("quantile %v is outside [0, 100]", q)
		}
	}

	return nil
}

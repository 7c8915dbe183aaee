package export

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"
)

// ClickHouseConfig configures the ClickHouse writer.
type ClickHouseConfig struct {
	// Enabled enables the ClickHouse exporter.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the ClickHouse native protocol address.
	Endpoint string `yaml:"endpoint"`

	// Database is the target database name.
	Database string `yaml:"database"`

	// Table is the target table name. Defaults to latency_percentiles.
	Table string `yaml:"table"`

	// Username for ClickHouse authentication.
	Username string `yaml:"username"`

	// Password for ClickHouse authentication.
	Password string `yaml:"password"`

	// MetaClientName is the reporting node name attached to each row.
	MetaClientName string `yaml:"meta_client_name"`
}

// DSN returns a connection string usable by the schema migrator.
func (c ClickHouseConfig) DSN() string {
	return fmt.Sprintf("clickhouse://%s/%s", c.Endpoint, c.Database)
}

// ClickHouseWriter manages batch writes of percentile rows to ClickHouse.
type ClickHouseWriter struct {
	log    logrus.FieldLogger
	cfg    ClickHouseConfig
	health *HealthMetrics
	conn   clickhouse.Conn
}

// NewClickHouseWriter creates a new ClickHouse writer.
func NewClickHouseWriter(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
	health *HealthMetrics,
) *ClickHouseWriter {
	if cfg.Table == "" {
		cfg.Table = "latency_percentiles"
	}

	return &ClickHouseWriter{
		log:    log.WithField("component", "clickhouse"),
		cfg:    cfg,
		health: health,
	}
}

// Start opens the ClickHouse connection.
func (w *ClickHouseWriter) Start(ctx context.Context) error {
	opts := &clickhouse.Options{
		Addr: []string{w.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: w.cfg.Database,
			Username: w.cfg.Username,
			Password: w.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return fmt.Errorf("opening ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("pinging ClickHouse: %w", err)
	}

	w.conn = conn

	if w.health != nil {
		w.health.ClickHouseConnected.Set(1)
	}

	w.log.WithField("endpoint", w.cfg.Endpoint).
		Info("ClickHouse writer connected")

	return nil
}

// InsertPercentiles writes one window's percentile rows in a single batch.
func (w *ClickHouseWriter) InsertPercentiles(
	ctx context.Context,
	rows []PercentileRow,
) error {
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()

	batch, err := w.conn.PrepareBatch(
		ctx,
		fmt.Sprintf("INSERT INTO %s", w.cfg.Table),
	)
	if err != nil {
		return fmt.Errorf("preparing batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.WindowStart,
			r.IntervalMs,
			r.Series,
			r.Quantile,
			r.Lower,
			r.Upper,
			r.TotalCount,
			r.Saturated,
			w.cfg.MetaClientName,
		); err != nil {
			return fmt.Errorf("appending row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending batch: %w", err)
	}

	if w.health != nil {
		w.health.ExportBatchDuration.Observe(time.Since(start).Seconds())
		w.health.ExportBatchSize.Observe(float64(len(rows)))
	}

	w.log.WithField("rows", len(rows)).
		Debug("Flushed percentile rows")

	return nil
}

// Stop closes the ClickHouse connection.
func (w *ClickHouseWriter) Stop() error {
	if w.health != nil {
		w.health.ClickHouseConnected.Set(0)
	}

	if w.conn != nil {
		return w.conn.Close()
	}

	return nil
}

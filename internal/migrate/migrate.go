// Package migrate manages the ClickHouse schema for exported percentile
// rows. The migration SQL is embedded and rendered against the
// configured table name before it runs, so the schema follows whatever
// table the writer inserts into.
package migrate

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"testing/fstest"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse" // ClickHouse driver.
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"

	"github.com/edgeperf/latsink/internal/export"
)

//go:embed sql/*.sql
var migrations embed.FS

const (
	// defaultTable is the table name the embedded SQL is written
	// against; renderSource substitutes the configured name for it.
	defaultTable = "latency_percentiles"

	// migrationsTable keeps the applied-version bookkeeping out of the
	// default schema_migrations name shared with other tools.
	migrationsTable = "latsink_migrations"
)

// Status describes the applied schema version.
type Status struct {
	Version uint
	Dirty   bool
}

// Migrator applies the embedded percentile-table migrations to the
// ClickHouse instance the writer exports to.
type Migrator struct {
	log logrus.FieldLogger
	cfg export.ClickHouseConfig
}

// New creates a Migrator for the given ClickHouse target.
func New(log logrus.FieldLogger, cfg export.ClickHouseConfig) *Migrator {
	return &Migrator{
		log: log.WithField("component", "migrate"),
		cfg: cfg,
	}
}

// Up applies all pending migrations. Canceling ctx requests a graceful
// stop between migration steps.
func (m *Migrator) Up(ctx context.Context) error {
	mig, err := m.open()
	if err != nil {
		return err
	}
	defer mig.Close()

	m.log.WithField("table", m.table()).Info("Applying schema migrations")

	if err := m.run(ctx, mig, mig.Up); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, _, _ := mig.Version()
	m.log.WithField("version", version).Info("Schema is up to date")

	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	mig, err := m.open()
	if err != nil {
		return err
	}
	defer mig.Close()

	m.log.WithField("table", m.table()).Info("Rolling back last migration")

	if err := m.run(ctx, mig, func() error { return mig.Steps(-1) }); err != nil {
		return fmt.Errorf("rolling back migration: %w", err)
	}

	return nil
}

// Status reports the currently applied schema version. A never-migrated
// database reports version 0.
func (m *Migrator) Status(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}

	mig, err := m.open()
	if err != nil {
		return Status{}, err
	}
	defer mig.Close()

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Status{}, fmt.Errorf("reading migration version: %w", err)
	}

	return Status{Version: version, Dirty: dirty}, nil
}

// run executes op on its own goroutine so a canceled ctx can request a
// graceful stop; migrate finishes the in-flight step before returning.
func (m *Migrator) run(
	ctx context.Context,
	mig *migrate.Migrate,
	op func() error,
) error {
	done := make(chan error, 1)

	go func() { done <- op() }()

	select {
	case <-ctx.Done():
		mig.GracefulStop <- true
		<-done

		return ctx.Err()
	case err := <-done:
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}

		return nil
	}
}

func (m *Migrator) table() string {
	if m.cfg.Table != "" {
		return m.cfg.Table
	}

	return defaultTable
}

func (m *Migrator) open() (*migrate.Migrate, error) {
	rendered, err := m.renderSource()
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(rendered, "sql")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	// x-multi-statement lets one file carry several ClickHouse
	// statements.
	dsn := fmt.Sprintf(
		"%s?x-multi-statement=true&x-migrations-table=%s",
		m.cfg.DSN(), migrationsTable,
	)

	mig, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}

	return mig, nil
}

// renderSource substitutes the configured table name into the embedded
// migration files.
func (m *Migrator) renderSource() (fs.FS, error) {
	entries, err := fs.ReadDir(migrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	rendered := fstest.MapFS{}

	for _, entry := range entries {
		data, err := fs.ReadFile(migrations, "sql/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		rendered["sql/"+entry.Name()] = &fstest.MapFile{
			Data: bytes.ReplaceAll(
				data, []byte(defaultTable), []byte(m.table()),
			),
		}
	}

	return rendered, nil
}

// Package agent wires the latsink components together: health metrics,
// schema migrations, the aggregation sinks, and the intake server.
package agent

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/edgeperf/latsink/internal/clock"
	"github.com/edgeperf/latsink/internal/export"
	"github.com/edgeperf/latsink/internal/ingest"
	"github.com/edgeperf/latsink/internal/migrate"
	"github.com/edgeperf/latsink/internal/sink"
)

// Agent is the top-level orchestrator for latsink.
type Agent interface {
	// Start initializes all components and begins ingesting.
	Start(ctx context.Context) error
	// Stop shuts down all components gracefully.
	Stop() error
}

type agent struct {
	log    logrus.FieldLogger
	cfg    *Config
	health *export.HealthMetrics
	sinks  []sink.Sink
	server *ingest.Server

	cancel context.CancelFunc
}

// New creates a new Agent.
func New(log logrus.FieldLogger, cfg *Config) (Agent, error) {
	health := export.NewHealthMetrics(log, cfg.Health)

	windowSink, err := sink.NewWindowSink(
		log, cfg.Sink.Window, clock.NewSystem(), health,
	)
	if err != nil {
		return nil, fmt.Errorf("creating window sink: %w", err)
	}

	a := &agent{
		log:    log.WithField("component", "agent"),
		cfg:    cfg,
		health: health,
		sinks:  []sink.Sink{windowSink},
	}

	a.server = ingest.NewServer(log, cfg.Ingest, a.sinks, health)

	return a, nil
}

func (a *agent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// 1. Start health metrics server.
	if err := a.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	a.log.Info("Health metrics server started")

	// 2. Apply pending schema migrations before the sinks connect.
	if a.cfg.MigrateOnStart {
		m := migrate.New(a.log, a.cfg.Sink.Window.ClickHouse)
		if err := m.Up(ctx); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}

		a.log.Info("Schema migrations applied")
	}

	// 3. Start sinks so they are ready before intake opens.
	for _, s := range a.sinks {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("starting sink %s: %w", s.Name(), err)
		}

		a.log.WithField("sink", s.Name()).Info("Sink started")
	}

	// 4. Open the intake server last.
	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("starting ingest server: %w", err)
	}

	a.log.Info("Agent fully started")

	return nil
}

func (a *agent) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}

	// Stop in reverse order: close intake first so no observations
	// arrive after the sinks flush their final window.
	if a.server != nil {
		if err := a.server.Stop(); err != nil {
			a.log.WithError(err).Error("Error stopping ingest server")
		}
	}

	for _, s := range a.sinks {
		if err := s.Stop(); err != nil {
			a.log.WithError(err).WithField("sink", s.Name()).
				Error("Error stopping sink")
		}
	}

	if a.health != nil {
		if err := a.health.Stop(); err != nil {
			a.log.WithError(err).Error("Error stopping health metrics server")
		}
	}

	return nil
}

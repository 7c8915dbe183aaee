package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/edgeperf/latsink/internal/clock"
	"github.com/edgeperf/latsink/internal/export"
	httpexport "github.com/edgeperf/latsink/internal/export/http"
	"github.com/edgeperf/latsink/internal/hdr"
)

// WindowConfig configures the windowed histogram sink.
type WindowConfig struct {
	// Interval is the aggregation window length. Defaults to 10s.
	Interval time.Duration `yaml:"interval"`

	// Quantiles are the percentiles exported per series per window.
	// Defaults to 50, 90, 99, 99.9.
	Quantiles []float64 `yaml:"quantiles"`

	// LowestDiscernible, HighestTrackable and SignificantDigits define
	// the histogram encoding shared by every series. Defaults: 1ns to
	// 1 hour in nanoseconds at 3 significant digits.
	LowestDiscernible int64 `yaml:"lowest_discernible"`
	HighestTrackable  int64 `yaml:"highest_trackable"`
	SignificantDigits int   `yaml:"significant_digits"`

	// MaxSeries caps the number of live series histograms; observations
	// for new series beyond the cap are dropped. Defaults to 1024.
	MaxSeries int `yaml:"max_series"`

	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`
	HTTP       httpexport.Config       `yaml:"http"`
}

// ApplyDefaults applies default values to unset fields.
func (c *WindowConfig) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}

	if len(c.Quantiles) == 0 {
		c.Quantiles = []float64{50, 90, 99, 99.9}
	}

	if c.LowestDiscernible <= 0 {
		c.LowestDiscernible = 1
	}

	if c.HighestTrackable <= 0 {
		c.HighestTrackable = int64(time.Hour)
	}

	if c.SignificantDigits <= 0 {
		c.SignificantDigits = 3
	}

	if c.MaxSeries <= 0 {
		c.MaxSeries = 1024
	}
}

// series is the per-series recording state for the current window.
// saturated counts observations outside the configured value range.
type series struct {
	hist      *hdr.Histogram[int64, uint64]
	saturated uint64
}

// WindowSink records observations into per-series HDR histograms and on
// every interval freezes them all, exporting one percentile row per
// configured quantile per active series.
//
// The registry mutex is the external synchronization the histograms
// need: each histogram has exactly one writer at a time.
type WindowSink struct {
	log    logrus.FieldLogger
	cfg    WindowConfig
	hdrCfg *hdr.Config
	clk    clock.Clock
	health *export.HealthMetrics

	writer        *export.ClickHouseWriter
	httpProcessor *processor.BatchItemProcessor[export.PercentileRow]

	mu          sync.Mutex
	series      map[string]*series
	windowStart time.Time
	windowMono  int64

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Sink = (*WindowSink)(nil)

// NewWindowSink creates a new windowed histogram sink.
func NewWindowSink(
	log logrus.FieldLogger,
	cfg WindowConfig,
	clk clock.Clock,
	health *export.HealthMetrics,
) (*WindowSink, error) {
	cfg.ApplyDefaults()

	hdrCfg, err := hdr.NewConfig(
		cfg.LowestDiscernible,
		cfg.HighestTrackable,
		cfg.SignificantDigits,
	)
	if err != nil {
		return nil, fmt.Errorf("building histogram config: %w", err)
	}

	s := &WindowSink{
		log:    log.WithField("sink", "window"),
		cfg:    cfg,
		hdrCfg: hdrCfg,
		clk:    clk,
		health: health,
		series: make(map[string]*series, 64),
		done:   make(chan struct{}),
	}

	if cfg.ClickHouse.Enabled {
		s.writer = export.NewClickHouseWriter(log, cfg.ClickHouse, health)
	}

	if cfg.HTTP.Enabled {
		proc, err := httpexport.NewProcessor(log, cfg.HTTP, "window")
		if err != nil {
			return nil, fmt.Errorf("creating HTTP processor: %w", err)
		}

		s.httpProcessor = proc
	}

	return s, nil
}

func (s *WindowSink) Name() string { return "window" }

// Config returns the shared histogram encoding.
func (s *WindowSink) Config() *hdr.Config {
	return s.hdrCfg
}

func (s *WindowSink) Start(ctx context.Context) error {
	if s.writer != nil {
		if err := s.writer.Start(ctx); err != nil {
			return fmt.Errorf("starting ClickHouse writer: %w", err)
		}
	}

	mono, err := s.clk.Monotonic()
	if err != nil {
		return fmt.Errorf("reading monotonic clock: %w", err)
	}

	s.mu.Lock()
	s.windowStart = s.clk.Now()
	s.windowMono = mono
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)

	go s.runTimer(ctx)

	s.log.WithFields(logrus.Fields{
		"interval": s.cfg.Interval,
		"buckets":  s.hdrCfg.Size(),
	}).Info("Window sink started")

	return nil
}

func (s *WindowSink) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	// Flush whatever the final partial window holds.
	s.flushWindow(context.Background())

	if s.httpProcessor != nil {
		if err := s.httpProcessor.Shutdown(context.Background()); err != nil {
			s.log.WithError(err).Error("Error shutting down HTTP processor")
		}
	}

	if s.writer != nil {
		return s.writer.Stop()
	}

	return nil
}

// HandleObservation records one observation into its series histogram.
func (s *WindowSink) HandleObservation(obs Observation) {
	count := obs.Count
	if count == 0 {
		count = 1
	}

	s.mu.Lock()

	st, ok := s.series[obs.Series]
	if !ok {
		if len(s.series) >= s.cfg.MaxSeries {
			s.mu.Unlock()

			if s.health != nil {
				s.health.ObservationsRejected.
					WithLabelValues("series_limit").Add(float64(count))
			}

			return
		}

		st = &series{hist: hdr.New[int64, uint64](s.hdrCfg)}
		s.series[obs.Series] = st

		if s.health != nil {
			s.health.SeriesTracked.Set(float64(len(s.series)))
		}
	}

	if obs.Value < s.cfg.LowestDiscernible || obs.Value > s.cfg.HighestTrackable {
		st.saturated += count

		if s.health != nil {
			s.health.ObservationsSaturated.Add(float64(count))
		}
	}

	st.hist.RecordN(obs.Value, count)
	s.mu.Unlock()

	if s.health != nil {
		s.health.ObservationsRecorded.Add(float64(count))
	}
}

func (s *WindowSink) runTimer(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushWindow(ctx)
		}
	}
}

// flushWindow swaps every series histogram for a fresh one and exports
// percentile rows for the frozen window. The swap happens under the
// registry lock; the frozen snapshots are summarized outside it.
func (s *WindowSink) flushWindow(ctx context.Context) {
	start := time.Now()

	mono, err := s.clk.Monotonic()
	if err != nil {
		s.log.WithError(err).Error("Monotonic clock read failed, skipping flush")

		return
	}

	type frozen struct {
		name      string
		snap      *hdr.Snapshot[int64, uint64]
		saturated uint64
	}

	s.mu.Lock()

	windowStart := s.windowStart
	elapsed := time.Duration(mono - s.windowMono)
	s.windowStart = s.clk.Now()
	s.windowMono = mono

	snaps := make([]frozen, 0, len(s.series))

	for name, st := range s.series {
		if st.hist.TotalCount() == 0 {
			// Idle series age out rather than exporting empty rows.
			delete(s.series, name)

			continue
		}

		// End-of-window ownership transfer: the histogram is provably
		// done being written, so the aliasing freeze is safe here.
		snaps = append(snaps, frozen{
			name:      name,
			snap:      st.hist.UnsafeFreeze(),
			saturated: st.saturated,
		})

		s.series[name] = &series{hist: hdr.New[int64, uint64](s.hdrCfg)}
	}

	if s.health != nil {
		s.health.SeriesTracked.Set(float64(len(s.series)))
	}

	s.mu.Unlock()

	if len(snaps) == 0 {
		return
	}

	intervalMs := uint32(elapsed.Milliseconds())
	rows := make([]export.PercentileRow, 0, len(snaps)*len(s.cfg.Quantiles))

	for _, f := range snaps {
		for _, q := range s.cfg.Quantiles {
			r := f.snap.Percentile(q)

			rows = append(rows, export.PercentileRow{
				WindowStart: windowStart,
				IntervalMs:  intervalMs,
				Series:      f.name,
				Quantile:    q,
				Lower:       r.Lower,
				Upper:       r.Upper,
				TotalCount:  f.snap.TotalCount(),
				Saturated:   f.saturated,
			})
		}
	}

	s.export(ctx, rows)

	if s.health != nil {
		s.health.WindowsFlushed.Inc()
		s.health.FlushDuration.Observe(time.Since(start).Seconds())
	}

	s.log.WithFields(logrus.Fields{
		"series":      len(snaps),
		"rows":        len(rows),
		"interval_ms": intervalMs,
	}).Debug("Window flushed")
}

func (s *WindowSink) export(ctx context.Context, rows []export.PercentileRow) {
	if s.writer != nil {
		if err := s.writer.InsertPercentiles(ctx, rows); err != nil {
			if s.health != nil {
				s.health.ExportErrors.WithLabelValues("clickhouse").Inc()
			}

			s.log.WithError(err).Error("ClickHouse export failed")
		}
	}

	if s.httpProcessor != nil {
		items := make([]*export.PercentileRow, 0, len(rows))
		for i := range rows {
			items = append(items, &rows[i])
		}

		if err := s.httpProcessor.Write(ctx, items); err != nil {
			if s.health != nil {
				s.health.ExportErrors.WithLabelValues("http").Inc()
			}

			s.log.WithError(err).Error("HTTP export failed")
		}
	}
}

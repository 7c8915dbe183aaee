package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for agent health.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Ingest layer.
	ObservationsRecorded  prometheus.Counter
	ObservationsRejected  *prometheus.CounterVec // reason
	ObservationsSaturated prometheus.Counter
	IngestRequestDuration prometheus.Histogram

	// Sink layer.
	SeriesTracked  prometheus.Gauge
	WindowsFlushed prometheus.Counter
	FlushDuration  prometheus.Histogram

	// Export layer.
	ClickHouseConnected prometheus.Gauge
	ExportErrors        *prometheus.CounterVec // exporter
	ExportBatchDuration prometheus.Histogram
	ExportBatchSize     prometheus.Histogram

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		ObservationsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latsink",
			Name:      "observations_recorded_total",
			Help:      "Total observations recorded into histograms.",
		}),
		ObservationsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "latsink",
				Name:      "observations_rejected_total",
				Help:      "Total malformed observations rejected by reason.",
			},
			[]string{"reason"},
		),
		ObservationsSaturated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latsink",
			Name:      "observations_saturated_total",
			Help:      "Total out-of-range observations clamped into boundary buckets.",
		}),
		IngestRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "latsink",
			Name:      "ingest_request_duration_seconds",
			Help:      "Time to handle one ingest request.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		SeriesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "latsink",
			Name:      "series_tracked",
			Help:      "Number of series with live histograms.",
		}),
		WindowsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latsink",
			Name:      "windows_flushed_total",
			Help:      "Total aggregation window flushes.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "latsink",
			Name:      "flush_duration_seconds",
			Help:      "Time to freeze and summarize all series in a window.",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		ClickHouseConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "latsink",
			Name:      "clickhouse_connected",
			Help:      "Whether the ClickHouse connection is established (1=yes, 0=no).",
		}),
		ExportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "latsink",
				Name:      "export_errors_total",
				Help:      "Total export errors by exporter.",
			},
			[]string{"exporter"},
		),
		ExportBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "latsink",
			Name:      "export_batch_duration_seconds",
			Help:      "Time to write one batch of percentile rows.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		ExportBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "latsink",
			Name:      "export_batch_size",
			Help:      "Number of rows per exported batch.",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000},
		}),
	}

	reg.MustRegister(
		h.ObservationsRecorded,
		h.ObservationsRejected,
		h.ObservationsSaturated,
		h.IngestRequestDuration,
		h.SeriesTracked,
		h.WindowsFlushed,
		h.FlushDuration,
		h.ClickHouseConnected,
		h.ExportErrors,
		h.ExportBatchDuration,
		h.ExportBatchSize,
	)

	return h
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}

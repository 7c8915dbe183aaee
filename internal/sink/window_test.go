package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeperf/latsink/internal/clock"
	"github.com/edgeperf/latsink/internal/export"
	httpexport "github.com/edgeperf/latsink/internal/export/http"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func newTestSink(t *testing.T, cfg WindowConfig) (*WindowSink, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))

	s, err := NewWindowSink(testLog(), cfg, clk, nil)
	require.NoError(t, err)

	return s, clk
}

func TestNewWindowSink_Defaults(t *testing.T) {
	s, _ := newTestSink(t, WindowConfig{})

	assert.Equal(t, 10*time.Second, s.cfg.Interval)
	assert.Equal(t, []float64{50, 90, 99, 99.9}, s.cfg.Quantiles)
	assert.Equal(t, 1024, s.cfg.MaxSeries)
	assert.Equal(t, int64(1), s.Config().LowestDiscernible())
	assert.Equal(t, int64(time.Hour), s.Config().HighestTrackable())
}

func TestNewWindowSink_BadEncoding(t *testing.T) {
	clk := clock.NewFake(time.Now())

	_, err := NewWindowSink(testLog(), WindowConfig{
		LowestDiscernible: 1000,
		HighestTrackable:  1500,
	}, clk, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "building histogram config")
}

func TestHandleObservation_RecordsSeries(t *testing.T) {
	s, _ := newTestSink(t, WindowConfig{})

	s.HandleObservation(Observation{Series: "api.get", Value: 1500})
	s.HandleObservation(Observation{Series: "api.get", Value: 2500})
	s.HandleObservation(Observation{Series: "db.query", Value: 900})

	s.mu.Lock()
	defer s.mu.Unlock()

	require.Len(t, s.series, 2)
	assert.Equal(t, uint64(2), s.series["api.get"].hist.TotalCount())
	assert.Equal(t, uint64(1), s.series["db.query"].hist.TotalCount())
}

func TestHandleObservation_ZeroCountMeansOne(t *testing.T) {
	s, _ := newTestSink(t, WindowConfig{})

	s.HandleObservation(Observation{Series: "a", Value: 100, Count: 0})
	s.HandleObservation(Observation{Series: "a", Value: 100, Count: 5})

	s.mu.Lock()
	defer s.mu.Unlock()

	assert.Equal(t, uint64(6), s.series["a"].hist.TotalCount())
}

func TestHandleObservation_SeriesLimit(t *testing.T) {
	s, _ := newTestSink(t, WindowConfig{MaxSeries: 2})

	s.HandleObservation(Observation{Series: "a", Value: 100})
	s.HandleObservation(Observation{Series: "b", Value: 100})
	s.HandleObservation(Observation{Series: "c", Value: 100})

	s.mu.Lock()
	defer s.mu.Unlock()

	assert.Len(t, s.series, 2)
	assert.NotContains(t, s.series, "c")

	// Existing series keep recording at the cap.
	assert.Equal(t, uint64(1), s.series["a"].hist.TotalCount())
}

func TestHandleObservation_TracksSaturation(t *testing.T) {
	s, _ := newTestSink(t, WindowConfig{
		LowestDiscernible: 1,
		HighestTrackable:  1000,
	})

	s.HandleObservation(Observation{Series: "a", Value: 500})
	s.HandleObservation(Observation{Series: "a", Value: 50_000})
	s.HandleObservation(Observation{Series: "a", Value: -3})

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.series["a"]
	assert.Equal(t, uint64(3), st.hist.TotalCount())
	assert.Equal(t, uint64(2), st.saturated)
}

func TestFlushWindow_SwapsAndAgesOut(t *testing.T) {
	s, clk := newTestSink(t, WindowConfig{})

	s.HandleObservation(Observation{Series: "a", Value: 100})
	clk.Advance(10 * time.Second)

	s.flushWindow(context.Background())

	// The series stays registered with a fresh histogram.
	s.mu.Lock()
	require.Contains(t, s.series, "a")
	assert.Equal(t, uint64(0), s.series["a"].hist.TotalCount())
	s.mu.Unlock()

	// A second idle window ages the series out.
	clk.Advance(10 * time.Second)
	s.flushWindow(context.Background())

	s.mu.Lock()
	assert.NotContains(t, s.series, "a")
	s.mu.Unlock()
}

func TestStop_ExportsFinalWindow(t *testing.T) {
	var mu sync.Mutex

	rows := make([]export.PercentileRow, 0, 8)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scanner := bufio.NewScanner(r.Body)
		for scanner.Scan() {
			var row export.PercentileRow
			assert.NoError(t, json.Unmarshal(scanner.Bytes(), &row))

			mu.Lock()
			rows = append(rows, row)
			mu.Unlock()
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, clk := newTestSink(t, WindowConfig{
		Quantiles: []float64{50, 99},
		HTTP: httpexport.Config{
			Enabled:      true,
			Address:      server.URL,
			Compression:  httpexport.CompressionNone,
			BatchTimeout: 50 * time.Millisecond,
		},
	})

	require.NoError(t, s.Start(context.Background()))

	for i := 0; i < 100; i++ {
		s.HandleObservation(Observation{Series: "api.get", Value: int64(i + 1)})
	}

	clk.Advance(10 * time.Second)

	// Stop flushes the final partial window and drains the exporter.
	require.NoError(t, s.Stop())

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, rows, 2)

	for _, row := range rows {
		assert.Equal(t, "api.get", row.Series)
		assert.Equal(t, uint64(100), row.TotalCount)
		assert.Equal(t, uint32(10_000), row.IntervalMs)
		assert.LessOrEqual(t, row.Lower, row.Upper)
	}

	assert.Equal(t, float64(50), rows[0].Quantile)
	assert.Equal(t, float64(99), rows[1].Quantile)
}

package export

import "time"

// PercentileRow is one exported percentile of one series over one
// aggregation window. It is the exporter-agnostic payload shared by the
// ClickHouse and HTTP exporters.
type PercentileRow struct {
	WindowStart time.Time `json:"window_start"`
	IntervalMs  uint32    `json:"interval_ms"`
	Series      string    `json:"series"`
	Quantile    float64   `json:"quantile"`

	// Lower and Upper bound the raw values at this quantile; the width
	// of the interval reflects the histogram's configured precision.
	Lower int64 `json:"lower"`
	Upper int64 `json:"upper"`

	// TotalCount is the number of observations in the window.
	TotalCount uint64 `json:"total_count"`

	// Saturated is the number of out-of-range observations that were
	// clamped into the boundary buckets during the window.
	Saturated uint64 `json:"saturated"`

	MetaClientName string `json:"meta_client_name,omitempty"`
}

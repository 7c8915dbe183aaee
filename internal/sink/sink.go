package sink

import "context"

// Observation is a single ingested latency sample: a series name, a raw
// value, and an optional weight (0 is treated as 1).
type Observation struct {
	Series string `json:"series"`
	Value  int64  `json:"value"`
	Count  uint64 `json:"count,omitempty"`
}

// Config holds configuration for all sinks.
type Config struct {
	Window WindowConfig `yaml:"window"`
}

// Sink defines the interface for observation consumers.
type Sink interface {
	// Name returns the sink's name for logging.
	Name() string
	// Start initializes the sink.
	Start(ctx context.Context) error
	// Stop shuts down the sink.
	Stop() error
	// HandleObservation records a single observation.
	HandleObservation(obs Observation)
}

// Package http streams percentile rows to an NDJSON-speaking HTTP sink
// such as Vector, batching and compressing each request. Its compression
// helpers are shared with the ingest server, which accepts the same
// encodings this package produces.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/edgeperf/latsink/internal/export"
)

// Exporter posts batches of percentile rows as NDJSON. It implements
// the batch processor's ItemExporter.
type Exporter struct {
	cfg        Config
	client     *http.Client
	compressor *Compressor
	log        logrus.FieldLogger
}

var _ processor.ItemExporter[export.PercentileRow] = (*Exporter)(nil)

// NewExporter creates an exporter from a validated config.
func NewExporter(log logrus.FieldLogger, cfg Config) (*Exporter, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	compressor, err := NewCompressor(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	return &Exporter{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Workers * 2,
				MaxIdleConnsPerHost: cfg.Workers * 2,
				IdleConnTimeout:     90 * time.Second,
				DisableKeepAlives:   !cfg.IsKeepAlive(),
			},
			Timeout: cfg.ExportTimeout,
		},
		compressor: compressor,
		log:        log.WithField("component", "http_exporter"),
	}, nil
}

// ExportItems sends one batch of percentile rows.
func (e *Exporter) ExportItems(
	ctx context.Context,
	rows []*export.PercentileRow,
) error {
	if len(rows) == 0 {
		return nil
	}

	body, err := e.encode(rows)
	if err != nil {
		return err
	}

	compressed, err := e.compressor.Compress(body)
	if err != nil {
		return fmt.Errorf("compressing batch: %w", err)
	}

	if err := e.post(ctx, compressed); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"rows":       len(rows),
		"bytes":      len(body),
		"compressed": len(compressed),
	}).Debug("Exported percentile batch")

	return nil
}

// encode renders the rows as NDJSON. Rows without a reporting node name
// are stamped with the configured MetaClientName so the HTTP payload
// carries the same row identity as the ClickHouse inserts.
func (e *Exporter) encode(rows []*export.PercentileRow) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(rows) * 256)

	encoder := json.NewEncoder(&buf)

	for _, row := range rows {
		if row == nil {
			continue
		}

		if row.MetaClientName == "" {
			row.MetaClientName = e.cfg.MetaClientName
		}

		if err := encoder.Encode(row); err != nil {
			return nil, fmt.Errorf("encoding row: %w", err)
		}
	}

	return buf.Bytes(), nil
}

func (e *Exporter) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, e.cfg.Address, bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-ndjson")

	if encoding := e.compressor.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// Shutdown releases the compressor.
func (e *Exporter) Shutdown(_ context.Context) error {
	if e.compressor != nil {
		return e.compressor.Close()
	}

	return nil
}

// NewProcessor wraps an Exporter in a batch processor.
func NewProcessor(
	log logrus.FieldLogger,
	cfg Config,
	name string,
) (*processor.BatchItemProcessor[export.PercentileRow], error) {
	exporter, err := NewExporter(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	cfg.ApplyDefaults()

	proc, err := processor.NewBatchItemProcessor[export.PercentileRow](
		exporter,
		name,
		log,
		processor.WithMaxQueueSize(cfg.MaxQueueSize),
		processor.WithBatchTimeout(cfg.BatchTimeout),
		processor.WithExportTimeout(cfg.ExportTimeout),
		processor.WithMaxExportBatchSize(cfg.BatchSize),
		processor.WithWorkers(cfg.Workers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor: %w", err)
	}

	return proc, nil
}

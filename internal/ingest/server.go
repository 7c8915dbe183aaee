// Package ingest provides the HTTP intake boundary: it accepts NDJSON
// observation streams and feeds them to the recording sinks. Malformed
// lines are counted and skipped; intake never fails a whole request for
// one bad line, mirroring the histograms' never-reject recording policy.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgeperf/latsink/internal/export"
	httpexport "github.com/edgeperf/latsink/internal/export/http"
	"github.com/edgeperf/latsink/internal/sink"
)

// Server accepts POST /v1/observations NDJSON bodies, optionally
// compressed with any encoding the export layer can produce.
type Server struct {
	log      logrus.FieldLogger
	cfg      Config
	sinks    []sink.Sink
	health   *export.HealthMetrics
	server   *http.Server
	listener net.Listener
}

// NewServer creates a new intake server feeding the given sinks.
func NewServer(
	log logrus.FieldLogger,
	cfg Config,
	sinks []sink.Sink,
	health *export.HealthMetrics,
) *Server {
	cfg.ApplyDefaults()

	return &Server{
		log:    log.WithField("component", "ingest"),
		cfg:    cfg,
		sinks:  sinks,
		health: health,
	}
}

// Start begins serving the intake endpoint.
func (s *Server) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/observations", s.handleObservations)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}

	s.listener = ln

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.WithField("addr", ln.Addr().String()).
			Info("Ingest server started")

		if err := s.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("Ingest server error")
		}
	}()

	return nil
}

// Addr returns the actual listener address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.cfg.Addr
}

// Stop shuts down the intake server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	return s.server.Close()
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

		return
	}

	body, err := httpexport.DecompressReader(
		r.Header.Get("Content-Encoding"),
		http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes),
	)
	if err != nil {
		s.log.WithError(err).Debug("Rejected request body")
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)

		return
	}
	defer body.Close()

	// MaxBytesReader above bounds the wire bytes; a compressed body can
	// still inflate far past the limit, so the decompressed stream is
	// capped too.
	accepted, rejected := s.consume(&cappedReader{
		r: body,
		n: s.cfg.MaxBodyBytes + 1,
	})

	if s.health != nil {
		s.health.IngestRequestDuration.Observe(time.Since(start).Seconds())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)

	_ = json.NewEncoder(w).Encode(map[string]int{
		"accepted": accepted,
		"rejected": rejected,
	})
}

// consume reads NDJSON observations until EOF, dispatching each valid
// line to every sink.
func (s *Server) consume(body io.Reader) (accepted, rejected int) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var obs sink.Observation
		if err := json.Unmarshal(line, &obs); err != nil {
			rejected++

			if s.health != nil {
				s.health.ObservationsRejected.
					WithLabelValues("malformed").Inc()
			}

			continue
		}

		if obs.Series == "" {
			rejected++

			if s.health != nil {
				s.health.ObservationsRejected.
					WithLabelValues("missing_series").Inc()
			}

			continue
		}

		for _, snk := range s.sinks {
			snk.HandleObservation(obs)
		}

		accepted++
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			rejected++

			if s.health != nil {
				s.health.ObservationsRejected.
					WithLabelValues("body_too_large").Inc()
			}

			s.log.WithField("limit", s.cfg.MaxBodyBytes).
				Warn("Truncated oversized request body")
		} else {
			s.log.WithError(err).Debug("Body read ended early")
		}
	}

	return accepted, rejected
}

var errBodyTooLarge = errors.New("request body exceeds size limit")

// cappedReader fails the stream once more than n bytes have been read.
// n is set to one past the limit so a body exactly at the limit passes.
type cappedReader struct {
	r io.Reader
	n int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.n <= 0 {
		return 0, errBodyTooLarge
	}

	if int64(len(p)) > c.n {
		p = p[:c.n]
	}

	n, err := c.r.Read(p)
	c.n -= int64(n)

	return n, err
}

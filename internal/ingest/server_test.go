package ingest

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeperf/latsink/internal/sink"
)

// captureSink records every dispatched observation for assertions.
type captureSink struct {
	mu  sync.Mutex
	obs []sink.Observation
}

func (c *captureSink) Name() string                  { return "capture" }
func (c *captureSink) Start(_ context.Context) error { return nil }
func (c *captureSink) Stop() error                   { return nil }

func (c *captureSink) HandleObservation(obs sink.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.obs = append(c.obs, obs)
}

func (c *captureSink) observations() []sink.Observation {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]sink.Observation(nil), c.obs...)
}

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func startServer(t *testing.T) (*Server, *captureSink) {
	t.Helper()

	return startServerWith(t, Config{})
}

func startServerWith(t *testing.T, cfg Config) (*Server, *captureSink) {
	t.Helper()

	cfg.Addr = "127.0.0.1:0"

	cs := &captureSink{}
	srv := NewServer(testLog(), cfg, []sink.Sink{cs}, nil)

	require.NoError(t, srv.Start(context.Background()))

	t.Cleanup(func() {
		srv.Stop()
	})

	return srv, cs
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

func postBody(t *testing.T, srv *Server, encoding string, body []byte) ingestResponse {
	t.Helper()

	url := fmt.Sprintf("http://%s/v1/observations", srv.Addr())

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)

	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out ingestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

func TestServer_AcceptsNDJSON(t *testing.T) {
	srv, cs := startServer(t)

	body := strings.Join([]string{
		`{"series":"api.get","value":1500}`,
		`{"series":"api.get","value":2500,"count":3}`,
		`{"series":"db.query","value":900}`,
	}, "\n")

	out := postBody(t, srv, "", []byte(body))
	assert.Equal(t, 3, out.Accepted)
	assert.Equal(t, 0, out.Rejected)

	obs := cs.observations()
	require.Len(t, obs, 3)
	assert.Equal(t, sink.Observation{Series: "api.get", Value: 1500}, obs[0])
	assert.Equal(t, uint64(3), obs[1].Count)
	assert.Equal(t, "db.query", obs[2].Series)
}

func TestServer_SkipsBadLines(t *testing.T) {
	srv, cs := startServer(t)

	body := strings.Join([]string{
		`{"series":"a","value":1}`,
		`not json at all`,
		``,
		`{"value":2}`,
		`{"series":"b","value":3}`,
	}, "\n")

	out := postBody(t, srv, "", []byte(body))
	assert.Equal(t, 2, out.Accepted)
	assert.Equal(t, 2, out.Rejected)

	obs := cs.observations()
	require.Len(t, obs, 2)
	assert.Equal(t, "a", obs[0].Series)
	assert.Equal(t, "b", obs[1].Series)
}

func TestServer_GzipBody(t *testing.T) {
	srv, cs := startServer(t)

	var buf bytes.Buffer

	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(`{"series":"a","value":42}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out := postBody(t, srv, "gzip", buf.Bytes())
	assert.Equal(t, 1, out.Accepted)

	obs := cs.observations()
	require.Len(t, obs, 1)
	assert.Equal(t, int64(42), obs[0].Value)
}

func TestServer_CapsDecompressedBody(t *testing.T) {
	srv, cs := startServerWith(t, Config{MaxBodyBytes: 512})

	// A small compressed payload that inflates well past the limit.
	line := `{"series":"a","value":1}` + "\n"

	var buf bytes.Buffer

	w := gzip.NewWriter(&buf)
	for i := 0; i < 500; i++ {
		_, err := w.Write([]byte(line))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	require.Less(t, buf.Len(), 512)

	out := postBody(t, srv, "gzip", buf.Bytes())
	assert.Less(t, out.Accepted, 500)
	assert.GreaterOrEqual(t, out.Rejected, 1)
	assert.Less(t, len(cs.observations()), 500)
}

func TestServer_UnknownEncoding(t *testing.T) {
	srv, _ := startServer(t)

	url := fmt.Sprintf("http://%s/v1/observations", srv.Addr())

	req, err := http.NewRequest(
		http.MethodPost, url, strings.NewReader(`{"series":"a","value":1}`),
	)
	require.NoError(t, err)
	req.Header.Set("Content-Encoding", "br")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv, _ := startServer(t)

	url := fmt.Sprintf("http://%s/v1/observations", srv.Addr())

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

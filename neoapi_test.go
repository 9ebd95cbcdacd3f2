package neoapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	Path    string
	Auth    string
	Outputs []map[string]any
}

type collector struct {
	mu       sync.Mutex
	requests []received
	server   *httptest.Server
}

func newCollector(t *testing.T) *collector {
	t.Helper()
	c := &collector{}
	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Outputs []map[string]any `json:"outputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.requests = append(c.requests, received{Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Outputs: body.Outputs})
		c.mu.Unlock()
		if r.URL.Path == "/v1/llm-outputs/analyze" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"analysis":"fine"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(c.server.Close)
	return c
}

func (c *collector) Requests() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]received(nil), c.requests...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestNewClientRequiresCredential(t *testing.T) {
	t.Setenv("NEOAPI_API_KEY", "")

	_, err := NewClient(Config{})
	require.ErrorIs(t, err, ErrMissingCredential)
	assert.EqualError(t, err, "API key must be provided either directly or through NEOAPI_API_KEY environment variable")

	_, err = NewAsyncClient(Config{})
	require.ErrorIs(t, err, ErrMissingCredential)
}

func TestNewClientReadsKeyFromEnvironment(t *testing.T) {
	col := newCollector(t)
	t.Setenv("NEOAPI_API_KEY", "env-key")

	client, err := NewClient(Config{BaseURL: col.server.URL, BatchSize: 1, FlushInterval: time.Hour, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	require.NoError(t, client.TrackText("hello"))
	require.NoError(t, client.Stop(context.Background()))

	reqs := col.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer env-key", reqs[0].Auth)
}

func TestClientDeliversBatchesOverHTTP(t *testing.T) {
	t.Parallel()

	col := newCollector(t)
	client, err := NewClient(Config{
		APIKey:        "test-key",
		BaseURL:       col.server.URL,
		BatchSize:     2,
		FlushInterval: time.Hour,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)

	assert.EqualError(t, client.TrackText("early"), "Client session is not initialized")
	require.NoError(t, client.Start(context.Background()))

	require.NoError(t, client.TrackText("Test 1", WithTimestamp(1234567890.0), WithProject("p")))
	require.NoError(t, client.TrackText("Test 2", WithMetadata(map[string]any{"k": "v"})))
	require.NoError(t, client.TrackText("Test 3"))
	require.NoError(t, client.Stop(context.Background()))

	reqs := col.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/v1/llm-outputs", reqs[0].Path)
	assert.Equal(t, "Bearer test-key", reqs[0].Auth)
	require.Len(t, reqs[0].Outputs, 2)
	first := reqs[0].Outputs[0]
	assert.Equal(t, "Test 1", first["text"])
	assert.Equal(t, 1234567890.0, first["timestamp"])
	assert.Equal(t, "p", first["project"])
	assert.Equal(t, DefaultGroup, first["group"])
	assert.Nil(t, first["metadata"])
	assert.Equal(t, map[string]any{"k": "v"}, reqs[0].Outputs[1]["metadata"])
	require.Len(t, reqs[1].Outputs, 1)
	assert.Equal(t, "Test 3", reqs[1].Outputs[0]["text"])

	assert.ErrorIs(t, client.TrackText("late"), ErrStopped)
	stats := client.Stats()
	assert.EqualValues(t, 3, stats.Tracked)
	assert.EqualValues(t, 3, stats.Sent)
	assert.Zero(t, stats.QueueDepth)
}

func TestAsyncClientWrapAndAnalysis(t *testing.T) {
	t.Parallel()

	col := newCollector(t)
	var (
		mu       sync.Mutex
		analyses []string
	)
	client, err := NewAsyncClient(Config{
		APIKey:        "test-key",
		BaseURL:       col.server.URL,
		BatchSize:     10,
		FlushInterval: time.Hour,
		Logger:        quietLogger(),
		AnalysisHandler: func(batch []*LLMOutput, res Result) {
			mu.Lock()
			defer mu.Unlock()
			analyses = append(analyses, string(res.Analysis))
		},
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))

	answer := WrapValue(client, func(context.Context) int { return 42 }, WithNeedAnalysisResponse(true))
	failing := Wrap(client, func(context.Context) (string, error) { return "", errors.New("model down") })

	assert.Equal(t, 42, answer(context.Background()))
	_, err = failing(context.Background())
	require.Error(t, err)

	require.NoError(t, client.Flush(context.Background()))
	reqs := col.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/v1/llm-outputs/analyze", reqs[0].Path)
	require.Len(t, reqs[0].Outputs, 1)
	assert.Equal(t, "42", reqs[0].Outputs[0]["text"])
	assert.Equal(t, true, reqs[0].Outputs[0]["need_analysis_response"])

	mu.Lock()
	assert.Equal(t, []string{`{"analysis":"fine"}`}, analyses)
	mu.Unlock()

	require.NoError(t, client.Stop(context.Background()))
	assert.NoError(t, client.Stop(context.Background()))
}

func TestClientStartTwice(t *testing.T) {
	t.Parallel()

	col := newCollector(t)
	client, err := NewClient(Config{APIKey: "k", BaseURL: col.server.URL, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	assert.ErrorIs(t, client.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, client.Stop(context.Background()))
	assert.ErrorIs(t, client.Start(context.Background()), ErrStopped)
}

package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabricsight/fabricsight/pkg/auth"
	"github.com/fabricsight/fabricsight/pkg/config"
	"github.com/fabricsight/fabricsight/pkg/errors"
	"github.com/fabricsight/fabricsight/pkg/schema"
)

// ingestCapture records every batch delivered to the fake ingestion endpoint
type ingestCapture struct {
	mu      sync.Mutex
	batches map[string][][]map[string]interface{}
}

func newIngestCapture() *ingestCapture {
	return &ingestCapture{batches: make(map[string][][]map[string]interface{})}
}

func (c *ingestCapture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []map[string]interface{}
		if err := gojson.Unmarshal(body, &batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		stream := r.PathValue("stream")
		c.mu.Lock()
		c.batches[stream] = append(c.batches[stream], batch)
		c.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *ingestCapture) records(stream string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches[stream] {
		n += len(b)
	}
	return n
}

func ingestServer(capture *ingestCapture) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /dataCollectionRules/{rule}/streams/{stream}", capture.handler())
	return httptest.NewServer(mux)
}

func testConfig(apiURL, ingestURL string) *config.Config {
	cfg := config.NewConfig("test")
	cfg.Auth.Token = "tok"
	cfg.Collection.APIBaseURL = apiURL
	cfg.Collection.AdminBaseURL = apiURL
	cfg.Collection.Workers = 2
	cfg.Collection.MaxPages = 50
	cfg.Ingestion.EndpointURL = ingestURL
	cfg.Ingestion.RuleID = "dcr-1"
	cfg.Reliability.RetryAttempts = 2
	cfg.Reliability.RetryDelay = time.Millisecond
	cfg.Reliability.MaxRetryDelay = 2 * time.Millisecond
	cfg.Reliability.RetryAfterDefault = time.Millisecond
	cfg.Observability.EnableMetrics = false
	return cfg
}

func refreshJSON(id string, at time.Time) string {
	return fmt.Sprintf(`{"requestId":%q,"status":"Completed","startTime":%q}`,
		id, at.UTC().Format(time.RFC3339))
}

func TestRunCollectsAndDeliversDatasetRefreshes(t *testing.T) {
	inWindow := time.Now().Add(-30 * time.Minute)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/datasets/ds-1/refreshes", r.URL.Path)
		switch r.URL.Query().Get("continuationToken") {
		case "":
			fmt.Fprintf(w, `{"value":[%s,%s],"continuationToken":"p2"}`,
				refreshJSON("r1", inWindow), refreshJSON("r2", inWindow))
		case "p2":
			fmt.Fprintf(w, `{"value":[%s]}`, refreshJSON("r3", inWindow))
		}
	}))
	defer api.Close()

	capture := newIngestCapture()
	sink := ingestServer(capture)
	defer sink.Close()

	cfg := testConfig(api.URL, sink.URL)
	cfg.Collection.Streams = []string{schema.StreamDatasetRefresh}
	cfg.Collection.Entities = map[string][]string{"dataset": {"ds-1"}}

	c := New(cfg, auth.NewStaticProvider("tok"), zap.NewNop())
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, result.Status)
	assert.True(t, result.Succeeded())
	assert.NotEmpty(t, result.RunID)
	assert.Empty(t, result.SkippedKinds)

	sr := result.Streams[schema.StreamDatasetRefresh]
	require.NotNil(t, sr)
	assert.Equal(t, int64(3), sr.Collected)
	assert.Equal(t, int64(3), sr.Sent)
	assert.Equal(t, int64(0), sr.Failed)
	assert.Equal(t, 1, sr.Entities)

	assert.Equal(t, 3, capture.records(schema.StreamDatasetRefresh))

	// Delivered records conform to the stream schema
	s, _ := schema.Get(schema.StreamDatasetRefresh)
	for _, batch := range capture.batches[schema.StreamDatasetRefresh] {
		for _, rec := range batch {
			assert.Len(t, rec, len(s.Columns))
			assert.Equal(t, "ds-1", rec["DatasetId"])
		}
	}
}

func TestRunSkipsKindWhenDiscoveryFails(t *testing.T) {
	inWindow := time.Now().Add(-30 * time.Minute)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/capacities":
			w.WriteHeader(http.StatusInternalServerError)
		case "/datasets/ds-1/refreshes":
			fmt.Fprintf(w, `{"value":[%s]}`, refreshJSON("r1", inWindow))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer api.Close()

	capture := newIngestCapture()
	sink := ingestServer(capture)
	defer sink.Close()

	cfg := testConfig(api.URL, sink.URL)
	cfg.Collection.Streams = []string{schema.StreamCapacityMetric, schema.StreamDatasetRefresh}
	cfg.Collection.Entities = map[string][]string{"dataset": {"ds-1"}}

	c := New(cfg, auth.NewStaticProvider("tok"), zap.NewNop())
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	// The failing kind is skipped; the healthy stream still delivers
	assert.Equal(t, StatePartiallyFailed, result.Status)
	assert.Contains(t, result.SkippedKinds, "capacity")
	assert.NotEmpty(t, result.Streams[schema.StreamCapacityMetric].Errors)

	assert.Equal(t, int64(1), result.Streams[schema.StreamDatasetRefresh].Sent)
	assert.Equal(t, 1, capture.records(schema.StreamDatasetRefresh))
}

func TestRunIsolatesFailingEntity(t *testing.T) {
	inWindow := time.Now().Add(-30 * time.Minute)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/datasets/bad/refreshes":
			w.WriteHeader(http.StatusInternalServerError)
		case "/datasets/good/refreshes":
			fmt.Fprintf(w, `{"value":[%s]}`, refreshJSON("r1", inWindow))
		}
	}))
	defer api.Close()

	capture := newIngestCapture()
	sink := ingestServer(capture)
	defer sink.Close()

	cfg := testConfig(api.URL, sink.URL)
	cfg.Collection.Streams = []string{schema.StreamDatasetRefresh}
	cfg.Collection.Entities = map[string][]string{"dataset": {"bad", "good"}}

	c := New(cfg, auth.NewStaticProvider("tok"), zap.NewNop())
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatePartiallyFailed, result.Status)
	assert.Empty(t, result.SkippedKinds)

	sr := result.Streams[schema.StreamDatasetRefresh]
	assert.Equal(t, int64(1), sr.Sent)
	assert.Equal(t, 2, sr.Entities)
	assert.NotEmpty(t, sr.Errors)
}

func TestRunResolvesExplicitItemScope(t *testing.T) {
	inWindow := time.Now().Add(-30 * time.Minute)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/workspaces/ws-1/items/item-1/jobs/instances", r.URL.Path)
		fmt.Fprintf(w, `{"value":[{"id":"run-1","status":"Completed","startTimeUtc":%q}]}`,
			inWindow.UTC().Format(time.RFC3339))
	}))
	defer api.Close()

	capture := newIngestCapture()
	sink := ingestServer(capture)
	defer sink.Close()

	cfg := testConfig(api.URL, sink.URL)
	cfg.Collection.Streams = []string{schema.StreamPipelineRun}
	cfg.Collection.Entities = map[string][]string{"pipeline": {"ws-1/item-1"}}

	c := New(cfg, auth.NewStaticProvider("tok"), zap.NewNop())
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, result.Status)
	assert.Equal(t, int64(1), result.Streams[schema.StreamPipelineRun].Sent)

	batch := capture.batches[schema.StreamPipelineRun][0]
	assert.Equal(t, "ws-1", batch[0]["WorkspaceId"])
	assert.Equal(t, "run-1", batch[0]["RunId"])
}

func TestRunRejectsMalformedItemScope(t *testing.T) {
	capture := newIngestCapture()
	sink := ingestServer(capture)
	defer sink.Close()

	cfg := testConfig("http://unused", sink.URL)
	cfg.Collection.Streams = []string{schema.StreamPipelineRun}
	cfg.Collection.Entities = map[string][]string{"pipeline": {"missing-workspace-prefix"}}

	c := New(cfg, auth.NewStaticProvider("tok"), zap.NewNop())
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatePartiallyFailed, result.Status)
	assert.Contains(t, result.SkippedKinds, "pipeline")
}

func TestRunDiscoversItemsAcrossWorkspaces(t *testing.T) {
	inWindow := time.Now().Add(-30 * time.Minute)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/workspaces":
			fmt.Fprint(w, `{"value":[{"id":"ws-1","displayName":"One"},{"id":"ws-2","displayName":"Two"}]}`)
		case "/workspaces/ws-1/items":
			fmt.Fprint(w, `{"value":[{"id":"df-1","displayName":"Flow"}]}`)
		case "/workspaces/ws-2/items":
			fmt.Fprint(w, `{"value":[]}`)
		case "/workspaces/ws-1/items/df-1/jobs/instances":
			fmt.Fprintf(w, `{"value":[{"id":"run-1","status":"Succeeded","startTime":%q}]}`,
				inWindow.UTC().Format(time.RFC3339))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer api.Close()

	capture := newIngestCapture()
	sink := ingestServer(capture)
	defer sink.Close()

	cfg := testConfig(api.URL, sink.URL)
	cfg.Collection.Streams = []string{schema.StreamDataflowRun}

	c := New(cfg, auth.NewStaticProvider("tok"), zap.NewNop())
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, result.Status)
	sr := result.Streams[schema.StreamDataflowRun]
	assert.Equal(t, 1, sr.Entities)
	assert.Equal(t, int64(1), sr.Sent)
}

func TestRunFailsFastOnInvalidConfig(t *testing.T) {
	cfg := testConfig("http://unused", "http://unused")
	// No streams configured

	c := New(cfg, auth.NewStaticProvider("tok"), zap.NewNop())
	_, err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestRunFailsFastWithoutCredentials(t *testing.T) {
	cfg := testConfig("http://unused", "http://unused")
	cfg.Collection.Streams = []string{schema.StreamDatasetRefresh}

	c := New(cfg, auth.NewStaticProvider(""), zap.NewNop())
	_, err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestRunGraceFlushesBufferedRecordsOnDeadline(t *testing.T) {
	inWindow := time.Now().Add(-30 * time.Minute)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("continuationToken") {
		case "":
			fmt.Fprintf(w, `{"value":[%s,%s],"continuationToken":"p2"}`,
				refreshJSON("r1", inWindow), refreshJSON("r2", inWindow))
		case "p2":
			// Holds the second page until the run deadline passes
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}
	}))
	defer api.Close()

	capture := newIngestCapture()
	sink := ingestServer(capture)
	defer sink.Close()

	cfg := testConfig(api.URL, sink.URL)
	cfg.Collection.Streams = []string{schema.StreamDatasetRefresh}
	cfg.Collection.Entities = map[string][]string{"dataset": {"ds-1"}}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	c := New(cfg, auth.NewStaticProvider("tok"), zap.NewNop())
	result, err := c.Run(ctx)
	require.NoError(t, err)

	// The stalled page fails its entity and the run reports partial failure
	assert.Equal(t, StatePartiallyFailed, result.Status)

	sr := result.Streams[schema.StreamDatasetRefresh]
	assert.Equal(t, int64(2), sr.Collected)
	assert.Equal(t, int64(2), sr.Sent)
	assert.Equal(t, int64(0), sr.Failed)
	assert.NotEmpty(t, sr.Errors)

	// Records buffered before the deadline still reach the endpoint
	assert.Equal(t, 2, capture.records(schema.StreamDatasetRefresh))
}

func TestRunConservesRecordCounts(t *testing.T) {
	inWindow := time.Now().Add(-30 * time.Minute)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"value":[%s,%s]}`,
			refreshJSON("r1", inWindow), refreshJSON("r2", inWindow))
	}))
	defer api.Close()

	// Ingestion rejects everything with 400
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer sink.Close()

	cfg := testConfig(api.URL, sink.URL)
	cfg.Collection.Streams = []string{schema.StreamDatasetRefresh}
	cfg.Collection.Entities = map[string][]string{"dataset": {"ds-1"}}

	c := New(cfg, auth.NewStaticProvider("tok"), zap.NewNop())
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatePartiallyFailed, result.Status)

	sr := result.Streams[schema.StreamDatasetRefresh]
	assert.Equal(t, int64(2), sr.Collected)
	assert.Equal(t, sr.Collected, sr.Sent+sr.Failed)
	assert.Equal(t, int64(2), sr.Failed)
}

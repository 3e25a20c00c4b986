package fabric

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabricsight/fabricsight/pkg/auth"
	"github.com/fabricsight/fabricsight/pkg/config"
	"github.com/fabricsight/fabricsight/pkg/errors"
)

// testProvider counts token calls and issues t1, t2, ...
type testProvider struct {
	calls int32
}

func (p *testProvider) Token(context.Context, string) (auth.Token, error) {
	n := atomic.AddInt32(&p.calls, 1)
	return auth.Token{Value: fmt.Sprintf("t%d", n)}, nil
}

func (p *testProvider) Name() string { return "test" }

func newTestClient(t *testing.T, serverURL string, mutate func(*config.Config)) (*Client, *testProvider) {
	t.Helper()

	cfg := config.NewConfig("test")
	cfg.Collection.APIBaseURL = serverURL
	cfg.Collection.AdminBaseURL = serverURL
	cfg.Collection.MaxPages = 100
	cfg.Reliability.RetryAttempts = 3
	cfg.Reliability.RetryDelay = time.Millisecond
	cfg.Reliability.MaxRetryDelay = 2 * time.Millisecond
	cfg.Reliability.RetryAfterDefault = time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	provider := &testProvider{}
	tokens := auth.NewManager(provider, "scope", zap.NewNop())
	return NewClient(cfg, tokens, zap.NewNop()), provider
}

func testWindow() Window {
	return Window{
		Start: time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC),
		Mode:  ModeIncremental,
	}
}

func drain(t *testing.T, r *PageReader) []RawRecord {
	t.Helper()
	var out []RawRecord
	for {
		rec, ok, err := r.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, rec)
	}
}

func TestReaderPaginatesWithContinuationToken(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		switch r.URL.Query().Get("continuationToken") {
		case "":
			fmt.Fprint(w, `{"value":[{"requestId":"a","startTime":"2026-08-25T10:00:00Z"},{"requestId":"b","startTime":"2026-08-25T11:00:00Z"}],"continuationToken":"page2"}`)
		case "page2":
			fmt.Fprint(w, `{"value":[{"requestId":"c","startTime":"2026-08-25T12:00:00Z"}]}`)
		default:
			t.Errorf("unexpected continuation token on call %d", n)
		}
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, nil)
	reader := client.Read(EntityRef{ID: "ds-1", Kind: KindDataset}, testWindow(), DetailSummary)

	records := drain(t, reader)
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0]["requestId"])
	assert.Equal(t, "c", records[2]["requestId"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestReaderFiltersRecordsOutsideWindow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[
			{"requestId":"old","startTime":"2026-08-20T10:00:00Z"},
			{"requestId":"in","startTime":"2026-08-25T10:00:00Z"},
			{"requestId":"untimed"}
		]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, nil)
	reader := client.Read(EntityRef{ID: "ds-1", Kind: KindDataset}, testWindow(), DetailSummary)

	records := drain(t, reader)
	require.Len(t, records, 2)
	assert.Equal(t, "in", records[0]["requestId"])
	// Records with no parseable time field are kept
	assert.Equal(t, "untimed", records[1]["requestId"])
}

func TestReaderRetriesAfterThrottle(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"value":[{"requestId":"a","startTime":"2026-08-25T10:00:00Z"}]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, nil)
	reader := client.Read(EntityRef{ID: "ds-1", Kind: KindDataset}, testWindow(), DetailSummary)

	records := drain(t, reader)
	require.Len(t, records, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestReaderGivesUpAfterPersistentThrottle(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, func(cfg *config.Config) {
		cfg.Reliability.RetryAttempts = 2
	})
	reader := client.Read(EntityRef{ID: "ds-1", Kind: KindDataset}, testWindow(), DetailSummary)

	_, _, err := reader.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRateLimit))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestReaderRefreshesTokenOnceOn401(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"value":[{"requestId":"a","startTime":"2026-08-25T10:00:00Z"}]}`)
	}))
	defer server.Close()

	client, provider := newTestClient(t, server.URL, nil)
	reader := client.Read(EntityRef{ID: "ds-1", Kind: KindDataset}, testWindow(), DetailSummary)

	records := drain(t, reader)
	require.Len(t, records, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&provider.calls))
}

func TestReaderFailsOn401AfterRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, nil)
	reader := client.Read(EntityRef{ID: "ds-1", Kind: KindDataset}, testWindow(), DetailSummary)

	_, _, err := reader.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePermission))
}

func TestReaderEnforcesPageCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Never-ending pagination
		fmt.Fprint(w, `{"value":[{"requestId":"a","startTime":"2026-08-25T10:00:00Z"}],"continuationToken":"more"}`)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, func(cfg *config.Config) {
		cfg.Collection.MaxPages = 3
	})
	reader := client.Read(EntityRef{ID: "ds-1", Kind: KindDataset}, testWindow(), DetailSummary)

	seen := 0
	for {
		_, ok, err := reader.Next(context.Background())
		if err != nil {
			assert.True(t, errors.IsType(err, errors.ErrorTypePagination))
			assert.Equal(t, 3, seen)
			return
		}
		require.True(t, ok, "reader ended without tripping the page cap")
		seen++
	}
}

func TestReaderParsesActivityEventEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "activityevents")
		assert.Contains(t, r.URL.Query().Get("$filter"), "ws-1")
		fmt.Fprint(w, `{"activityEventEntities":[{"Id":"e1","CreationTime":"2026-08-25T10:00:00Z"}]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, nil)
	reader := client.Read(EntityRef{ID: "ws-1", Kind: KindWorkspace}, testWindow(), DetailSummary)

	records := drain(t, reader)
	require.Len(t, records, 1)
	assert.Equal(t, "e1", records[0]["Id"])
}

func TestReaderFetchesActivityDetailAtFullDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/workspaces/ws-1/items/item-1/jobs/instances":
			fmt.Fprint(w, `{"value":[{"id":"run-1","startTimeUtc":"2026-08-25T10:00:00Z"}]}`)
		case "/workspaces/ws-1/items/item-1/jobs/instances/run-1/activities":
			fmt.Fprint(w, `{"value":[{"activityRunId":"act-1"},{"activityRunId":"act-2"}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, nil)
	entity := EntityRef{ID: "item-1", Kind: KindPipeline, Workspace: "ws-1"}
	reader := client.Read(entity, testWindow(), DetailFull)

	records := drain(t, reader)
	require.Len(t, records, 3)
	assert.Equal(t, "run-1", records[0]["id"])
	// Children inherit the parent run ID
	assert.Equal(t, "run-1", records[1]["pipelineRunId"])
	assert.Equal(t, "act-2", records[2]["activityRunId"])
}

func TestReaderSummaryDetailSkipsActivityCalls(t *testing.T) {
	var activityCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/workspaces/ws-1/items/item-1/jobs/instances" {
			fmt.Fprint(w, `{"value":[{"id":"run-1","startTimeUtc":"2026-08-25T10:00:00Z"}]}`)
			return
		}
		atomic.AddInt32(&activityCalls, 1)
		fmt.Fprint(w, `{"value":[]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, nil)
	entity := EntityRef{ID: "item-1", Kind: KindPipeline, Workspace: "ws-1"}
	reader := client.Read(entity, testWindow(), DetailSummary)

	records := drain(t, reader)
	require.Len(t, records, 1)
	assert.Equal(t, int32(0), atomic.LoadInt32(&activityCalls))
}

func TestWindowContains(t *testing.T) {
	w := testWindow()
	assert.True(t, w.Contains(w.Start))
	assert.True(t, w.Contains(w.End))
	assert.False(t, w.Contains(w.Start.Add(-time.Second)))
	assert.False(t, w.Contains(w.End.Add(time.Second)))
}

func TestNewWindowDefaults(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	w := NewWindow(ModeIncremental, 0, now)
	assert.Equal(t, now.Add(-time.Hour), w.Start)

	w = NewWindow(ModeBulk, 0, now)
	assert.Equal(t, now.Add(-30*24*time.Hour), w.Start)

	w = NewWindow(ModeActivityBackfill, 0, now)
	assert.Equal(t, now.Add(-7*24*time.Hour), w.Start)

	w = NewWindow(ModeBulk, 2*time.Hour, now)
	assert.Equal(t, now.Add(-2*time.Hour), w.Start)
}

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lryan599/grageng/kg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, store kg.GraphStore, cfg AppConfig, opts ...AppOption) (string, *App) {
	t.Helper()
	if store == nil {
		store = kg.NewMemoryGraphStore()
	}
	cfg.Address = "127.0.0.1:0"
	app := NewApp(store, cfg, opts...)
	require.NoError(t, app.Start())
	t.Cleanup(func() {
		_ = app.Stop(context.Background())
		_ = app.Wait()
	})
	require.NotEmpty(t, app.Address())
	return "http://" + app.Address(), app
}

func TestAppHTTP(t *testing.T) {
	t.Run("endpoints", testAppEndpoints)
	t.Run("root_payload", testAppRootPayload)
	t.Run("request_id_middleware", testAppRequestIDMiddleware)
	t.Run("request_id_is_logged", testAppRequestIDIsLogged)
	t.Run("request_metrics", testAppRequestMetrics)
	t.Run("background_snapshots", testAppBackgroundSnapshots)
	t.Run("start_twice", testAppStartTwice)
}

func testAppEndpoints(t *testing.T) {
	base, _ := newTestApp(t, nil, AppConfig{})

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "root", method: http.MethodGet, path: "/", status: http.StatusOK},
		{name: "health", method: http.MethodGet, path: "/health", status: http.StatusOK},
		{name: "healthz", method: http.MethodGet, path: "/healthz", status: http.StatusOK},
		{name: "metrics_app", method: http.MethodGet, path: "/metrics/app", status: http.StatusOK},
		{name: "labels", method: http.MethodGet, path: "/graph/labels", status: http.StatusOK},
		{name: "snapshot_unconfigured", method: http.MethodPost, path: "/graph/snapshot", status: http.StatusServiceUnavailable},
		{name: "history_unconfigured", method: http.MethodGet, path: "/graph/snapshots", status: http.StatusServiceUnavailable},
		{name: "chat_unconfigured", method: http.MethodPost, path: "/chat", status: http.StatusServiceUnavailable},
		{name: "unknown_route", method: http.MethodGet, path: "/nope", status: http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, base+tc.path, nil)
			require.NoError(t, err)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func testAppRootPayload(t *testing.T) {
	base, _ := newTestApp(t, nil, AppConfig{})

	resp, err := http.Get(base + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, map[string]string{"Hello": "World"}, body)
}

// syncBuffer is a bytes.Buffer safe for the server goroutine to write while
// the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testAppRequestIDIsLogged(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	base, _ := newTestApp(t, nil, AppConfig{Logger: logger})

	req, err := http.NewRequest(http.MethodGet, base+"/graph/labels", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "trace-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		for _, line := range strings.Split(logs.String(), "\n") {
			var rec map[string]any
			if json.Unmarshal([]byte(line), &rec) != nil {
				continue
			}
			if rec["path"] == "/graph/labels" && rec["request_id"] == "trace-42" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func testAppRequestIDMiddleware(t *testing.T) {
	base, _ := newTestApp(t, nil, AppConfig{})

	tests := []struct {
		name       string
		sendHeader string
		wantSame   bool
	}{
		{name: "echoes_header_back", sendHeader: "req-123", wantSame: true},
		{name: "assigns_when_missing", sendHeader: ""},
		{name: "whitespace_only_treated_as_absent", sendHeader: "   "},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, base+"/healthz", nil)
			require.NoError(t, err)
			if tc.sendHeader != "" {
				req.Header.Set("X-Request-ID", tc.sendHeader)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			got := resp.Header.Get("X-Request-ID")
			require.NotEmpty(t, got)
			if tc.wantSame {
				assert.Equal(t, tc.sendHeader, got)
			} else {
				assert.Len(t, got, 36, "generated ids are uuids")
			}
		})
	}
}

func testAppRequestMetrics(t *testing.T) {
	base, app := newTestApp(t, nil, AppConfig{})

	for i := 0; i < 2; i++ {
		resp, err := http.Get(base + "/graph/nodes/missing")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	}

	stats := app.Metrics().Snapshot().RouteStats["GET /graph/nodes/:id"]
	assert.EqualValues(t, 2, stats.Count)
	assert.EqualValues(t, 2, stats.ErrorCount)
}

func testAppBackgroundSnapshots(t *testing.T) {
	ctx := context.Background()
	store := kg.NewMemoryGraphStore()
	require.NoError(t, store.UpsertEdge(ctx, "a", "b", nil))

	blobs := kg.NewLocalBlobStore(t.TempDir())
	publisher, err := kg.NewSnapshotPublisher(blobs, &kg.BlobManifestStore{Store: blobs})
	require.NoError(t, err)

	newTestApp(t, store, AppConfig{GraphID: "bg", SnapshotInterval: 20 * time.Millisecond},
		WithSnapshotPublisher(publisher))

	require.Eventually(t,
		func() bool {
			refs, err := publisher.History(ctx, "bg")
			return err == nil && len(refs) > 0
		},
		2*time.Second,
		20*time.Millisecond,
	)

	snap, ref, err := publisher.LoadLatest(ctx, "bg")
	require.NoError(t, err)
	assert.Equal(t, 2, ref.Nodes)
	assert.Len(t, snap.Edges, 1)
}

func testAppStartTwice(t *testing.T) {
	_, app := newTestApp(t, nil, AppConfig{})
	require.Error(t, app.Start())
}

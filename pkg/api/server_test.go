package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlpoint/crawlpoint/pkg/auth"
	"github.com/crawlpoint/crawlpoint/pkg/blob"
	"github.com/crawlpoint/crawlpoint/pkg/coord"
	"github.com/crawlpoint/crawlpoint/pkg/dataset"
	"github.com/crawlpoint/crawlpoint/pkg/kv"
	"github.com/crawlpoint/crawlpoint/pkg/logs"
	"github.com/crawlpoint/crawlpoint/pkg/orchestrator"
	"github.com/crawlpoint/crawlpoint/pkg/queue"
	"github.com/crawlpoint/crawlpoint/pkg/runtime"
	"github.com/crawlpoint/crawlpoint/pkg/store"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

const testAPIKey = "cp_test_key"

type testServer struct {
	http  *httptest.Server
	store *store.MemoryStore
	runs  *orchestrator.Service
	logs  *logs.Service
	rt    *runtime.FakeRuntime
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	co := coord.NewWithClient(rdb)
	t.Cleanup(func() { _ = co.Close() })

	st := store.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	lg := logs.NewService(co)
	rt := runtime.NewFakeRuntime()
	tokens := auth.NewRunTokenIssuer(co)
	runs := orchestrator.NewService(orchestrator.Config{
		APIBaseURL:  "http://localhost:8787",
		StorageRoot: "/var/lib/crawlpoint",
	}, st, co, blobs, lg, rt, tokens)

	srv := NewServer(Config{}, Deps{
		Store:    st,
		Runs:     runs,
		Queues:   queue.NewService(st, co),
		Datasets: dataset.NewService(st, blobs),
		KVStores: kv.NewService(st, blobs),
		Logs:     lg,
		Resolver: auth.NewChainResolver(auth.NewAPIKeyResolver(map[string]string{testAPIKey: "user-1"}), tokens),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{http: ts, store: st, runs: runs, logs: lg, rt: rt}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Data
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Error.Type
}

func (ts *testServer) createActor(t *testing.T) types.Actor {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/v2/acts", map[string]any{
		"name": "web-crawler",
		"defaultRunOptions": map[string]any{
			"image":        "crawlpoint/web-crawler:latest",
			"memoryMbytes": 256,
			"timeoutSecs":  60,
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeData[types.Actor](t, resp)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/v2/actor-runs", nil)
	require.NoError(t, err)
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHENTICATED", decodeError(t, resp))

	req.Header.Set("Authorization", "Bearer cp_wrong")
	resp, err = ts.http.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestActorLifecycle(t *testing.T) {
	ts := newTestServer(t)
	actor := ts.createActor(t)
	assert.NotEmpty(t, actor.ID)
	assert.Equal(t, "user-1", actor.PrincipalID)

	resp := ts.do(t, http.MethodGet, "/v2/acts/"+actor.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeData[types.Actor](t, resp)
	assert.Equal(t, "web-crawler", got.Name)

	resp = ts.do(t, http.MethodPut, "/v2/acts/"+actor.ID, map[string]any{"title": "Web Crawler"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = decodeData[types.Actor](t, resp)
	assert.Equal(t, "Web Crawler", got.Title)

	resp = ts.do(t, http.MethodDelete, "/v2/acts/"+actor.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v2/acts/"+actor.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeError(t, resp))
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	actor := ts.createActor(t)
	ts.rt.Lines = []string{"fetching https://example.com"}

	ts.runs.Start()
	defer ts.runs.Stop()

	resp := ts.do(t, http.MethodPost, "/v2/acts/"+actor.ID+"/runs", map[string]any{
		"input": map[string]any{"startUrls": []string{"https://example.com"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decodeData[types.Run](t, resp)
	assert.Equal(t, types.RunStatusReady, run.Status)
	assert.NotEmpty(t, run.DefaultDatasetID)

	require.Eventually(t, func() bool {
		resp := ts.do(t, http.MethodGet, "/v2/actor-runs/"+run.ID, nil)
		return decodeData[types.Run](t, resp).Status == types.RunStatusSucceeded
	}, 5*time.Second, 50*time.Millisecond)

	resp = ts.do(t, http.MethodGet, "/v2/actor-runs/"+run.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logsPage := decodeData[map[string]any](t, resp)
	assert.EqualValues(t, 1, logsPage["total"])

	// Aborting a finished run is rejected.
	resp = ts.do(t, http.MethodPost, "/v2/actor-runs/"+run.ID+"/abort", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_STATE", decodeError(t, resp))

	// Resurrect brings it back and it finishes again.
	resp = ts.do(t, http.MethodPost, "/v2/actor-runs/"+run.ID+"/resurrect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resurrected := decodeData[types.Run](t, resp)
	assert.Equal(t, types.RunStatusRunning, resurrected.Status)
	assert.Nil(t, resurrected.FinishedAt)
}

func TestDatasetItemsOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v2/datasets", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ds := decodeData[types.Dataset](t, resp)

	// Single object push.
	resp = ts.do(t, http.MethodPost, "/v2/datasets/"+ds.ID+"/items", `{"url":"https://a"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Array push.
	resp = ts.do(t, http.MethodPost, "/v2/datasets/"+ds.ID+"/items", `[{"url":"https://b"},{"url":"https://c"}]`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v2/datasets/"+ds.ID+"/items?offset=1&limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get("X-Apify-Pagination-Total"))
	assert.Equal(t, "1", resp.Header.Get("X-Apify-Pagination-Offset"))
	var items []map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	resp.Body.Close()
	require.Len(t, items, 2)
	assert.Equal(t, "https://b", items[0]["url"])
	assert.Equal(t, "https://c", items[1]["url"])

	// Offset past the end is an empty page with the right total.
	resp = ts.do(t, http.MethodGet, "/v2/datasets/"+ds.ID+"/items?offset=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get("X-Apify-Pagination-Total"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	resp.Body.Close()
	assert.Empty(t, items)

	// Invalid JSON items are rejected.
	resp = ts.do(t, http.MethodPost, "/v2/datasets/"+ds.ID+"/items", `{"broken":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", decodeError(t, resp))
}

func TestKeyValueRecordsOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v2/key-value-stores", map[string]any{"name": "crawl-state"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	kvs := decodeData[types.KeyValueStore](t, resp)
	assert.Equal(t, "crawl-state", kvs.Name)

	// Creating by the same name returns the same store.
	resp = ts.do(t, http.MethodPost, "/v2/key-value-stores", map[string]any{"name": "crawl-state"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	again := decodeData[types.KeyValueStore](t, resp)
	assert.Equal(t, kvs.ID, again.ID)

	req, err := http.NewRequest(http.MethodPut, ts.http.URL+"/v2/key-value-stores/"+kvs.ID+"/records/state", strings.NewReader(`{"cursor":42}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err = ts.http.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v2/key-value-stores/"+kvs.ID+"/records/state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.JSONEq(t, `{"cursor":42}`, string(body))

	// Missing key in an existing store is 204.
	resp = ts.do(t, http.MethodGet, "/v2/key-value-stores/"+kvs.ID+"/records/missing", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// Missing store is 404.
	resp = ts.do(t, http.MethodGet, "/v2/key-value-stores/nope/records/state", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodDelete, "/v2/key-value-stores/"+kvs.ID+"/records/state", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v2/key-value-stores/"+kvs.ID+"/keys", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decodeData[kv.KeyPage](t, resp)
	assert.Zero(t, page.Count)
}

func TestDefaultStorageAliases(t *testing.T) {
	ts := newTestServer(t)

	// First touch of the "default" dataset creates it for the principal.
	resp := ts.do(t, http.MethodPost, "/v2/datasets/default/items", `{"url":"https://a"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v2/datasets/default", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ds := decodeData[types.Dataset](t, resp)
	assert.Equal(t, "default", ds.Name)
	assert.EqualValues(t, 1, ds.ItemCount)

	// Later references resolve to the same dataset.
	resp = ts.do(t, http.MethodGet, "/v2/datasets/default", nil)
	assert.Equal(t, ds.ID, decodeData[types.Dataset](t, resp).ID)

	resp = ts.do(t, http.MethodGet, "/v2/key-value-stores/default/records/missing", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v2/request-queues/default/requests", map[string]any{"url": "https://example.com"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v2/request-queues/default", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	q := decodeData[types.RequestQueue](t, resp)
	assert.EqualValues(t, 1, q.TotalRequestCount)
}

func TestQueueRequestsOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v2/request-queues", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	q := decodeData[types.RequestQueue](t, resp)

	resp = ts.do(t, http.MethodPost, "/v2/request-queues/"+q.ID+"/requests", map[string]any{"url": "https://example.com/a"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeData[queue.AddResult](t, resp)
	assert.False(t, first.WasAlreadyPresent)

	// Idempotent re-add reports wasAlreadyPresent with the same id.
	resp = ts.do(t, http.MethodPost, "/v2/request-queues/"+q.ID+"/requests", map[string]any{"url": "https://example.com/a"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decodeData[queue.AddResult](t, resp)
	assert.True(t, second.WasAlreadyPresent)
	assert.Equal(t, first.RequestID, second.RequestID)

	resp = ts.do(t, http.MethodPost, "/v2/request-queues/"+q.ID+"/requests/batch", []map[string]any{
		{"url": "https://example.com/b"},
		{"url": "https://example.com/a"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	batch := decodeData[queue.BatchResult](t, resp)
	require.Len(t, batch.Processed, 2)
	assert.True(t, batch.Processed[1].WasAlreadyPresent)

	resp = ts.do(t, http.MethodGet, "/v2/request-queues/"+q.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	meta := decodeData[types.RequestQueue](t, resp)
	assert.EqualValues(t, 2, meta.TotalRequestCount)
	assert.EqualValues(t, 2, meta.PendingRequestCount)
}

func TestQueueLockOwnershipOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v2/request-queues", nil)
	q := decodeData[types.RequestQueue](t, resp)
	resp = ts.do(t, http.MethodPost, "/v2/request-queues/"+q.ID+"/requests", map[string]any{"url": "https://example.com/a"})
	added := decodeData[queue.AddResult](t, resp)

	resp = ts.do(t, http.MethodPost, "/v2/request-queues/"+q.ID+"/head/lock?limit=1&lockSecs=60&clientKey=W1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	head := decodeData[queue.HeadResult](t, resp)
	require.Len(t, head.Items, 1)
	assert.Equal(t, added.RequestID, head.Items[0].ID)

	// A different client cannot mark it handled while leased.
	handledAt := time.Now().UTC().Format(time.RFC3339)
	resp = ts.do(t, http.MethodPut,
		fmt.Sprintf("/v2/request-queues/%s/requests/%s?clientKey=W2", q.ID, added.RequestID),
		map[string]any{"handledAt": handledAt})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "LOCKED_BY_OTHER", decodeError(t, resp))

	// The holder can.
	resp = ts.do(t, http.MethodPut,
		fmt.Sprintf("/v2/request-queues/%s/requests/%s?clientKey=W1", q.ID, added.RequestID),
		map[string]any{"handledAt": handledAt})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeData[types.Request](t, resp)
	assert.NotNil(t, updated.HandledAt)

	resp = ts.do(t, http.MethodGet, "/v2/request-queues/"+q.ID, nil)
	meta := decodeData[types.RequestQueue](t, resp)
	assert.EqualValues(t, 0, meta.PendingRequestCount)

	// Prolonging a lapsed lease is rejected.
	resp = ts.do(t, http.MethodPut,
		fmt.Sprintf("/v2/request-queues/%s/requests/%s/lock?clientKey=W1&lockSecs=30", q.ID, added.RequestID), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "NOT_LOCK_OWNER", decodeError(t, resp))
}

func TestForefrontOrderingOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v2/request-queues", nil)
	q := decodeData[types.RequestQueue](t, resp)

	resp = ts.do(t, http.MethodPost, "/v2/request-queues/"+q.ID+"/requests", map[string]any{"url": "https://example.com/fifo"})
	resp.Body.Close()
	resp = ts.do(t, http.MethodPost, "/v2/request-queues/"+q.ID+"/requests?forefront=true", map[string]any{"url": "https://example.com/front"})
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v2/request-queues/"+q.ID+"/head?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var head struct {
		Items []types.Request `json:"items"`
	}
	defer resp.Body.Close()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, &head))
	require.Len(t, head.Items, 2)
	assert.Equal(t, "https://example.com/front", head.Items[0].URL)
	assert.Equal(t, "https://example.com/fifo", head.Items[1].URL)
}

func TestLogStreamOverWebsocket(t *testing.T) {
	ts := newTestServer(t)
	actor := ts.createActor(t)

	run, err := ts.runs.CreateRun(context.Background(), actor.ID, "user-1", orchestrator.CreateRunParams{})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := ts.logs.Append(context.Background(), run.ID, types.LogLevelInfo, fmt.Sprintf("line %d", i))
		require.NoError(t, err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/v2/actor-runs/" + run.ID + "/logs/stream?token=" + testAPIKey
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Replayed tail first.
	for i := 1; i <= 3; i++ {
		var entry types.LogEntry
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		require.NoError(t, conn.ReadJSON(&entry))
		assert.Equal(t, fmt.Sprintf("line %d", i), entry.Message)
	}

	// Then live entries.
	_, err = ts.logs.Append(context.Background(), run.ID, types.LogLevelError, "live failure")
	require.NoError(t, err)
	var entry types.LogEntry
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&entry))
	assert.Equal(t, "live failure", entry.Message)
	assert.Equal(t, types.LogLevelError, entry.Level)
}

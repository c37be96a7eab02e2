package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexisub/lexisub/pkg/blob"
	"github.com/lexisub/lexisub/pkg/cache"
	"github.com/lexisub/lexisub/pkg/config"
	"github.com/lexisub/lexisub/pkg/llm"
	"github.com/lexisub/lexisub/pkg/pipeline"
	"github.com/lexisub/lexisub/pkg/queue"
	"github.com/lexisub/lexisub/pkg/storage"
	"github.com/lexisub/lexisub/pkg/types"
)

func newTestServer(t *testing.T, llmURL string) (*Server, *pipeline.Services) {
	t.Helper()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Default()
	cfg.WorkDir = t.TempDir()

	svc := &pipeline.Services{
		Store:  store,
		Blob:   blob.NewMemoryStore(),
		Cache:  cache.NopCache{},
		Queue:  queue.NewRedisQueue(client, queue.Options{}),
		LLM:    llm.NewClient(llmURL, "", "test-model", 1),
		Config: cfg,
	}
	return NewServer(svc, pipeline.NewCoordinator(svc), nil), svc
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

// TestAnalyzeCreatesPipeline tests task creation through the API
func TestAnalyzeCreatesPipeline(t *testing.T) {
	server, svc := newTestServer(t, "http://unused")

	var resp analyzeResponse
	rec := doJSON(t, server.Handler(), http.MethodPost,
		"/api/v1/video/analyze?url=https://example.com/v", "", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "pending", resp.Status)

	// The root exists with its download child chained
	root, err := svc.Store.GetTask(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskTypeRoot, root.TaskType)
	_, err = svc.Store.GetEdge(context.Background(), resp.TaskID, types.EdgeDownload)
	assert.NoError(t, err)
}

// TestAnalyzeRejectsBadURL tests input validation
func TestAnalyzeRejectsBadURL(t *testing.T) {
	server, _ := newTestServer(t, "http://unused")

	rec := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/video/analyze", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server.Handler(), http.MethodPost, "/api/v1/video/analyze?url=not-a-url", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestSnapshotEndpoint tests the reconciled status view
func TestSnapshotEndpoint(t *testing.T) {
	server, _ := newTestServer(t, "http://unused")

	var created analyzeResponse
	doJSON(t, server.Handler(), http.MethodPost,
		"/api/v1/video/analyze?url=https://example.com/v", "", &created)

	var snap pipeline.Snapshot
	rec := doJSON(t, server.Handler(), http.MethodGet,
		"/api/v1/video/analyze/"+created.TaskID, "", &snap)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.TaskID, snap.TaskID)
	assert.Equal(t, pipeline.PhaseDownload, snap.Phase)
	assert.NotNil(t, snap.Download)

	rec = doJSON(t, server.Handler(), http.MethodGet, "/api/v1/video/analyze/no-such-id", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestContentPendingPipeline tests the empty-content polling answer
func TestContentPendingPipeline(t *testing.T) {
	server, _ := newTestServer(t, "http://unused")

	var created analyzeResponse
	doJSON(t, server.Handler(), http.MethodPost,
		"/api/v1/video/analyze?url=https://example.com/v", "", &created)

	var content contentResponse
	rec := doJSON(t, server.Handler(), http.MethodGet,
		"/api/v1/subtitle/"+created.TaskID+"/content", "", &content)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, content.Content)
}

// TestContentCompletedPipeline tests artifact retrieval via the root id
func TestContentCompletedPipeline(t *testing.T) {
	server, svc := newTestServer(t, "http://unused")
	ctx := context.Background()

	segments := []types.Segment{{StartTime: 0, EndTime: 1700, Text: "母親が逮捕されました"}}
	artifact, _ := json.Marshal(segments)
	outputRef := "results/root.json"
	require.NoError(t, svc.Blob.Put(ctx, outputRef, artifact, "application/json"))

	root, err := svc.Store.CreateTask(ctx, types.TaskTypeRoot, "https://x")
	require.NoError(t, err)
	enrich, err := svc.Store.CreateTask(ctx, types.TaskTypeEnrich, "https://x")
	require.NoError(t, err)
	require.NoError(t, svc.Store.SetEdge(ctx, root.TaskID, types.EdgeEnrich, enrich.TaskID))

	running := types.TaskStatusRunning
	completed := types.TaskStatusCompleted
	_, err = svc.Store.UpdateTask(ctx, enrich.TaskID, storage.TaskUpdate{Status: &running})
	require.NoError(t, err)
	_, err = svc.Store.UpdateTask(ctx, enrich.TaskID, storage.TaskUpdate{Status: &completed, OutputRef: &outputRef})
	require.NoError(t, err)

	var content contentResponse
	rec := doJSON(t, server.Handler(), http.MethodGet,
		"/api/v1/subtitle/"+root.TaskID+"/content", "", &content)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, content.Content, 1)
	assert.Equal(t, "母親が逮捕されました", content.Content[0].Text)
}

// TestContentFailedPipeline tests the failed-task error answer
func TestContentFailedPipeline(t *testing.T) {
	server, svc := newTestServer(t, "http://unused")
	ctx := context.Background()

	task, err := svc.Store.CreateTask(ctx, types.TaskTypeEnrich, "")
	require.NoError(t, err)
	failed := types.TaskStatusFailed
	msg := "retries exhausted"
	_, err = svc.Store.UpdateTask(ctx, task.TaskID, storage.TaskUpdate{Status: &failed, Error: &msg})
	require.NoError(t, err)

	rec := doJSON(t, server.Handler(), http.MethodGet,
		"/api/v1/subtitle/"+task.TaskID+"/content", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "retries exhausted")
}

// TestDictionaryEndpoint tests the stateless lookup passthrough
func TestDictionaryEndpoint(t *testing.T) {
	llmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry, _ := json.Marshal(llm.DictionaryEntry{
			Word:     "逮捕",
			Meanings: []llm.DictionaryMeaning{{Meaning: "逮捕，拘捕"}},
		})
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": string(entry)}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer llmServer.Close()

	server, _ := newTestServer(t, llmServer.URL)

	var entry llm.DictionaryEntry
	rec := doJSON(t, server.Handler(), http.MethodPost,
		"/api/v1/subtitle/dictionary/query", `{"text": "逮捕"}`, &entry)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "逮捕", entry.Word)

	rec = doJSON(t, server.Handler(), http.MethodPost,
		"/api/v1/subtitle/dictionary/query", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestHealthEndpoint tests the liveness answer
func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, "http://unused")

	rec := doJSON(t, server.Handler(), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

// TestStreamFirstEvent tests that the SSE stream emits the current
// snapshot immediately on connect.
func TestStreamFirstEvent(t *testing.T) {
	server, _ := newTestServer(t, "http://unused")

	var created analyzeResponse
	doJSON(t, server.Handler(), http.MethodPost,
		"/api/v1/video/analyze?url=https://example.com/v", "", &created)

	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		httpServer.URL+"/api/v1/video/analyze/"+created.TaskID+"/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var snap pipeline.Snapshot
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &snap))
	assert.Equal(t, created.TaskID, snap.TaskID)
	assert.Equal(t, pipeline.PhaseDownload, snap.Phase)
}

// TestStreamUnknownTask tests the 404 before headers are committed
func TestStreamUnknownTask(t *testing.T) {
	server, _ := newTestServer(t, "http://unused")

	rec := doJSON(t, server.Handler(), http.MethodGet,
		"/api/v1/video/analyze/no-such-id/stream", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

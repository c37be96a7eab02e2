package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexisub/lexisub/pkg/blob"
	"github.com/lexisub/lexisub/pkg/cache"
	"github.com/lexisub/lexisub/pkg/config"
	"github.com/lexisub/lexisub/pkg/llm"
	"github.com/lexisub/lexisub/pkg/queue"
	"github.com/lexisub/lexisub/pkg/storage"
	"github.com/lexisub/lexisub/pkg/types"
)

func newTestServices(t *testing.T, llmURL string) *Services {
	t.Helper()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Default()
	cfg.WorkDir = t.TempDir()
	cfg.LLMMaxConcurrent = 1
	cfg.NeedTranslate = true

	return &Services{
		Store:  store,
		Blob:   blob.NewMemoryStore(),
		Cache:  cache.NopCache{},
		Queue:  queue.NewRedisQueue(client, queue.Options{}),
		LLM:    llm.NewClient(llmURL, "", "test-model", 1),
		Config: cfg,
	}
}

// fakeLLMServer answers split, analyze and translate requests by
// inspecting the system prompt of each chat completion.
func fakeLLMServer(t *testing.T) *httptest.Server {
	t.Helper()

	reply := func(w http.ResponseWriter, content string) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []llm.Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Messages)
		system := req.Messages[0].Content
		user := req.Messages[len(req.Messages)-1].Content

		switch {
		case strings.Contains(system, "split transcribed speech"):
			reply(w, `["母親が逮捕されました"]`)
		case strings.Contains(system, "Japanese language analyzer"):
			reply(w, `[
				{"text": "母親", "furigana": "ははおや", "romaji": "hahaoya", "type": "noun"},
				{"text": "が", "furigana": "が", "romaji": "ga", "type": "particle"},
				{"text": "逮捕", "furigana": "たいほ", "romaji": "taiho", "type": "noun"},
				{"text": "さ", "furigana": "さ", "romaji": "sa", "type": "verb"},
				{"text": "れ", "furigana": "れ", "romaji": "re", "type": "verb"},
				{"text": "まし", "furigana": "まし", "romaji": "mashi", "type": "auxiliary"},
				{"text": "た", "furigana": "た", "romaji": "ta", "type": "auxiliary"}
			]`)
		case strings.Contains(system, "translate subtitle lines"):
			// Echo a translation for every numbered line in the batch
			start := strings.Index(user, "{")
			require.GreaterOrEqual(t, start, 0)
			var numbered map[string]string
			require.NoError(t, json.Unmarshal([]byte(user[start:]), &numbered))
			out := make(map[string]string, len(numbered))
			for k := range numbered {
				out[k] = "母亲被逮捕了"
			}
			content, _ := json.Marshal(out)
			reply(w, string(content))
		default:
			t.Errorf("unexpected system prompt: %s", system)
			reply(w, "{}")
		}
	}))
}

// TestStartPipeline tests root and download child creation
func TestStartPipeline(t *testing.T) {
	svc := newTestServices(t, "http://unused")
	c := NewCoordinator(svc)
	ctx := context.Background()

	root, err := c.StartPipeline(ctx, "https://example.com/v")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, root.Status)
	assert.Equal(t, types.TaskTypeRoot, root.TaskType)

	childID, err := svc.Store.GetEdge(ctx, root.TaskID, types.EdgeDownload)
	require.NoError(t, err)

	child, err := svc.Store.GetTask(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskTypeDownload, child.TaskType)

	// Reverse edge resolves the root
	back, err := svc.Store.GetEdge(ctx, childID, types.EdgeRoot)
	require.NoError(t, err)
	assert.Equal(t, root.TaskID, back)

	// The download work unit is deliverable
	unit, _, err := svc.Queue.Dequeue(ctx, queue.QueueDownload, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, unit)
	assert.Equal(t, childID, unit.TaskID)

	var payload types.DownloadPayload
	require.NoError(t, json.Unmarshal(unit.Payload, &payload))
	assert.Equal(t, "https://example.com/v", payload.URL)
}

// TestEnsureChildIdempotent tests that a repeated chain attempt reuses
// the existing child.
func TestEnsureChildIdempotent(t *testing.T) {
	svc := newTestServices(t, "http://unused")
	c := NewCoordinator(svc)
	ctx := context.Background()

	root, err := svc.Store.CreateTask(ctx, types.TaskTypeRoot, "https://x")
	require.NoError(t, err)

	payload, _ := json.Marshal(types.TranscribePayload{AudioRef: "a.mp3"})
	require.NoError(t, c.ensureChild(ctx, root.TaskID, types.EdgeTranscribe, types.TaskTypeTranscribe, types.WorkTranscribe, payload))
	first, err := svc.Store.GetEdge(ctx, root.TaskID, types.EdgeTranscribe)
	require.NoError(t, err)

	// Crash-retry of the same chaining step
	require.NoError(t, c.ensureChild(ctx, root.TaskID, types.EdgeTranscribe, types.TaskTypeTranscribe, types.WorkTranscribe, payload))
	second, err := svc.Store.GetEdge(ctx, root.TaskID, types.EdgeTranscribe)
	require.NoError(t, err)
	assert.Equal(t, first, second, "no duplicate child task")

	tasks, err := svc.Store.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "only the root and one child exist")
}

// TestFailTaskPropagates tests failure propagation to the root
func TestFailTaskPropagates(t *testing.T) {
	svc := newTestServices(t, "http://unused")
	c := NewCoordinator(svc)
	ctx := context.Background()

	root, err := c.StartPipeline(ctx, "https://x")
	require.NoError(t, err)
	childID, err := svc.Store.GetEdge(ctx, root.TaskID, types.EdgeDownload)
	require.NoError(t, err)

	c.failTask(ctx, childID, "download", "unreachable URL")

	child, err := svc.Store.GetTask(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, child.Status)
	assert.Equal(t, "unreachable URL", child.Error)

	got, err := svc.Store.GetTask(ctx, root.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Equal(t, "download failed", got.Message)
	assert.Equal(t, "unreachable URL", got.Error)
}

// TestWrapTerminalSettles tests that Terminal errors fail the task and
// ack the unit while other errors propagate for retry.
func TestWrapTerminalSettles(t *testing.T) {
	svc := newTestServices(t, "http://unused")
	c := NewCoordinator(svc)
	ctx := context.Background()

	root, err := c.StartPipeline(ctx, "https://x")
	require.NoError(t, err)
	childID, err := svc.Store.GetEdge(ctx, root.TaskID, types.EdgeDownload)
	require.NoError(t, err)
	unit := &types.WorkUnit{Kind: types.WorkDownload, TaskID: childID}

	h := c.wrap(func(ctx context.Context, unit *types.WorkUnit) error {
		return Terminal(errors.New("bad input"))
	})
	assert.NoError(t, h(ctx, unit), "terminal failures are settled, not retried")

	child, err := svc.Store.GetTask(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, child.Status)

	h = c.wrap(func(ctx context.Context, unit *types.WorkUnit) error {
		return errors.New("transient")
	})
	assert.Error(t, h(ctx, unit), "transient failures propagate to the queue")
}

// TestBeginTaskDropsSettled tests duplicate delivery suppression
func TestBeginTaskDropsSettled(t *testing.T) {
	svc := newTestServices(t, "http://unused")
	c := NewCoordinator(svc)
	ctx := context.Background()

	task, err := svc.Store.CreateTask(ctx, types.TaskTypeDownload, "")
	require.NoError(t, err)

	ok, err := c.beginTask(ctx, task.TaskID, "working")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.completeTask(ctx, task.TaskID, "out", "done"))

	ok, err = c.beginTask(ctx, task.TaskID, "working")
	require.NoError(t, err)
	assert.False(t, ok, "settled tasks drop redelivered units")
}

// TestOnExhausted tests the dead-letter callback
func TestOnExhausted(t *testing.T) {
	svc := newTestServices(t, "http://unused")
	c := NewCoordinator(svc)
	ctx := context.Background()

	root, err := c.StartPipeline(ctx, "https://x")
	require.NoError(t, err)
	childID, err := svc.Store.GetEdge(ctx, root.TaskID, types.EdgeDownload)
	require.NoError(t, err)

	c.OnExhausted(ctx, &types.WorkUnit{Kind: types.WorkDownload, TaskID: childID})

	child, err := svc.Store.GetTask(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, child.Status)
	assert.Equal(t, "retries exhausted", child.Error)

	got, err := svc.Store.GetTask(ctx, root.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
}

// TestHandleEnrichEndToEnd tests the enrich stage against a fake LLM,
// from word-level transcript to completed root with a stored artifact.
func TestHandleEnrichEndToEnd(t *testing.T) {
	server := fakeLLMServer(t)
	defer server.Close()

	svc := newTestServices(t, server.URL)
	c := NewCoordinator(svc)
	ctx := context.Background()

	words := []types.Segment{
		{StartTime: 0, EndTime: 500, Text: "母親"},
		{StartTime: 500, EndTime: 600, Text: "が"},
		{StartTime: 600, EndTime: 1200, Text: "逮捕"},
		{StartTime: 1200, EndTime: 1300, Text: "さ"},
		{StartTime: 1300, EndTime: 1400, Text: "れ"},
		{StartTime: 1400, EndTime: 1600, Text: "まし"},
		{StartTime: 1600, EndTime: 1700, Text: "た"},
	}
	raw, err := json.Marshal(words)
	require.NoError(t, err)
	subtitleRef := "transcripts/test.json"
	require.NoError(t, svc.Blob.Put(ctx, subtitleRef, raw, "application/json"))

	root, err := svc.Store.CreateTask(ctx, types.TaskTypeRoot, "https://x")
	require.NoError(t, err)
	running := types.TaskStatusRunning
	_, err = svc.Store.UpdateTask(ctx, root.TaskID, storage.TaskUpdate{Status: &running})
	require.NoError(t, err)

	child, err := svc.Store.CreateTask(ctx, types.TaskTypeEnrich, "https://x")
	require.NoError(t, err)
	require.NoError(t, svc.Store.SetEdge(ctx, root.TaskID, types.EdgeEnrich, child.TaskID))
	require.NoError(t, svc.Store.SetEdge(ctx, child.TaskID, types.EdgeRoot, root.TaskID))

	payload, _ := json.Marshal(types.EnrichPayload{SubtitleRef: subtitleRef})
	unit := &types.WorkUnit{Kind: types.WorkEnrich, TaskID: child.TaskID, Payload: payload}
	require.NoError(t, c.handleEnrich(ctx, unit))

	got, err := svc.Store.GetTask(ctx, child.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	gotRoot, err := svc.Store.GetTask(ctx, root.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, gotRoot.Status)
	outputRef := fmt.Sprintf("results/%s.json", root.TaskID)
	assert.Equal(t, outputRef, gotRoot.OutputRef)

	artifact, err := svc.Blob.Get(ctx, outputRef)
	require.NoError(t, err)

	var segments []types.Segment
	require.NoError(t, json.Unmarshal(artifact, &segments))
	require.Len(t, segments, 1)
	assert.Equal(t, "母親が逮捕されました", segments[0].Text)
	assert.Equal(t, "母亲被逮捕了", segments[0].Translation)
	require.Len(t, segments[0].Tokens, 7)
	require.NotNil(t, segments[0].Tokens[0].StartTime)
	assert.Equal(t, int64(0), *segments[0].Tokens[0].StartTime)
}

// TestLoadSnapshot tests the store-backed reconciled view
func TestLoadSnapshot(t *testing.T) {
	svc := newTestServices(t, "http://unused")
	c := NewCoordinator(svc)
	ctx := context.Background()

	root, err := c.StartPipeline(ctx, "https://x")
	require.NoError(t, err)

	snap, err := LoadSnapshot(ctx, svc.Store, root.TaskID)
	require.NoError(t, err)
	assert.Equal(t, root.TaskID, snap.TaskID)
	assert.Equal(t, PhaseDownload, snap.Phase)
	require.NotNil(t, snap.Download)
	assert.Equal(t, types.TaskStatusPending, snap.Download.Status)
	assert.Nil(t, snap.Transcribe)

	_, err = LoadSnapshot(ctx, svc.Store, "no-such-task")
	assert.ErrorIs(t, err, storage.ErrTaskNotFound)
}

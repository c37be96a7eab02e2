package subtitle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lexisub/lexisub/pkg/llm"
	"github.com/lexisub/lexisub/pkg/types"
)

// scriptedChat answers each call through fn, keyed by the 1-based call
// number. Safe for concurrent use.
type scriptedChat struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, messages []llm.Message) (string, error)
}

func (s *scriptedChat) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(call, messages)
}

func (s *scriptedChat) Complete(ctx context.Context, system, user string) (string, error) {
	return s.Chat(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
}

func (s *scriptedChat) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// testWords is the running example transcript as word-level segments
func testWords() []types.Segment {
	return []types.Segment{
		{StartTime: 0, EndTime: 500, Text: "母親"},
		{StartTime: 500, EndTime: 600, Text: "が"},
		{StartTime: 600, EndTime: 1200, Text: "逮捕"},
		{StartTime: 1200, EndTime: 1300, Text: "さ"},
		{StartTime: 1300, EndTime: 1400, Text: "れ"},
		{StartTime: 1400, EndTime: 1600, Text: "まし"},
		{StartTime: 1600, EndTime: 1700, Text: "た"},
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, handler func(w http.ResponseWriter, req chatRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req)
	}))
}

func completionBody(content string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

// TestChat tests the happy path and request shape
func TestChat(t *testing.T) {
	server := chatServer(t, func(w http.ResponseWriter, req chatRequest) {
		assert.Equal(t, "test-model", req.Model)
		assert.Len(t, req.Messages, 2)
		w.Write([]byte(completionBody("hello back")))
	})
	defer server.Close()

	client := NewClient(server.URL, "secret", "test-model", 2)
	content, err := client.Chat(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello back", content)
}

// TestChatEmptyCompletion tests the no-choices sentinel
func TestChatEmptyCompletion(t *testing.T) {
	server := chatServer(t, func(w http.ResponseWriter, req chatRequest) {
		w.Write([]byte(`{"choices": []}`))
	})
	defer server.Close()

	client := NewClient(server.URL, "", "m", 1)
	_, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "x"}})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

// TestChatAPIError tests upstream error reporting
func TestChatAPIError(t *testing.T) {
	server := chatServer(t, func(w http.ResponseWriter, req chatRequest) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited", "type": "rate_limit"}}`))
	})
	defer server.Close()

	client := NewClient(server.URL, "", "m", 1)
	_, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

// TestComplete tests the system+user convenience wrapper
func TestComplete(t *testing.T) {
	server := chatServer(t, func(w http.ResponseWriter, req chatRequest) {
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)
		w.Write([]byte(completionBody("ok")))
	})
	defer server.Close()

	client := NewClient(server.URL, "", "m", 1)
	content, err := client.Complete(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, "ok", content)
}

// TestExtractJSON tests markdown fence stripping
func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare json", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"plain fence", "```\n[1, 2]\n```", `[1, 2]`},
		{"surrounding whitespace", "  {\"a\": 1}  ", `{"a": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.input))
		})
	}
}

// TestQueryDictionary tests a successful lookup
func TestQueryDictionary(t *testing.T) {
	entry := DictionaryEntry{
		Word:          "逮捕",
		Pronunciation: DictionaryPronunciation{Furigana: "たいほ", Romaji: "taiho"},
		PartOfSpeech:  "名词",
		Meanings:      []DictionaryMeaning{{Meaning: "逮捕，拘捕"}},
	}
	body, _ := json.Marshal(entry)

	server := chatServer(t, func(w http.ResponseWriter, req chatRequest) {
		w.Write([]byte(completionBody(string(body))))
	})
	defer server.Close()

	client := NewClient(server.URL, "", "m", 1)
	got := client.QueryDictionary(context.Background(), DictionaryQuery{Word: "逮捕"})
	assert.Equal(t, "逮捕", got.Word)
	assert.Equal(t, "たいほ", got.Pronunciation.Furigana)
	require.Len(t, got.Meanings, 1)
}

// TestQueryDictionaryFailureInEntry tests that lookup failures are
// reported inside the entry, never as an error.
func TestQueryDictionaryFailureInEntry(t *testing.T) {
	server := chatServer(t, func(w http.ResponseWriter, req chatRequest) {
		w.Write([]byte(completionBody("sorry, I cannot help with that")))
	})
	defer server.Close()

	client := NewClient(server.URL, "", "m", 1)
	got := client.QueryDictionary(context.Background(), DictionaryQuery{
		Word:     "逮捕",
		Furigana: "たいほ",
	})
	assert.Equal(t, "逮捕", got.Word)
	assert.Equal(t, "たいほ", got.Pronunciation.Furigana)
	assert.NotEmpty(t, got.Error)
	assert.NotNil(t, got.Meanings)
}

// Package llm is a minimal OpenAI-compatible chat completion client
// used for subtitle splitting, token analysis and translation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lexisub/lexisub/pkg/metrics"
)

const (
	chatCompletionsPath = "/chat/completions"
	contentTypeHeader   = "Content-Type"
	applicationJSON     = "application/json"

	httpTimeout = 120 * time.Second
)

// ErrEmptyCompletion is returned when the upstream answers with no choices
var ErrEmptyCompletion = errors.New("empty completion")

// Message is a single chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client talks to any OpenAI-compatible chat completions endpoint.
// Concurrency towards the upstream is bounded by a weighted semaphore
// shared by all callers of one client.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	sem        *semaphore.Weighted
}

// NewClient creates a chat client. maxConcurrent bounds simultaneous
// in-flight requests; values below 1 are treated as 1.
func NewClient(baseURL, apiKey, model string, maxConcurrent int) *Client {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: httpTimeout},
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Model returns the configured model identifier
func (c *Client) Model() string {
	return c.model
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Chat sends the messages and returns the first choice's content
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set(contentTypeHeader, applicationJSON)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.LLMRequests.WithLabelValues("error").Inc()
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.LLMRequests.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to read llm response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		metrics.LLMRequests.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to decode llm response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.LLMRequests.WithLabelValues("error").Inc()
		if parsed.Error != nil {
			return "", fmt.Errorf("llm error (status %d): %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("llm error: status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		metrics.LLMRequests.WithLabelValues("empty").Inc()
		return "", ErrEmptyCompletion
	}

	metrics.LLMRequests.WithLabelValues("ok").Inc()
	return parsed.Choices[0].Message.Content, nil
}

// Complete is a convenience wrapper for a system + user prompt pair
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, Message{Role: "user", Content: user})
	return c.Chat(ctx, msgs)
}

// ExtractJSON strips markdown code fences the model may wrap around a
// JSON answer and returns the inner text.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

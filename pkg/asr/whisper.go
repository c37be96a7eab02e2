package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lexisub/lexisub/pkg/metrics"
	"github.com/lexisub/lexisub/pkg/types"
)

const (
	transcriptionsPath = "/audio/transcriptions"
	whisperTimeout     = 10 * time.Minute
)

// WhisperEngine transcribes through an OpenAI-compatible
// /audio/transcriptions endpoint with word timestamp granularity.
type WhisperEngine struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewWhisperEngine creates the engine. Requests are rate limited to
// one every two seconds to stay friendly to shared endpoints.
func NewWhisperEngine(baseURL, apiKey, model string) *WhisperEngine {
	return &WhisperEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: whisperTimeout},
		limiter:    rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

func (e *WhisperEngine) Name() string {
	return "whisper"
}

func (e *WhisperEngine) KeyConfig(language string) map[string]any {
	return map[string]any{
		"engine":   e.Name(),
		"model":    e.model,
		"language": language,
	}
}

// verbose_json response shapes
type whisperWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type whisperResponse struct {
	Text     string           `json:"text"`
	Words    []whisperWord    `json:"words"`
	Segments []whisperSegment `json:"segments"`
}

// Transcribe uploads the file and converts the word timestamps into
// one-word segments. When the endpoint returns no word granularity the
// sentence segments are used as-is.
func (e *WhisperEngine) Transcribe(ctx context.Context, audioPath, language string, progress ProgressFunc) ([]types.Segment, error) {
	if progress == nil {
		progress = nopProgress
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	progress(10, "uploading audio")
	body, contentType, err := e.buildRequestBody(audioPath, language)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+transcriptionsPath, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	progress(30, "transcribing")
	resp, err := e.httpClient.Do(req)
	if err != nil {
		metrics.ASRRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ASRRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to read transcription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.ASRRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("transcription error: status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed whisperResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		metrics.ASRRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to decode transcription response: %w", err)
	}

	metrics.ASRRequests.WithLabelValues("ok").Inc()
	progress(90, "converting segments")
	return convertWhisper(parsed), nil
}

func (e *WhisperEngine) buildRequestBody(audioPath, language string) (*bytes.Buffer, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}

	fields := map[string]string{
		"model":                     e.model,
		"response_format":           "verbose_json",
		"timestamp_granularities[]": "word",
	}
	if language != "" && language != "auto" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// convertWhisper prefers word granularity, one word per segment with
// seconds converted to milliseconds. Empty words are skipped.
func convertWhisper(resp whisperResponse) []types.Segment {
	if len(resp.Words) > 0 {
		segs := make([]types.Segment, 0, len(resp.Words))
		for _, w := range resp.Words {
			text := strings.TrimSpace(w.Word)
			if text == "" {
				continue
			}
			segs = append(segs, types.Segment{
				StartTime: int64(w.Start * 1000),
				EndTime:   int64(w.End * 1000),
				Text:      text,
			})
		}
		return segs
	}

	segs := make([]types.Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		segs = append(segs, types.Segment{
			StartTime: int64(s.Start * 1000),
			EndTime:   int64(s.End * 1000),
			Text:      text,
		})
	}
	return segs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package subtitle

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexisub/lexisub/pkg/cache"
	"github.com/lexisub/lexisub/pkg/llm"
	"github.com/lexisub/lexisub/pkg/types"
)

// mapCache is an in-process Cache for exercising the memoization paths
type mapCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{m: make(map[string][]byte)}
}

func (c *mapCache) Get(ctx context.Context, key string, out any) error {
	c.mu.Lock()
	data, ok := c.m[key]
	c.mu.Unlock()
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(data, out)
}

func (c *mapCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.m[key] = data
	c.mu.Unlock()
	return nil
}

func testEnrichConfig() Config {
	return Config{
		Model:         "gpt-4o-mini",
		MaxCJK:        25,
		MaxWest:       20,
		BatchSize:     10,
		MaxConcurrent: 1,
	}
}

// enrichScript answers the split call then the analyze call
func enrichScript(t *testing.T) func(call int, messages []llm.Message) (string, error) {
	return func(call int, messages []llm.Message) (string, error) {
		switch call {
		case 1:
			return mustJSON(t, []string{"母親が逮捕されました"}), nil
		case 2:
			return mustJSON(t, goodTokens()), nil
		default:
			t.Errorf("unexpected LLM call %d", call)
			return "", nil
		}
	}
}

// TestEnricherRun tests the full split-analyze-align flow
func TestEnricherRun(t *testing.T) {
	chat := &scriptedChat{fn: enrichScript(t)}
	enricher := NewEnricher(chat, cache.NopCache{}, testEnrichConfig())

	var lastPct int
	segments, artifact, err := enricher.Run(context.Background(), testWords(), func(pct int, msg string) {
		assert.GreaterOrEqual(t, pct, lastPct, "progress must be monotonic")
		lastPct = pct
	})
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 100, lastPct)

	seg := segments[0]
	assert.Equal(t, "母親が逮捕されました", seg.Text)
	require.Len(t, seg.Tokens, 7)

	// Tokens mirror words here, so alignment stamps every token
	require.NotNil(t, seg.Tokens[0].StartTime)
	assert.Equal(t, int64(0), *seg.Tokens[0].StartTime)
	assert.Equal(t, int64(500), *seg.Tokens[0].EndTime)

	// Artifact parses back to the same segments
	parsed, err := ParseArtifact(artifact)
	require.NoError(t, err)
	assert.Equal(t, segments, parsed)
}

// TestEnricherResultCache tests that a warm cache skips all LLM work
func TestEnricherResultCache(t *testing.T) {
	stepCache := newMapCache()

	first := &scriptedChat{fn: enrichScript(t)}
	enricher := NewEnricher(first, stepCache, testEnrichConfig())
	want, _, err := enricher.Run(context.Background(), testWords(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, first.callCount())

	second := &scriptedChat{fn: func(call int, messages []llm.Message) (string, error) {
		t.Fatal("no LLM call expected on a warm cache")
		return "", nil
	}}
	enricher = NewEnricher(second, stepCache, testEnrichConfig())
	got, artifact, err := enricher.Run(context.Background(), testWords(), nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NotEmpty(t, artifact)
}

// TestEnricherConfigChangesMissCache tests config participation in keys
func TestEnricherConfigChangesMissCache(t *testing.T) {
	stepCache := newMapCache()

	first := &scriptedChat{fn: enrichScript(t)}
	_, _, err := NewEnricher(first, stepCache, testEnrichConfig()).Run(context.Background(), testWords(), nil)
	require.NoError(t, err)

	// A different model must not reuse the cached result
	cfg := testEnrichConfig()
	cfg.Model = "other-model"
	second := &scriptedChat{fn: enrichScript(t)}
	_, _, err = NewEnricher(second, stepCache, cfg).Run(context.Background(), testWords(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, second.callCount())
}

// TestEnricherSplitChangeInvalidatesAnalysis tests that tokens cached
// under one segmentation are never applied to a different one, even
// when the segment counts coincide.
func TestEnricherSplitChangeInvalidatesAnalysis(t *testing.T) {
	words := []types.Segment{
		{StartTime: 0, EndTime: 400, Text: "世界"},
		{StartTime: 400, EndTime: 500, Text: "は"},
		{StartTime: 500, EndTime: 900, Text: "広い"},
	}
	stepCache := newMapCache()

	first := &scriptedChat{fn: func(call int, messages []llm.Message) (string, error) {
		switch call {
		case 1:
			return mustJSON(t, []string{"世界は", "広い"}), nil
		case 2:
			return mustJSON(t, []types.Token{
				{Text: "世界", Furigana: "せかい", Romaji: "sekai", Type: "noun"},
				{Text: "は", Furigana: "は", Romaji: "wa", Type: "particle"},
			}), nil
		case 3:
			return mustJSON(t, []types.Token{
				{Text: "広い", Furigana: "ひろい", Romaji: "hiroi", Type: "adjective"},
			}), nil
		}
		t.Errorf("unexpected LLM call %d", call)
		return "", nil
	}}
	cfg := testEnrichConfig()
	_, _, err := NewEnricher(first, stepCache, cfg).Run(context.Background(), words, nil)
	require.NoError(t, err)
	require.Equal(t, 3, first.callCount())

	// A tighter CJK limit re-splits the same words into the same number
	// of segments with different texts; the analysis must be fresh.
	second := &scriptedChat{fn: func(call int, messages []llm.Message) (string, error) {
		switch call {
		case 1:
			return mustJSON(t, []string{"世界", "は広い"}), nil
		case 2:
			return mustJSON(t, []types.Token{
				{Text: "世界", Furigana: "せかい", Romaji: "sekai", Type: "noun"},
			}), nil
		case 3:
			return mustJSON(t, []types.Token{
				{Text: "は", Furigana: "は", Romaji: "wa", Type: "particle"},
				{Text: "広い", Furigana: "ひろい", Romaji: "hiroi", Type: "adjective"},
			}), nil
		}
		t.Errorf("unexpected LLM call %d", call)
		return "", nil
	}}
	cfg.MaxCJK = 3
	segments, _, err := NewEnricher(second, stepCache, cfg).Run(context.Background(), words, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, second.callCount(), "re-split segments need fresh analysis")

	require.Len(t, segments, 2)
	for i, seg := range segments {
		var b strings.Builder
		for _, tok := range seg.Tokens {
			b.WriteString(tok.Text)
		}
		assert.Equal(t, seg.Text, b.String(), "segment %d token concatenation", i)
	}
}

// TestArtifactFieldNames tests the stable JSON contract of the artifact
func TestArtifactFieldNames(t *testing.T) {
	start := int64(0)
	end := int64(500)
	segments := []types.Segment{{
		StartTime:   0,
		EndTime:     1700,
		Text:        "母親が逮捕されました",
		Translation: "母亲被逮捕了",
		WordSegments: []types.Word{
			{StartTime: 0, EndTime: 500, Text: "母親"},
		},
		Tokens: []types.Token{
			{Text: "母親", Furigana: "ははおや", Romaji: "hahaoya", Type: "noun", StartTime: &start, EndTime: &end},
		},
	}}

	artifact, err := BuildArtifact(segments)
	require.NoError(t, err)

	var doc []map[string]any
	require.NoError(t, json.Unmarshal(artifact, &doc))
	require.Len(t, doc, 1)

	for _, field := range []string{"start_time", "end_time", "text", "translation", "word_segments", "tokens"} {
		assert.Contains(t, doc[0], field)
	}
	tokens := doc[0]["tokens"].([]any)
	tok := tokens[0].(map[string]any)
	for _, field := range []string{"text", "furigana", "romaji", "type", "start_time", "end_time"} {
		assert.Contains(t, tok, field)
	}
}

// TestBuildArtifactNilSegments tests the empty-document shape
func TestBuildArtifactNilSegments(t *testing.T) {
	artifact, err := BuildArtifact(nil)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(artifact))
}

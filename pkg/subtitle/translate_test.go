package subtitle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexisub/lexisub/pkg/llm"
	"github.com/lexisub/lexisub/pkg/types"
)

// TestTranslateFillsSegments tests the numbered-batch protocol
func TestTranslateFillsSegments(t *testing.T) {
	chat := &scriptedChat{fn: func(call int, messages []llm.Message) (string, error) {
		return `{"1": "母亲被逮捕了", "2": "真的吗"}`, nil
	}}
	translator := NewTranslator(chat, "zh", 10, 1, false)

	segments := []types.Segment{
		{Text: "母親が逮捕されました"},
		{Text: "本当ですか"},
	}
	err := translator.Translate(context.Background(), segments, nil)
	require.NoError(t, err)
	assert.Equal(t, "母亲被逮捕了", segments[0].Translation)
	assert.Equal(t, "真的吗", segments[1].Translation)
	assert.Equal(t, 1, chat.callCount())
}

// TestTranslateBatching tests that segments are translated in batches
func TestTranslateBatching(t *testing.T) {
	chat := &scriptedChat{fn: func(call int, messages []llm.Message) (string, error) {
		return `{"1": "x", "2": "y"}`, nil
	}}
	translator := NewTranslator(chat, "zh", 2, 1, false)

	segments := make([]types.Segment, 5)
	for i := range segments {
		segments[i].Text = "行"
	}
	err := translator.Translate(context.Background(), segments, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, chat.callCount(), "5 segments at batch size 2 is 3 batches")
}

// TestTranslateFailedBatchLeftUntranslated tests partial tolerance
func TestTranslateFailedBatchLeftUntranslated(t *testing.T) {
	chat := &scriptedChat{fn: func(call int, messages []llm.Message) (string, error) {
		return "", errors.New("model unavailable")
	}}
	translator := NewTranslator(chat, "zh", 10, 1, false)

	segments := []types.Segment{{Text: "母親が逮捕されました"}}
	err := translator.Translate(context.Background(), segments, nil)
	require.NoError(t, err, "a failed batch must not fail the stage")
	assert.Empty(t, segments[0].Translation)
	assert.Equal(t, 2, chat.callCount(), "one retry per batch")
}

// TestTranslateRetriesUndecodableAnswer tests the single retry
func TestTranslateRetriesUndecodableAnswer(t *testing.T) {
	chat := &scriptedChat{fn: func(call int, messages []llm.Message) (string, error) {
		if call == 1 {
			return "sure, here you go", nil
		}
		return `{"1": "母亲被逮捕了"}`, nil
	}}
	translator := NewTranslator(chat, "zh", 10, 1, false)

	segments := []types.Segment{{Text: "母親が逮捕されました"}}
	err := translator.Translate(context.Background(), segments, nil)
	require.NoError(t, err)
	assert.Equal(t, "母亲被逮捕了", segments[0].Translation)
}

// TestTrimPunctuation tests trailing punctuation removal
func TestTrimPunctuation(t *testing.T) {
	segments := []types.Segment{
		{Text: "母親が逮捕されました。", Translation: "母亲被逮捕了。"},
		{Text: "Really?!", Translation: "真的吗？"},
	}
	TrimPunctuation(segments)
	assert.Equal(t, "母親が逮捕されました", segments[0].Text)
	assert.Equal(t, "母亲被逮捕了", segments[0].Translation)
	assert.Equal(t, "Really", segments[1].Text)
	assert.Equal(t, "真的吗", segments[1].Translation)
}

// TestTrimPunctuationLeavesTokens tests that trimming is display-only:
// tokens keep the original characters, so the trimmed punctuation
// stays addressable for readers even though the text no longer ends
// with it.
func TestTrimPunctuationLeavesTokens(t *testing.T) {
	segments := []types.Segment{{
		Text:        "本当ですか。",
		Translation: "真的吗。",
		Tokens: []types.Token{
			{Text: "本当", Furigana: "ほんとう", Romaji: "hontou", Type: "noun"},
			{Text: "ですか", Furigana: "ですか", Romaji: "desuka", Type: "expression"},
			{Text: "。", Type: "punctuation"},
		},
	}}

	TrimPunctuation(segments)
	assert.Equal(t, "本当ですか", segments[0].Text)
	assert.Equal(t, "真的吗", segments[0].Translation)

	require.Len(t, segments[0].Tokens, 3)
	assert.Equal(t, "。", segments[0].Tokens[2].Text, "tokens are untouched")
}

package subtitle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/lexisub/lexisub/pkg/llm"
	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/types"
)

const splitMaxAttempts = 3

// Splitter re-segments word-level subtitles into sentences
type Splitter struct {
	chat    Chatter
	maxCJK  int
	maxWest int
}

// NewSplitter creates a splitter with sentence length limits: maxCJK
// characters for CJK text, maxWest words for Latin-script text.
func NewSplitter(chat Chatter, maxCJK, maxWest int) *Splitter {
	if maxCJK <= 0 {
		maxCJK = 25
	}
	if maxWest <= 0 {
		maxWest = 20
	}
	return &Splitter{chat: chat, maxCJK: maxCJK, maxWest: maxWest}
}

// Split turns one-word segments into sentence segments. Each sentence
// keeps the covered words in WordSegments and spans their timestamps.
// The LLM proposal is validated against the whitespace-stripped input;
// after repeated mismatches a rule-based split takes over.
func (s *Splitter) Split(ctx context.Context, words []types.Segment) ([]types.Segment, error) {
	if len(words) == 0 {
		return nil, nil
	}

	fullText := joinWords(words)
	sentences, err := s.proposeSentences(ctx, fullText)
	if err != nil {
		log.WithComponent("subtitle").Warn().Err(err).Msg("llm split failed, using rule-based split")
		sentences = ruleBasedSplit(words, s.maxCJK, s.maxWest)
	}

	return mapSentences(sentences, words), nil
}

// proposeSentences runs the LLM conversation with validation feedback
func (s *Splitter) proposeSentences(ctx context.Context, fullText string) ([]string, error) {
	want := types.StripSpace(fullText)

	messages := []llm.Message{
		{Role: "system", Content: fmt.Sprintf(splitSystemPrompt, s.maxCJK, s.maxWest)},
		{Role: "user", Content: splitUserPrompt(fullText)},
	}

	var lastErr error
	for attempt := 0; attempt < splitMaxAttempts; attempt++ {
		content, err := s.chat.Chat(ctx, messages)
		if err != nil {
			return nil, err
		}

		var sentences []string
		if err := json.Unmarshal([]byte(llm.ExtractJSON(content)), &sentences); err != nil {
			lastErr = fmt.Errorf("undecodable split answer: %w", err)
			messages = append(messages,
				llm.Message{Role: "assistant", Content: content},
				llm.Message{Role: "user", Content: "Invalid JSON. Output ONLY a JSON array of strings."},
			)
			continue
		}

		got := types.StripSpace(strings.Join(sentences, ""))
		if got == want {
			return sentences, nil
		}

		lastErr = fmt.Errorf("split concatenation mismatch: %d chars in, %d chars out",
			len([]rune(want)), len([]rune(got)))
		messages = append(messages,
			llm.Message{Role: "assistant", Content: content},
			llm.Message{Role: "user", Content: fmt.Sprintf(
				"Your sentences do not reproduce the input text exactly (ignoring whitespace). Expected %d characters, got %d. Output the exact input text, only divided.",
				len([]rune(want)), len([]rune(got)))},
		)
	}
	return nil, lastErr
}

// joinWords reconstructs the transcript, inserting a space only
// between adjacent Latin-script words.
func joinWords(words []types.Segment) string {
	var b strings.Builder
	for i, w := range words {
		if i > 0 && endsLatin(words[i-1].Text) && startsLatin(w.Text) {
			b.WriteByte(' ')
		}
		b.WriteString(w.Text)
	}
	return b.String()
}

func startsLatin(s string) bool {
	for _, r := range s {
		return r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))
	}
	return false
}

func endsLatin(s string) bool {
	var last rune
	ok := false
	for _, r := range s {
		last, ok = r, true
	}
	return ok && last < unicode.MaxASCII && (unicode.IsLetter(last) || unicode.IsDigit(last))
}

// sentenceEnders close a sentence in either script family
var sentenceEnders = map[rune]bool{
	'。': true, '！': true, '？': true, '…': true,
	'.': true, '!': true, '?': true,
}

// ruleBasedSplit groups whole words into sentences by punctuation and
// length limits. Operating on words keeps the concat invariant exact.
func ruleBasedSplit(words []types.Segment, maxCJK, maxWest int) []string {
	var sentences []string
	var current []string
	cjkCount, wordCount := 0, 0

	flush := func() {
		if len(current) > 0 {
			sentences = append(sentences, strings.Join(current, ""))
			current = current[:0]
			cjkCount, wordCount = 0, 0
		}
	}

	for i, w := range words {
		text := w.Text
		if i > 0 && endsLatin(words[i-1].Text) && startsLatin(text) {
			text = " " + text
		}
		current = append(current, text)
		wordCount++
		for _, r := range w.Text {
			if r >= 0x2E80 { // CJK and beyond
				cjkCount++
			}
		}

		runes := []rune(w.Text)
		if len(runes) > 0 && sentenceEnders[runes[len(runes)-1]] {
			flush()
			continue
		}
		if cjkCount >= maxCJK || wordCount >= maxWest {
			flush()
		}
	}
	flush()
	return sentences
}

// mapSentences assigns words to sentences by accumulated character
// count, carrying timestamps and the covered words onto each sentence.
func mapSentences(sentences []string, words []types.Segment) []types.Segment {
	segments := make([]types.Segment, 0, len(sentences))
	wi := 0

	for _, sentence := range sentences {
		target := len([]rune(types.StripSpace(sentence)))
		if target == 0 {
			continue
		}

		start := wi
		acc := 0
		for wi < len(words) && acc < target {
			acc += len([]rune(types.StripSpace(words[wi].Text)))
			wi++
		}
		if wi == start {
			break // out of words, drop trailing sentences
		}

		covered := words[start:wi]
		wordSegs := make([]types.Word, len(covered))
		for i, w := range covered {
			wordSegs[i] = types.Word{StartTime: w.StartTime, EndTime: w.EndTime, Text: w.Text}
		}
		segments = append(segments, types.Segment{
			StartTime:    covered[0].StartTime,
			EndTime:      covered[len(covered)-1].EndTime,
			Text:         strings.TrimSpace(sentence),
			WordSegments: wordSegs,
		})
	}
	return segments
}

package subtitle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lexisub/lexisub/pkg/llm"
	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/types"
)

// maxRepairSteps bounds the analysis feedback loop per segment
const maxRepairSteps = 3

// Analyzer extracts per-token readings and parts of speech. Japanese
// is the reference language.
type Analyzer struct {
	chat          Chatter
	maxConcurrent int
}

// NewAnalyzer creates an analyzer processing up to maxConcurrent
// segments in parallel.
func NewAnalyzer(chat Chatter, maxConcurrent int) *Analyzer {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Analyzer{chat: chat, maxConcurrent: maxConcurrent}
}

// AnalyzeSegments fills seg.Tokens for every non-empty segment, in
// place. A segment whose analysis cannot be repaired gets the
// per-character fallback, never an error: enrichment must not fail the
// whole task over one stubborn line.
func (a *Analyzer) AnalyzeSegments(ctx context.Context, segments []types.Segment, progress ProgressFunc) error {
	if progress == nil {
		progress = nopProgress
	}
	total := 0
	for i := range segments {
		if strings.TrimSpace(segments[i].Text) != "" {
			total++
		}
	}

	var done atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxConcurrent)

	for i := range segments {
		i := i
		if strings.TrimSpace(segments[i].Text) == "" {
			continue
		}
		g.Go(func() error {
			tokens, err := a.analyzeText(ctx, segments[i].Text)
			if err != nil {
				// Context cancellation is the only hard failure
				return err
			}
			segments[i].Tokens = tokens
			progress(int(done.Add(1)), total, "analyzing text")
			return nil
		})
	}
	return g.Wait()
}

// analyzeText runs the repair loop for one segment text
func (a *Analyzer) analyzeText(ctx context.Context, text string) ([]types.Token, error) {
	logger := log.WithComponent("subtitle")
	charCount := len([]rune(types.StripSpace(text)))

	messages := []llm.Message{
		{Role: "system", Content: analyzeSystemPrompt},
		{Role: "user", Content: analyzeUserPrompt(text, charCount)},
	}

	for step := 0; step < maxRepairSteps; step++ {
		content, err := a.chat.Chat(ctx, messages)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Error().Err(err).Msg("analysis request failed")
			return fallbackTokens(text), nil
		}

		var tokens []types.Token
		if err := json.Unmarshal([]byte(llm.ExtractJSON(content)), &tokens); err != nil {
			logger.Warn().Err(err).Int("step", step+1).Msg("undecodable analysis answer")
			messages = append(messages,
				llm.Message{Role: "assistant", Content: content},
				llm.Message{Role: "user", Content: fmt.Sprintf("Invalid JSON format: %v\nPlease output ONLY a valid JSON array.", err)},
			)
			continue
		}

		verdict := validateTokens(text, tokens)
		if verdict.OK {
			return tokens, nil
		}

		logger.Warn().Int("step", step+1).Str("reason", verdict.Reason).Msg("analysis validation failed")
		messages = append(messages,
			llm.Message{Role: "assistant", Content: content},
			llm.Message{Role: "user", Content: analyzeRepairPrompt(verdict.Reason)},
		)
	}

	logger.Warn().Str("text", text).Msg("analysis unrepairable, emitting per-character fallback")
	return fallbackTokens(text), nil
}

// Verdict is the validation outcome for one analysis answer
type Verdict struct {
	OK     bool
	Reason string
}

func valid() Verdict { return Verdict{OK: true} }

func invalid(reason string) Verdict { return Verdict{Reason: reason} }

// validateTokens enforces the one-to-one correspondence laws: no
// character dropped, inserted, reordered or rewritten, every token
// text a contiguous substring of the segment.
func validateTokens(original string, tokens []types.Token) Verdict {
	if len(tokens) == 0 {
		return invalid("empty result")
	}
	for i, t := range tokens {
		if t.Text == "" {
			return invalid(fmt.Sprintf("item %d has an empty 'text' field", i+1))
		}
	}

	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t.Text)
	}
	want := types.StripSpace(original)
	got := types.StripSpace(b.String())

	if want == got {
		return valid()
	}

	wantRunes, gotRunes := []rune(want), []rune(got)
	if len(wantRunes) != len(gotRunes) {
		missing, extra := charDiff(wantRunes, gotRunes)
		reason := fmt.Sprintf("text length mismatch: input has %d characters, result has %d",
			len(wantRunes), len(gotRunes))
		if len(missing) > 0 {
			reason += fmt.Sprintf("; missing characters: %s", formatRunes(missing))
		}
		if len(extra) > 0 {
			reason += fmt.Sprintf("; extra characters: %s", formatRunes(extra))
		}
		reason += fmt.Sprintf(". The original text is: '%s'", original)
		return invalid(reason)
	}
	return invalid(fmt.Sprintf("text content mismatch (same length, different characters): input '%s', result '%s'", want, got))
}

// charDiff compares character frequencies between input and result
func charDiff(want, got []rune) (missing, extra []rune) {
	counts := make(map[rune]int)
	for _, r := range want {
		counts[r]++
	}
	for _, r := range got {
		counts[r]--
	}
	for r, n := range counts {
		for i := 0; i < n; i++ {
			missing = append(missing, r)
		}
		for i := 0; i < -n; i++ {
			extra = append(extra, r)
		}
	}
	return missing, extra
}

func formatRunes(rs []rune) string {
	const max = 20
	if len(rs) > max {
		rs = rs[:max]
	}
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = string(r)
	}
	return strings.Join(parts, " ")
}

// fallbackTokens degrades to one token per character with empty
// reading and romanization, keeping downstream alignment possible.
func fallbackTokens(text string) []types.Token {
	var tokens []types.Token
	for _, r := range text {
		if strings.TrimSpace(string(r)) == "" {
			continue
		}
		tokens = append(tokens, types.Token{
			Text: string(r),
			Type: "unknown",
		})
	}
	return tokens
}

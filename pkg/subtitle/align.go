package subtitle

import (
	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/types"
)

// AlignTokens assigns start and end times to each segment's tokens
// from its word-level timings, in place. A segment whose token text
// diverges from its word text (possible after LLM re-segmentation) is
// skipped; its token times stay nil and consumers must tolerate that.
func AlignTokens(segments []types.Segment) {
	logger := log.WithComponent("subtitle")

	for i := range segments {
		seg := &segments[i]
		if len(seg.Tokens) == 0 || len(seg.WordSegments) == 0 {
			continue
		}
		if !alignSegment(seg) {
			logger.Debug().Int("segment", i).Msg("token and word text diverge, skipping alignment")
		}
	}
}

// alignSegment matches tokens to words by accumulating characters on
// both sides until the whitespace-stripped texts agree. One token may
// cover several words and vice versa. Reports false on divergence.
func alignSegment(seg *types.Segment) bool {
	tokensText := types.StripSpace(types.TokensText(seg.Tokens))

	var wordsText string
	for _, w := range seg.WordSegments {
		wordsText += w.Text
	}
	if tokensText != types.StripSpace(wordsText) {
		return false
	}

	wordIdx := 0       // next unconsumed word
	tokenStart := 0    // first token of the open accumulation run
	var tokenAcc string // accumulated token text since tokenStart

	for ti := range seg.Tokens {
		token := &seg.Tokens[ti]
		if types.StripSpace(token.Text) == "" {
			continue
		}
		tokenAcc += token.Text

		wordAcc := ""
		for we := wordIdx; we < len(seg.WordSegments); we++ {
			wordAcc += seg.WordSegments[we].Text

			stripped := types.StripSpace(tokenAcc)
			wordStripped := types.StripSpace(wordAcc)

			if stripped == wordStripped {
				// The run [tokenStart..ti] covers words [wordIdx..we]:
				// stamp the closing token with the run's span. Earlier
				// tokens in a multi-token run keep the same boundaries.
				start := seg.WordSegments[wordIdx].StartTime
				end := seg.WordSegments[we].EndTime
				for k := tokenStart; k <= ti; k++ {
					s, e := start, end
					seg.Tokens[k].StartTime = &s
					seg.Tokens[k].EndTime = &e
				}
				wordIdx = we + 1
				tokenStart = ti + 1
				tokenAcc = ""
				break
			}
			if len([]rune(stripped)) < len([]rune(wordStripped)) {
				// Need more tokens before more words
				break
			}
		}
	}
	return true
}

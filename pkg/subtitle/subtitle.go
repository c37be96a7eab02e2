// Package subtitle enriches word-level transcriptions into annotated
// sentence subtitles: linguistic re-segmentation, per-token reading and
// part-of-speech analysis, token timestamp alignment and translation.
package subtitle

import (
	"context"

	"github.com/lexisub/lexisub/pkg/llm"
)

// Chatter is the slice of the LLM client the enrichment steps need.
// Satisfied by *llm.Client; tests substitute scripted fakes.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
	Complete(ctx context.Context, system, user string) (string, error)
}

// ProgressFunc reports step completion counts back to the stage
type ProgressFunc func(done, total int, msg string)

func nopProgress(int, int, string) {}

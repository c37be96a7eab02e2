// Package asr turns audio into word-level timed segments. Engines do
// the actual recognition; Runner adds chunking, caching and progress
// reporting on top of any engine.
package asr

import (
	"context"

	"github.com/lexisub/lexisub/pkg/types"
)

// ProgressFunc receives coarse progress (0-100) and a short message
type ProgressFunc func(pct int, msg string)

// Engine is one speech recognition backend. Transcribe returns
// one-word segments with millisecond timestamps.
type Engine interface {
	// Name identifies the engine in cache keys and logs
	Name() string

	// KeyConfig returns the parameters that affect output, for cache
	// key derivation.
	KeyConfig(language string) map[string]any

	// Transcribe recognizes a single audio file
	Transcribe(ctx context.Context, audioPath, language string, progress ProgressFunc) ([]types.Segment, error)
}

func nopProgress(int, string) {}

// offsetSegments shifts all timestamps by offsetMS, used when merging
// chunked transcriptions back onto the original timeline.
func offsetSegments(segs []types.Segment, offsetMS int64) []types.Segment {
	out := make([]types.Segment, len(segs))
	for i, s := range segs {
		s.StartTime += offsetMS
		s.EndTime += offsetMS
		out[i] = s
	}
	return out
}

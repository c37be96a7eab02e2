package asr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lexisub/lexisub/pkg/cache"
	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/types"
)

const transcribeStep = "transcribe"

// Runner drives an engine over a (possibly long) audio file: the file
// is split into chunks, each chunk transcribed in order, and the merged
// result cached by audio content digest.
type Runner struct {
	engine        Engine
	cache         cache.Cache
	workDir       string
	chunkDuration time.Duration
}

// NewRunner wires an engine with the step cache
func NewRunner(engine Engine, c cache.Cache, workDir string, chunkDuration time.Duration) *Runner {
	if chunkDuration <= 0 {
		chunkDuration = 20 * time.Minute
	}
	if c == nil {
		c = cache.NopCache{}
	}
	return &Runner{
		engine:        engine,
		cache:         c,
		workDir:       workDir,
		chunkDuration: chunkDuration,
	}
}

// Run transcribes the file at audioPath. Progress is mapped across
// chunks so the caller sees a single 0-100 range.
func (r *Runner) Run(ctx context.Context, audioPath, language string, progress ProgressFunc) ([]types.Segment, error) {
	if progress == nil {
		progress = nopProgress
	}
	logger := log.WithComponent("asr")

	data, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	key := cache.Key(transcribeStep, cache.AudioFingerprint(data), r.engine.KeyConfig(language))

	var cached []types.Segment
	if err := r.cache.Get(ctx, key, &cached); err == nil {
		logger.Info().Str("key", key).Msg("transcription served from cache")
		progress(100, "transcription cached")
		return cached, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		return nil, err
	}

	chunks, err := SplitAudio(ctx, audioPath, r.workDir, r.chunkDuration)
	if err != nil {
		return nil, err
	}
	defer CleanupChunks(audioPath, chunks)

	var merged []types.Segment
	total := len(chunks)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		chunkProgress := func(pct int, msg string) {
			// Map this chunk's 0-100 into its share of the whole
			overall := (i*100 + pct) / total
			progress(overall, msg)
		}

		segs, err := r.engine.Transcribe(ctx, chunk.Path, language, chunkProgress)
		if err != nil {
			return nil, fmt.Errorf("chunk %d/%d failed: %w", i+1, total, err)
		}
		merged = append(merged, offsetSegments(segs, chunk.Offset.Milliseconds())...)
	}

	if err := r.cache.Set(ctx, key, merged, cache.TranscribeTTL); err != nil {
		logger.Warn().Err(err).Msg("failed to cache transcription")
	}
	progress(100, "transcription complete")
	return merged, nil
}

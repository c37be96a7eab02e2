package asr

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lexisub/lexisub/pkg/log"
)

// Chunk is one slice of the source audio with its timeline offset
type Chunk struct {
	Path   string
	Offset time.Duration
}

// AudioDuration probes the file duration with ffprobe
func AudioDuration(ctx context.Context, audioPath string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		audioPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("unparsable ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// SplitAudio cuts the file into chunks of at most chunkDuration using
// stream copy, so no re-encode happens. Short files come back as a
// single chunk pointing at the original path.
func SplitAudio(ctx context.Context, audioPath, workDir string, chunkDuration time.Duration) ([]Chunk, error) {
	duration, err := AudioDuration(ctx, audioPath)
	if err != nil {
		log.WithComponent("asr").Warn().Err(err).Msg("duration probe failed, transcribing unsplit")
		return []Chunk{{Path: audioPath}}, nil
	}
	if duration <= chunkDuration {
		return []Chunk{{Path: audioPath}}, nil
	}

	outDir, err := os.MkdirTemp(workDir, "chunks-")
	if err != nil {
		return nil, err
	}
	ext := filepath.Ext(audioPath)
	pattern := filepath.Join(outDir, "chunk-%03d"+ext)

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", audioPath,
		"-f", "segment",
		"-segment_time", strconv.Itoa(int(chunkDuration.Seconds())),
		"-c", "copy",
		pattern,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(outDir)
		return nil, fmt.Errorf("ffmpeg segment failed: %w: %s", err, truncate(string(out), 200))
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	chunks := make([]Chunk, 0, len(names))
	for i, name := range names {
		chunks = append(chunks, Chunk{
			Path:   filepath.Join(outDir, name),
			Offset: time.Duration(i) * chunkDuration,
		})
	}
	if len(chunks) == 0 {
		os.RemoveAll(outDir)
		return nil, fmt.Errorf("ffmpeg produced no chunks for %s", audioPath)
	}
	return chunks, nil
}

// CleanupChunks removes the temporary chunk directory, leaving the
// original file alone when no split happened.
func CleanupChunks(original string, chunks []Chunk) {
	if len(chunks) == 1 && chunks[0].Path == original {
		return
	}
	if len(chunks) > 0 {
		os.RemoveAll(filepath.Dir(chunks[0].Path))
	}
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lexisub/lexisub/pkg/blob"
	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/media"
	"github.com/lexisub/lexisub/pkg/metrics"
	"github.com/lexisub/lexisub/pkg/storage"
	"github.com/lexisub/lexisub/pkg/subtitle"
	"github.com/lexisub/lexisub/pkg/types"
)

// handleDownload fetches the media's audio track, uploads it and
// chains the transcribe stage.
func (c *Coordinator) handleDownload(ctx context.Context, unit *types.WorkUnit) error {
	var payload types.DownloadPayload
	if err := json.Unmarshal(unit.Payload, &payload); err != nil {
		return Terminal(fmt.Errorf("malformed download payload: %w", err))
	}

	ok, err := c.beginTask(ctx, unit.TaskID, "downloading audio")
	if err != nil || !ok {
		return err
	}
	c.markRootRunning(ctx, unit.TaskID)

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StageDuration, "download")

	workDir := payload.WorkDir
	if workDir == "" {
		workDir = c.svc.Config.WorkDir
	}

	// An unreachable URL is an input error; retrying will not help
	title, err := c.svc.Downloader.Title(ctx, payload.URL)
	if err != nil {
		return Terminal(fmt.Errorf("unreachable URL: %w", err))
	}
	titleDir := media.SanitizeFilename(title)

	lastPct := -1
	localPath, err := c.svc.Downloader.DownloadAudio(ctx, payload.URL, filepath.Join(workDir, titleDir),
		func(pct int, msg string) {
			if pct != lastPct {
				lastPct = pct
				c.setProgress(ctx, unit.TaskID, pct, msg)
			}
		})
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	// Prefer the blob store; fall back to the local path so a single
	// node without object storage still works end to end.
	audioRef := titleDir + "/" + filepath.Base(localPath)
	if err := c.svc.Blob.PutFile(ctx, audioRef, localPath, "audio/mpeg"); err != nil {
		log.WithTaskID(unit.TaskID).Warn().Err(err).Msg("blob upload failed, using local path")
		audioRef = localPath
	}

	if err := c.completeTask(ctx, unit.TaskID, audioRef, "audio ready"); err != nil {
		return err
	}
	return c.chainTranscribe(ctx, unit.TaskID, audioRef)
}

func (c *Coordinator) chainTranscribe(ctx context.Context, downloadID, audioRef string) error {
	rootID, err := c.rootOf(ctx, downloadID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(types.TranscribePayload{AudioRef: audioRef, Language: "auto"})
	if err != nil {
		return err
	}
	return c.ensureChild(ctx, rootID, types.EdgeTranscribe, types.TaskTypeTranscribe, types.WorkTranscribe, payload)
}

// handleTranscribe turns the audio into word-level segments and chains
// the enrich stage.
func (c *Coordinator) handleTranscribe(ctx context.Context, unit *types.WorkUnit) error {
	var payload types.TranscribePayload
	if err := json.Unmarshal(unit.Payload, &payload); err != nil {
		return Terminal(fmt.Errorf("malformed transcribe payload: %w", err))
	}

	ok, err := c.beginTask(ctx, unit.TaskID, "transcribing audio")
	if err != nil || !ok {
		return err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StageDuration, "transcribe")

	localPath, temp, err := blob.Resolve(ctx, c.svc.Blob, payload.AudioRef, c.svc.Config.WorkDir)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return Terminal(fmt.Errorf("audio file missing: %s", payload.AudioRef))
		}
		return err
	}
	if temp {
		defer os.Remove(localPath)
	}

	lastPct := -1
	segments, err := c.svc.ASR.Run(ctx, localPath, payload.Language, func(pct int, msg string) {
		if pct != lastPct {
			lastPct = pct
			c.setProgress(ctx, unit.TaskID, pct, msg)
		}
	})
	if err != nil {
		return fmt.Errorf("transcription failed: %w", err)
	}

	data, err := json.Marshal(segments)
	if err != nil {
		return err
	}
	subtitleRef := fmt.Sprintf("transcripts/%s.json", unit.TaskID)
	if err := c.svc.Blob.Put(ctx, subtitleRef, data, "application/json"); err != nil {
		log.WithTaskID(unit.TaskID).Warn().Err(err).Msg("blob upload failed, using local path")
		localRef := filepath.Join(c.svc.Config.WorkDir, unit.TaskID+"-segments.json")
		if werr := os.WriteFile(localRef, data, 0o644); werr != nil {
			return werr
		}
		subtitleRef = localRef
	}

	if err := c.completeTask(ctx, unit.TaskID, subtitleRef, "transcription ready"); err != nil {
		return err
	}
	return c.chainEnrich(ctx, unit.TaskID, subtitleRef)
}

func (c *Coordinator) chainEnrich(ctx context.Context, transcribeID, subtitleRef string) error {
	rootID, err := c.rootOf(ctx, transcribeID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(types.EnrichPayload{SubtitleRef: subtitleRef})
	if err != nil {
		return err
	}
	return c.ensureChild(ctx, rootID, types.EdgeEnrich, types.TaskTypeEnrich, types.WorkEnrich, payload)
}

// handleEnrich runs the enrichment steps and completes the root
func (c *Coordinator) handleEnrich(ctx context.Context, unit *types.WorkUnit) error {
	var payload types.EnrichPayload
	if err := json.Unmarshal(unit.Payload, &payload); err != nil {
		return Terminal(fmt.Errorf("malformed enrich payload: %w", err))
	}

	ok, err := c.beginTask(ctx, unit.TaskID, "enriching subtitles")
	if err != nil || !ok {
		return err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StageDuration, "enrich")

	localPath, temp, err := blob.Resolve(ctx, c.svc.Blob, payload.SubtitleRef, c.svc.Config.WorkDir)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return Terminal(fmt.Errorf("subtitle file missing: %s", payload.SubtitleRef))
		}
		return err
	}
	if temp {
		defer os.Remove(localPath)
	}

	raw, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	var words []types.Segment
	if err := json.Unmarshal(raw, &words); err != nil {
		return Terminal(fmt.Errorf("malformed subtitle file: %w", err))
	}
	if !types.IsWordLevel(words) {
		log.WithTaskID(unit.TaskID).Warn().Msg("segments are not word-level, token alignment may be skipped")
	}

	cfg := c.svc.Config
	enricher := subtitle.NewEnricher(c.svc.LLM, c.svc.Cache, subtitle.Config{
		Model:          cfg.LLMModel,
		TargetLanguage: cfg.TargetLanguage,
		NeedTranslate:  cfg.NeedTranslate,
		NeedReflect:    cfg.NeedReflect,
		MaxCJK:         cfg.MaxWordCountCJK,
		MaxWest:        cfg.MaxWordCountEnglish,
		BatchSize:      cfg.BatchSize,
		MaxConcurrent:  cfg.LLMMaxConcurrent,
	})

	lastPct := -1
	_, artifact, err := enricher.Run(ctx, words, func(pct int, msg string) {
		if pct != lastPct {
			lastPct = pct
			c.setProgress(ctx, unit.TaskID, pct, msg)
		}
	})
	if err != nil {
		return fmt.Errorf("enrichment failed: %w", err)
	}

	rootID, err := c.rootOf(ctx, unit.TaskID)
	if err != nil {
		return err
	}

	outputRef := fmt.Sprintf("results/%s.json", rootID)
	if err := c.svc.Blob.Put(ctx, outputRef, artifact, "application/json"); err != nil {
		log.WithTaskID(unit.TaskID).Warn().Err(err).Msg("blob upload failed, using local path")
		localRef := filepath.Join(c.svc.Config.WorkDir, rootID+"-result.json")
		if werr := os.WriteFile(localRef, artifact, 0o644); werr != nil {
			return werr
		}
		outputRef = localRef
	}

	if err := c.completeTask(ctx, unit.TaskID, outputRef, "subtitles ready"); err != nil {
		return err
	}

	// Enrich completion completes the root
	completed := types.TaskStatusCompleted
	full := 100
	msg := "pipeline complete"
	_, err = c.svc.Store.UpdateTask(ctx, rootID, storage.TaskUpdate{
		Status:    &completed,
		Progress:  &full,
		Message:   &msg,
		OutputRef: &outputRef,
	})
	if err != nil && !errors.Is(err, storage.ErrIllegalTransition) {
		return err
	}
	metrics.TasksCompleted.WithLabelValues(string(types.TaskTypeRoot)).Inc()
	return nil
}

// markRootRunning flips the root to Running when its first stage
// starts. Re-deliveries make this a no-op.
func (c *Coordinator) markRootRunning(ctx context.Context, childID string) {
	rootID, err := c.rootOf(ctx, childID)
	if err != nil {
		return
	}
	running := types.TaskStatusRunning
	msg := "pipeline running"
	_, err = c.svc.Store.UpdateTask(ctx, rootID, storage.TaskUpdate{
		Status:  &running,
		Message: &msg,
	})
	if err != nil && !errors.Is(err, storage.ErrIllegalTransition) {
		log.WithTaskID(rootID).Warn().Err(err).Msg("failed to mark root running")
	}
}

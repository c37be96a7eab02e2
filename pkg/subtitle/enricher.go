package subtitle

import (
	"context"
	"errors"

	"github.com/lexisub/lexisub/pkg/cache"
	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/types"
)

// Config carries the knobs the enrichment steps depend on. The values
// participate in step cache keys, so two runs with different settings
// never share cached results.
type Config struct {
	Model          string
	TargetLanguage string
	NeedTranslate  bool
	NeedReflect    bool
	MaxCJK         int
	MaxWest        int
	BatchSize      int
	MaxConcurrent  int
}

// Enricher runs the full enrichment over word-level segments:
// re-segmentation, token analysis, timestamp alignment, translation
// and final materialization. Each expensive step is memoized.
type Enricher struct {
	chat  Chatter
	cache cache.Cache
	cfg   Config
}

// NewEnricher wires the LLM and the step cache
func NewEnricher(chat Chatter, c cache.Cache, cfg Config) *Enricher {
	if c == nil {
		c = cache.NopCache{}
	}
	return &Enricher{chat: chat, cache: c, cfg: cfg}
}

// Progress boundaries within the enrich stage's own 0-100 range
const (
	progressSplitDone     = 30
	progressAnalyzeDone   = 55
	progressAlignDone     = 60
	progressTranslateDone = 90
)

// Run enriches the word-level segments and returns the final segments
// plus the serialized artifact. Progress is the stage's own 0-100.
func (e *Enricher) Run(ctx context.Context, words []types.Segment, progress func(pct int, msg string)) ([]types.Segment, []byte, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	logger := log.WithComponent("subtitle")

	resultKey := cache.Key("result", cache.ContentFingerprint(words), e.resultConfig())
	var cached []types.Segment
	if err := e.cache.Get(ctx, resultKey, &cached); err == nil {
		logger.Info().Msg("enrichment served from cache")
		artifact, err := BuildArtifact(cached)
		if err != nil {
			return nil, nil, err
		}
		progress(100, "enrichment cached")
		return cached, artifact, nil
	}

	// (a) linguistic re-segmentation
	progress(5, "splitting subtitles")
	segments, err := e.split(ctx, words)
	if err != nil {
		return nil, nil, err
	}
	progress(progressSplitDone, "split complete")

	// Downstream steps consume the split output, so their cache keys
	// fingerprint it: a different segmentation of the same words must
	// never reuse cached tokens or translations. Computed before the
	// steps mutate the segments.
	segFP := cache.ContentFingerprint(segments)

	// (b) token analysis
	if err := e.analyze(ctx, segFP, segments, progress); err != nil {
		return nil, nil, err
	}
	progress(progressAnalyzeDone, "analysis complete")

	// (c) timestamp alignment, pure and cheap, never cached
	AlignTokens(segments)
	progress(progressAlignDone, "alignment complete")

	// (d) translation
	if e.cfg.NeedTranslate {
		if err := e.translate(ctx, segFP, segments, progress); err != nil {
			return nil, nil, err
		}
		TrimPunctuation(segments)
	}
	progress(progressTranslateDone, "translation complete")

	// (e) final artifact
	artifact, err := BuildArtifact(segments)
	if err != nil {
		return nil, nil, err
	}
	if err := e.cache.Set(ctx, resultKey, segments, cache.EnrichTTL); err != nil {
		logger.Warn().Err(err).Msg("failed to cache enrichment result")
	}
	progress(100, "enrichment complete")
	return segments, artifact, nil
}

func (e *Enricher) split(ctx context.Context, words []types.Segment) ([]types.Segment, error) {
	key := cache.Key("split", cache.ContentFingerprint(words), map[string]any{
		"cjk":   e.cfg.MaxCJK,
		"en":    e.cfg.MaxWest,
		"model": e.cfg.Model,
	})

	var cached []types.Segment
	if err := e.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		return nil, err
	}

	splitter := NewSplitter(e.chat, e.cfg.MaxCJK, e.cfg.MaxWest)
	segments, err := splitter.Split(ctx, words)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, key, segments, cache.EnrichTTL); err != nil {
		return nil, err
	}
	return segments, nil
}

func (e *Enricher) analyze(ctx context.Context, segFP string, segments []types.Segment, progress func(int, string)) error {
	key := cache.Key("analyze", segFP, map[string]any{
		"model": e.cfg.Model,
	})

	var cachedTokens [][]types.Token
	if err := e.cache.Get(ctx, key, &cachedTokens); err == nil && len(cachedTokens) == len(segments) {
		for i := range segments {
			segments[i].Tokens = cachedTokens[i]
		}
		return nil
	}

	analyzer := NewAnalyzer(e.chat, e.cfg.MaxConcurrent)
	err := analyzer.AnalyzeSegments(ctx, segments, func(done, total int, msg string) {
		if total > 0 {
			pct := progressSplitDone + done*(progressAnalyzeDone-progressSplitDone)/total
			progress(pct, msg)
		}
	})
	if err != nil {
		return err
	}

	tokens := make([][]types.Token, len(segments))
	for i := range segments {
		tokens[i] = segments[i].Tokens
	}
	return e.cache.Set(ctx, key, tokens, cache.EnrichTTL)
}

func (e *Enricher) translate(ctx context.Context, segFP string, segments []types.Segment, progress func(int, string)) error {
	key := cache.Key("translate", segFP, map[string]any{
		"target":  e.cfg.TargetLanguage,
		"model":   e.cfg.Model,
		"reflect": e.cfg.NeedReflect,
	})

	var cached []string
	if err := e.cache.Get(ctx, key, &cached); err == nil && len(cached) == len(segments) {
		for i := range segments {
			segments[i].Translation = cached[i]
		}
		return nil
	}

	translator := NewTranslator(e.chat, e.cfg.TargetLanguage, e.cfg.BatchSize, e.cfg.MaxConcurrent, e.cfg.NeedReflect)
	err := translator.Translate(ctx, segments, func(done, total int, msg string) {
		if total > 0 {
			pct := progressAlignDone + done*(progressTranslateDone-progressAlignDone)/total
			progress(pct, msg)
		}
	})
	if err != nil {
		return err
	}

	translations := make([]string, len(segments))
	for i := range segments {
		translations[i] = segments[i].Translation
	}
	return e.cache.Set(ctx, key, translations, cache.EnrichTTL)
}

// resultConfig is the full config subset keyed on the final artifact
func (e *Enricher) resultConfig() map[string]any {
	return map[string]any{
		"cjk":       e.cfg.MaxCJK,
		"en":        e.cfg.MaxWest,
		"model":     e.cfg.Model,
		"translate": e.cfg.NeedTranslate,
		"target":    e.cfg.TargetLanguage,
		"reflect":   e.cfg.NeedReflect,
	}
}

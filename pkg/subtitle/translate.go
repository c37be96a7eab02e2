package subtitle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lexisub/lexisub/pkg/llm"
	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/types"
)

// Translator adds target-language translations to segments
type Translator struct {
	chat           Chatter
	targetLanguage string
	batchSize      int
	maxConcurrent  int
	reflect        bool
}

// NewTranslator creates a translator. Batches of batchSize segments
// are translated together so the model sees conversational context.
func NewTranslator(chat Chatter, targetLanguage string, batchSize, maxConcurrent int, reflect bool) *Translator {
	if batchSize < 1 {
		batchSize = 10
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Translator{
		chat:           chat,
		targetLanguage: targetLanguage,
		batchSize:      batchSize,
		maxConcurrent:  maxConcurrent,
		reflect:        reflect,
	}
}

// Translate fills seg.Translation in place. A batch that cannot be
// translated after one retry keeps empty translations; the artifact is
// still usable without them.
func (t *Translator) Translate(ctx context.Context, segments []types.Segment, progress ProgressFunc) error {
	if progress == nil {
		progress = nopProgress
	}

	type batch struct{ start, end int }
	var batches []batch
	for i := 0; i < len(segments); i += t.batchSize {
		end := i + t.batchSize
		if end > len(segments) {
			end = len(segments)
		}
		batches = append(batches, batch{start: i, end: end})
	}

	var done atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.maxConcurrent)

	for _, b := range batches {
		b := b
		g.Go(func() error {
			if err := t.translateBatch(ctx, segments[b.start:b.end]); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.WithComponent("subtitle").Error().Err(err).
					Int("from", b.start).Int("to", b.end).
					Msg("batch translation failed, leaving segments untranslated")
			}
			progress(int(done.Add(int64(b.end-b.start))), len(segments), "translating")
			return nil
		})
	}
	return g.Wait()
}

func (t *Translator) translateBatch(ctx context.Context, segs []types.Segment) error {
	numbered := make(map[string]string, len(segs))
	for i, s := range segs {
		numbered[strconv.Itoa(i+1)] = s.Text
	}
	payload, err := json.Marshal(numbered)
	if err != nil {
		return err
	}

	system := translateSystemPrompt(t.targetLanguage, t.reflect)
	user := fmt.Sprintf("Translate these subtitle lines:\n%s", payload)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		content, err := t.chat.Complete(ctx, system, user)
		if err != nil {
			lastErr = err
			continue
		}

		var result map[string]string
		if err := json.Unmarshal([]byte(llm.ExtractJSON(content)), &result); err != nil {
			lastErr = fmt.Errorf("undecodable translation answer: %w", err)
			continue
		}

		for i := range segs {
			if tr, ok := result[strconv.Itoa(i+1)]; ok {
				segs[i].Translation = strings.TrimSpace(tr)
			}
		}
		return nil
	}
	return lastErr
}

// trailingPunctuation trimmed from displayed lines after translation
const trailingPunctuation = "。，、！？；：,.!?;: "

// TrimPunctuation removes trailing sentence punctuation from segment
// texts and translations, matching the subtitle display convention.
func TrimPunctuation(segments []types.Segment) {
	for i := range segments {
		segments[i].Text = strings.TrimRight(segments[i].Text, trailingPunctuation)
		segments[i].Translation = strings.TrimRight(segments[i].Translation, trailingPunctuation)
	}
}

// Package pipeline coordinates the download, transcribe and enrich
// stages over the task graph: stage handlers run work units, chain the
// next stage on completion, and propagate failures to the root task.
package pipeline

import (
	"github.com/lexisub/lexisub/pkg/asr"
	"github.com/lexisub/lexisub/pkg/blob"
	"github.com/lexisub/lexisub/pkg/cache"
	"github.com/lexisub/lexisub/pkg/config"
	"github.com/lexisub/lexisub/pkg/llm"
	"github.com/lexisub/lexisub/pkg/media"
	"github.com/lexisub/lexisub/pkg/queue"
	"github.com/lexisub/lexisub/pkg/storage"
)

// Services bundles the shared dependencies handed to stage handlers
// and the API layer. Everything is constructed once in the command
// entrypoint and threaded through explicitly.
type Services struct {
	Store      storage.Store
	Blob       blob.Store
	Cache      cache.Cache
	Queue      *queue.RedisQueue
	LLM        *llm.Client
	ASR        *asr.Runner
	Downloader *media.Downloader
	Config     *config.Config
}

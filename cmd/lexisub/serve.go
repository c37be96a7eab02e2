package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/lexisub/lexisub/pkg/api"
	"github.com/lexisub/lexisub/pkg/asr"
	"github.com/lexisub/lexisub/pkg/blob"
	"github.com/lexisub/lexisub/pkg/cache"
	"github.com/lexisub/lexisub/pkg/config"
	"github.com/lexisub/lexisub/pkg/llm"
	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/media"
	"github.com/lexisub/lexisub/pkg/pipeline"
	"github.com/lexisub/lexisub/pkg/queue"
	"github.com/lexisub/lexisub/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Start the HTTP API: task creation, status snapshots, the SSE
status stream, subtitle content retrieval and dictionary lookups.
Stage work is consumed by the worker command, which may run in a
separate process.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx)
	if err != nil {
		return err
	}

	health := llm.NewHealthChecker(svc.LLM)
	go health.Run(ctx)

	coordinator := pipeline.NewCoordinator(svc)
	server := api.NewServer(svc, coordinator, health)

	return server.Start(ctx, svc.Config.ListenAddr)
}

// buildServices constructs the shared dependency bundle from the loaded
// configuration. Used by both serve and worker so a single-node deploy
// can run either command against the same backends.
func buildServices(ctx context.Context) (*pipeline.Services, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	store, err := storage.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	q := queue.NewRedisQueue(rdb, queue.Options{
		MaxAttempts:   cfg.QueueMaxAttempts,
		RetryDelay:    cfg.QueueRetryDelay,
		BackoffCap:    cfg.QueueBackoffCap,
		LeaseTimeout:  cfg.QueueLeaseTimeout,
		SoftTimeLimit: cfg.QueueSoftTimeLimit,
		HardTimeLimit: cfg.QueueHardTimeLimit,
	})

	var blobStore blob.Store
	blobStore, err = blob.NewMinioStore(ctx, blob.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioSecure,
	})
	if err != nil {
		// Single-node deployments keep working without an object store;
		// stage handlers already fall back to local paths.
		logger.Warn().Err(err).Msg("blob store unavailable, using in-memory store")
		blobStore = blob.NewMemoryStore()
	}

	llmClient := llm.NewClient(cfg.LLMAPIBase, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMMaxConcurrent)

	stepCache := cache.NewRedisCache(rdb)
	engine := asr.NewWhisperEngine(cfg.ASRAPIBase, cfg.ASRAPIKey, cfg.ASRModel)
	runner := asr.NewRunner(engine, stepCache, cfg.WorkDir, cfg.ASRChunkDuration)

	return &pipeline.Services{
		Store:      store,
		Blob:       blobStore,
		Cache:      stepCache,
		Queue:      q,
		LLM:        llmClient,
		ASR:        runner,
		Downloader: media.NewDownloader(),
		Config:     cfg,
	}, nil
}

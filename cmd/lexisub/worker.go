package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/pipeline"
	"github.com/lexisub/lexisub/pkg/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the stage worker",
	Long: `Consume the download, transcribe and enrich queues. Workers are
stateless; run as many as the backends can feed.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx)
	if err != nil {
		return err
	}

	coordinator := pipeline.NewCoordinator(svc)
	worker := queue.NewWorker(svc.Queue)
	coordinator.RegisterHandlers(worker)

	log.WithComponent("main").Info().Msg("worker starting")
	return worker.Run(ctx)
}

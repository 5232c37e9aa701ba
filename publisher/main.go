package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/mq"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/observability"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/pipeline"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/results"
)

type outbox interface {
	FetchOutboxMessages(ctx context.Context, limit int) ([]results.OutboxMessage, error)
	DeleteOutboxMessage(ctx context.Context, id string) error
}

type publisher interface {
	PublishStageCompleted(ctx context.Context, ev mq.StageEvent) error
}

func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := results.NewPostgresStore(ctx, os.Getenv("DATABASE_URL"), "")
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return
	}
	defer store.Close()
	if err := store.InitSchema(ctx); err != nil {
		logger.Error("failed to initialize schema", "error", err)
		return
	}

	mqClient, err := mq.New()
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	// Ensure topology exists; safe if already declared
	if err := mqClient.SetupTopology(pipeline.StageNames); err != nil {
		logger.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("publisher stopped")
			return
		case <-ticker.C:
			processOutbox(ctx, store, mqClient, logger)
		}
	}
}

func processOutbox(ctx context.Context, db outbox, pub publisher, logger *slog.Logger) {
	messages, err := db.FetchOutboxMessages(ctx, 100)
	if err != nil {
		logger.Error("failed to fetch outbox messages", "error", err)
		return
	}
	for _, m := range messages {
		ev := mq.StageEvent{RunID: m.RunID, Stage: m.Stage}
		if err := pub.PublishStageCompleted(ctx, ev); err != nil {
			logger.Error("failed to publish stage event from outbox", "error", err, "run_id", m.RunID, "stage", m.Stage)
			continue
		}

		if err := db.DeleteOutboxMessage(ctx, m.ID); err != nil {
			logger.Error("failed to delete outbox message after publish", "error", err, "outbox_id", m.ID)
			continue
		}
		logger.Info("published stage event from outbox", "run_id", m.RunID, "stage", m.Stage)
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/config"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/mq"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/observability"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/pipeline"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/results"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	store    *results.PostgresStore
	mqClient *mq.Client
	logger   *slog.Logger
	stages   []pipeline.Stage
)

func main() {
	logger = observability.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := pipeline.NewDeps(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to set up clients", "error", err)
		return
	}
	stages = pipeline.Stages(deps)

	store, err = results.NewPostgresStore(ctx, os.Getenv("DATABASE_URL"), "")
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		return
	}
	defer store.Close()
	if err := store.InitSchema(ctx); err != nil {
		slog.Error("failed to initialize schema", "error", err)
		return
	}

	mqClient, err = mq.New()
	if err != nil {
		slog.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	if err := mqClient.SetupTopology(pipeline.StageNames); err != nil {
		slog.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	observability.StartMetricsServer(":9091")

	var wg sync.WaitGroup
	// A completed stage triggers the one after it, so the last stage has no consumer.
	for _, s := range stages {
		if _, ok := pipeline.Next(stages, s.Name); ok {
			wg.Add(1)
			go startWorker(ctx, &wg, s.Name)
		}
	}

	slog.Info("all workers started. waiting for stage events...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutdown signal received, stopping workers...")
	cancel()
	wg.Wait()
	slog.Info("all workers stopped gracefully")
}

func startWorker(ctx context.Context, wg *sync.WaitGroup, stage string) {
	defer wg.Done()

	deliveryChan, err := mqClient.ConsumeStageEvents(stage)
	if err != nil {
		logger.Error("failed to start consuming stage events", "stage", stage, "error", err)
		return
	}

	// Runs of different pipelines can progress side by side.
	concurrency := 1
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			concurrency = n
		}
	}

	logger.Info("worker started", "after_stage", stage, "concurrency", concurrency)

	innerWg := sync.WaitGroup{}
	innerWg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer innerWg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveryChan:
					if !ok {
						return
					}
					handleMessage(ctx, msg)
				}
			}
		}()
	}

	<-ctx.Done()
	innerWg.Wait()
	logger.Info("worker shutting down", "after_stage", stage)
}

type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func handleMessage(ctx context.Context, msg amqp.Delivery) {
	ev, err := mq.DecodeStageEvent(msg.Body)
	if err != nil {
		logger.Error("dropping undecodable stage event", "error", err)
		msg.Nack(false, false)
		return
	}
	next, ok := pipeline.Next(stages, ev.Stage)
	if !ok {
		msg.Ack(false)
		return
	}
	runner := &pipeline.Runner{Store: store.ForRun(ev.RunID), Logger: logger.With("run_id", ev.RunID)}
	settle(logger.With("run_id", ev.RunID, "stage", next.Name), msg, runner.Run(ctx, next))
}

// settle acks a handled event. A redelivered event whose stage already saved
// its results is handled. A failed stage is dead-lettered for inspection;
// remote job failures are never retried automatically.
func settle(l *slog.Logger, msg acker, err error) {
	switch {
	case err == nil:
		l.Info("stage completed")
		msg.Ack(false)
	case errors.Is(err, results.ErrDuplicateKey):
		l.Info("stage already completed for run")
		msg.Ack(false)
	case errors.Is(err, context.Canceled):
		l.Warn("stage interrupted, requeueing")
		msg.Nack(false, true)
	default:
		l.Error("stage failed, sending to dead-letter queue", "error", err)
		msg.Nack(false, false)
	}
}

package pipeline

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/catalog"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/config"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/results"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/storage"
	"github.com/google/uuid"
)

// dryRunInterval bounds the poll interval against the in-memory catalog.
const dryRunInterval = 10 * time.Millisecond

// NewDeps wires the AWS clients, or in-memory ones when cfg.DryRun is set.
func NewDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Deps, error) {
	d := &Deps{Config: cfg, Retry: catalog.DefaultRetryPolicy, Logger: logger}
	if cfg.DryRun {
		if cfg.Bucket == "" {
			cfg.Bucket = "dry-run"
		}
		cfg.Poll.Interval = min(cfg.Poll.Interval, dryRunInterval)
		cfg.Poll.RateLimit = 0
		d.Catalog = catalog.NewMemory()
		d.Uploader = storage.NewMemoryUploader()
		logger.Info("dry run: using in-memory catalog and object store")
		return d, nil
	}

	awsCfg, err := config.LoadAWS(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.Catalog = catalog.NewAWSClient(awsCfg)
	d.Uploader = storage.NewS3Uploader(awsCfg)
	logger.Info("using aws", "region", cfg.Region, "account", cfg.Account)
	return d, nil
}

// OpenStore returns the Postgres store when DATABASE_URL is set and the file
// store in cfg.ResultsDir otherwise. A Postgres run continues PIPELINE_RUN_ID
// or starts a new run.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (results.Store, func(), error) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		s := results.NewFileStore(cfg.ResultsDir)
		s.Logger = logger
		return s, func() {}, nil
	}

	runID := os.Getenv("PIPELINE_RUN_ID")
	if runID == "" {
		runID = uuid.NewString()
		logger.Info("starting new run", "run_id", runID)
	}
	s, err := results.NewPostgresStore(ctx, url, runID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.InitSchema(ctx); err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, s.Close, nil
}

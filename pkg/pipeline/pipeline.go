// Package pipeline runs the stages that take raw ratings to deployed campaigns.
//
// Each stage reads only the keys it declares from the result bundle, creates
// its remote resources, waits for them, and returns the identifiers it
// produced. The Runner persists those identifiers so the next stage, possibly
// in another process, can pick them up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/catalog"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/config"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/job"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/observability"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/poller"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/results"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/storage"
	"github.com/google/uuid"
)

const (
	StageDataPrep     = "data_prep"
	StageDatasetGroup = "dataset_group"
	StageSolutions    = "solutions"
	StageCampaigns    = "campaigns"
	StageFilters      = "filters"
)

// StageNames lists the stages in the order Stages returns them.
var StageNames = []string{StageDataPrep, StageDatasetGroup, StageSolutions, StageCampaigns, StageFilters}

var (
	ErrJobFailed    = errors.New("remote job failed")
	ErrJobTimedOut  = errors.New("timed out waiting for remote job")
	ErrUnknownStage = errors.New("unknown stage")
)

// Deps are the collaborators every stage uses.
type Deps struct {
	Config   *config.Config
	Catalog  catalog.Client
	Uploader storage.Uploader
	Retry    catalog.RetryPolicy
	Logger   *slog.Logger
}

type Stage struct {
	Name     string
	Requires []string
	Run      func(ctx context.Context, in *results.Bundle) (map[string]any, error)
}

// Stages returns every stage in dependency order.
func Stages(d *Deps) []Stage {
	return []Stage{DataPrep(d), DatasetGroup(d), Solutions(d), Campaigns(d), Filters(d)}
}

// Lookup finds a stage by name.
func Lookup(stages []Stage, name string) (Stage, error) {
	for _, s := range stages {
		if s.Name == name {
			return s, nil
		}
	}
	return Stage{}, fmt.Errorf("%w: %q", ErrUnknownStage, name)
}

// Next returns the stage after name, if any.
func Next(stages []Stage, name string) (Stage, bool) {
	for i, s := range stages {
		if s.Name == name && i+1 < len(stages) {
			return stages[i+1], true
		}
	}
	return Stage{}, false
}

// WaitError reports remote jobs that did not reach success.
type WaitError struct {
	Results []poller.Result
}

func (e *WaitError) Error() string {
	parts := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		s := fmt.Sprintf("%s %s: %s", r.Handle.Kind, r.Handle.ID, r.Outcome)
		if r.Token != "" {
			s += " (" + r.Token + ")"
		}
		if r.Err != nil {
			s += ": " + r.Err.Error()
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}

func (e *WaitError) Is(target error) bool {
	for _, r := range e.Results {
		switch {
		case target == ErrJobTimedOut && r.Outcome == job.OutcomeTimedOut:
			return true
		case target == ErrJobFailed && (r.Outcome == job.OutcomeFailure || r.Outcome == job.OutcomeErrored):
			return true
		}
	}
	return false
}

func (d *Deps) pollOptions() poller.Options {
	return poller.Options{
		Interval:    d.Config.Poll.Interval,
		Timeout:     d.Config.Poll.Timeout,
		RateLimit:   d.Config.Poll.RateLimit,
		IsTransient: catalog.IsTransient,
		Logger:      d.Logger,
	}
}

// waitAll waits for every target and fails unless all succeeded.
func (d *Deps) waitAll(ctx context.Context, targets []poller.Target) ([]poller.Result, error) {
	res, err := poller.WaitAll(ctx, targets, d.pollOptions())
	if err != nil {
		return res, err
	}
	var bad []poller.Result
	for _, r := range res {
		if !r.Succeeded() {
			bad = append(bad, r)
		}
	}
	if len(bad) > 0 {
		return res, &WaitError{Results: bad}
	}
	return res, nil
}

func target(kind job.Kind, arn string, describe func(context.Context, string) (string, error)) poller.Target {
	return poller.Target{
		Handle: job.Handle{ID: arn, Kind: kind},
		Status: func(ctx context.Context) (string, error) { return describe(ctx, arn) },
	}
}

// runSuffix is the configured run suffix, or a fresh short random one.
func (d *Deps) runSuffix() string {
	if d.Config.RunSuffix != "" {
		return d.Config.RunSuffix
	}
	return uuid.NewString()[:8]
}

// ResourcePrefix is the name prefix of every remote resource a run creates:
// the configured name plus the run suffix data_prep recorded. Before data_prep
// has run it is the configured name alone.
func ResourcePrefix(cfg *config.Config, in *results.Bundle) string {
	if suffix, err := in.String(KeyRunSuffix); err == nil && suffix != "" {
		return cfg.Name + "-" + suffix
	}
	return cfg.Name
}

// resourceName builds a service-safe resource name unique to the run.
func (d *Deps) resourceName(in *results.Bundle, parts ...string) string {
	name := strings.Join(append([]string{ResourcePrefix(d.Config, in)}, parts...), "-")
	name = strings.ReplaceAll(name, "_", "-")
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// create runs a create call with the stage's transient-error retry policy.
func (d *Deps) create(ctx context.Context, op string, fn func(context.Context) (string, error)) (string, error) {
	arn, err := catalog.Retry(ctx, d.Retry, op, fn)
	if err != nil {
		return "", err
	}
	d.Logger.Info("created remote resource", "op", op, "arn", arn)
	return arn, nil
}

type Runner struct {
	Store  results.Store
	Logger *slog.Logger
	// OnComplete runs after a stage's results are saved.
	OnComplete func(ctx context.Context, stage string) error
}

// Run loads the bundle, checks the stage's inputs, runs it and saves its
// outputs. A failed stage saves nothing. A stage whose results already exist is
// not run again.
func (r *Runner) Run(ctx context.Context, s Stage) error {
	l := r.Logger.With("stage", s.Name)

	in, err := r.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("stage %s: load results: %w", s.Name, err)
	}
	if len(in.Stage(s.Name)) > 0 {
		return fmt.Errorf("stage %s: %w: already completed", s.Name, results.ErrDuplicateKey)
	}
	if err := in.Require(s.Requires...); err != nil {
		observability.StageRuns.WithLabelValues(s.Name, "failed").Inc()
		return fmt.Errorf("stage %s: %w", s.Name, err)
	}

	l.Info("stage starting")
	out, err := s.Run(ctx, in)
	for _, k := range slices.Sorted(maps.Keys(out)) {
		l.Info("stage output", "key", k, "value", out[k])
	}
	if err != nil {
		observability.StageRuns.WithLabelValues(s.Name, "failed").Inc()
		l.Error("stage failed", "error", err)
		return fmt.Errorf("stage %s: %w", s.Name, err)
	}

	if err := r.Store.Save(ctx, s.Name, out); err != nil {
		observability.StageRuns.WithLabelValues(s.Name, "failed").Inc()
		return fmt.Errorf("stage %s: save results: %w", s.Name, err)
	}
	observability.StageRuns.WithLabelValues(s.Name, "completed").Inc()
	l.Info("stage completed", "outputs", len(out))

	if r.OnComplete != nil {
		if err := r.OnComplete(ctx, s.Name); err != nil {
			return fmt.Errorf("stage %s: completion hook: %w", s.Name, err)
		}
	}
	return nil
}

// RunAll runs stages in order and stops at the first failure, so no stage runs
// on top of a failed or timed-out dependency.
func (r *Runner) RunAll(ctx context.Context, stages []Stage) error {
	for _, s := range stages {
		if err := r.Run(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

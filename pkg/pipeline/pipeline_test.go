package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/catalog"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/config"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/results"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/storage"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/transform"
)

const ratingsCSV = `userId,movieId,rating,timestamp
1,10,4.0,1000
1,11,2.0,1001
2,10,5.0,999
`

const moviesCSV = `movieId,title,genres
10,Toy Story (1995),Adventure|Animation|Children
11,Heat (1995),Action|Crime|Thriller
12,Untitled,(no genres listed)
`

type fixture struct {
	dir      string
	cfg      *config.Config
	catalog  *catalog.Memory
	uploader *storage.MemoryUploader
	deps     *Deps
	runner   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ratings := filepath.Join(dir, "ratings.csv")
	movies := filepath.Join(dir, "movies.csv")
	if err := os.WriteFile(ratings, []byte(ratingsCSV), 0o600); err != nil {
		t.Fatalf("write ratings: %v", err)
	}
	if err := os.WriteFile(movies, []byte(moviesCSV), 0o600); err != nil {
		t.Fatalf("write movies: %v", err)
	}

	cfg := &config.Config{
		Name:      "test",
		RunSuffix: "r1",
		Bucket:    "bucket",
		KeyPrefix: "poc",
		RoleARN:   "arn:aws:iam::000000000000:role/PersonalizeRole",
		WorkDir:   filepath.Join(dir, "work"),
		Data: config.DataConfig{
			RatingsPath: ratings,
			MoviesPath:  movies,
			WatchAbove:  3,
			ClickAbove:  1,
		},
		Poll: config.PollConfig{Interval: time.Millisecond, Timeout: 5 * time.Second},
		Recipes: map[string]string{
			"sims":                 config.RecipeSIMS,
			"user_personalization": config.RecipeUserPersonalization,
		},
		Campaign: config.CampaignConfig{MinProvisionedTPS: 1},
		Filters:  config.FiltersConfig{Max: 3, Seed: 7},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		dir:      dir,
		cfg:      cfg,
		catalog:  catalog.NewMemory(),
		uploader: storage.NewMemoryUploader(),
	}
	f.deps = &Deps{
		Config:   cfg,
		Catalog:  f.catalog,
		Uploader: f.uploader,
		Retry:    catalog.RetryPolicy{Attempts: 1},
		Logger:   logger,
	}
	store := results.NewFileStore(filepath.Join(dir, "results"))
	store.Logger = logger
	f.runner = &Runner{Store: store, Logger: logger}
	return f
}

func (f *fixture) bundle(t *testing.T) *results.Bundle {
	t.Helper()
	b, err := f.runner.Store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return b
}

func TestRunAllEndToEnd(t *testing.T) {
	f := newFixture(t)
	var completed []string
	f.runner.OnComplete = func(_ context.Context, stage string) error {
		completed = append(completed, stage)
		return nil
	}

	if err := f.runner.RunAll(context.Background(), Stages(f.deps)); err != nil {
		t.Fatalf("run all: %v", err)
	}

	want := []string{StageDataPrep, StageDatasetGroup, StageSolutions, StageCampaigns, StageFilters}
	if !slices.Equal(completed, want) {
		t.Fatalf("completed %v, want %v", completed, want)
	}

	b := f.bundle(t)
	if v, _ := b.Get(KeyInteractionRows); v != int64(5) {
		t.Errorf("interaction rows = %v, want 5", v)
	}
	for _, recipe := range []string{"sims", "user_personalization"} {
		if err := b.Require(SolutionKey(recipe), SolutionVersionKey(recipe), CampaignKey(recipe)); err != nil {
			t.Errorf("recipe %s: %v", recipe, err)
		}
		if v, _ := b.Get(MetricKey(recipe, "coverage")); v != 0.42 {
			t.Errorf("recipe %s coverage = %v", recipe, v)
		}
	}
	if got := len(b.Keys("filter_")); got != f.cfg.Filters.Max+1 {
		t.Errorf("got %d filters, want %d", got, f.cfg.Filters.Max+1)
	}

	uri, _ := b.String(KeyInteractionsURI)
	if uri != "s3://bucket/poc/r1/interactions.csv" {
		t.Fatalf("unexpected interactions uri %s", uri)
	}
	data, ok := f.uploader.Object(uri)
	if !ok {
		t.Fatalf("interactions were not uploaded")
	}
	wantCSV := "USER_ID,ITEM_ID,EVENT_TYPE,TIMESTAMP\n" +
		"2,10,watch,999\n" +
		"2,10,click,999\n" +
		"1,10,watch,1000\n" +
		"1,10,click,1000\n" +
		"1,11,click,1001\n"
	if string(data) != wantCSV {
		t.Errorf("interactions csv:\n%s\nwant:\n%s", data, wantCSV)
	}

	itemsPath, _ := b.String(KeyItemsPath)
	items, err := os.ReadFile(itemsPath)
	if err != nil {
		t.Fatalf("read items: %v", err)
	}
	if !strings.Contains(string(items), "10,Adventure|Animation|Children,1995\n") || !strings.Contains(string(items), "12,(no genres listed),\n") {
		t.Errorf("unexpected items csv:\n%s", items)
	}

	if got := f.catalog.Names("dataset-group"); !slices.Equal(got, []string{"test-r1-dataset-group"}) {
		t.Errorf("dataset groups %v", got)
	}
	unwatched, _ := b.String(FilterKey(UnwatchedFilter))
	if got := f.catalog.FilterExpression(unwatched); got != `EXCLUDE ItemID WHERE Interactions.EVENT_TYPE IN ("watch")` {
		t.Errorf("unexpected exclude expression %q", got)
	}
}

func TestRunAllStopsAtFailedStage(t *testing.T) {
	f := newFixture(t)
	f.catalog.Fail["test-r1-sims"] = true

	err := f.runner.RunAll(context.Background(), Stages(f.deps))
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("expected ErrJobFailed, got %v", err)
	}
	var werr *WaitError
	if !errors.As(err, &werr) || len(werr.Results) != 1 {
		t.Fatalf("expected one failed job, got %v", err)
	}

	b := f.bundle(t)
	if !slices.Equal(b.Stages(), []string{StageDataPrep, StageDatasetGroup}) {
		t.Errorf("persisted stages %v", b.Stages())
	}
	if names := f.catalog.Names("campaign"); len(names) != 0 {
		t.Errorf("campaigns must not be created after a failed training, got %v", names)
	}
}

func TestRunAllReportsTimeout(t *testing.T) {
	f := newFixture(t)
	f.catalog.Steps = 1 << 20
	f.cfg.Poll.Timeout = 20 * time.Millisecond

	err := f.runner.RunAll(context.Background(), Stages(f.deps))
	if !errors.Is(err, ErrJobTimedOut) {
		t.Fatalf("expected ErrJobTimedOut, got %v", err)
	}
	if errors.Is(err, ErrJobFailed) {
		t.Fatalf("timeout must be distinct from failure: %v", err)
	}
	if names := f.catalog.Names("solution"); len(names) != 0 {
		t.Errorf("solutions must not be created after a timeout, got %v", names)
	}
}

func TestRunRequiresUpstreamKeys(t *testing.T) {
	f := newFixture(t)
	err := f.runner.Run(context.Background(), Campaigns(f.deps))
	if !errors.Is(err, results.ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestRunRejectsRepeatedStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.runner.Run(ctx, DataPrep(f.deps)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := f.runner.Run(ctx, DataPrep(f.deps)); !errors.Is(err, results.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestDataPrepRejectsMalformedRatings(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.cfg.Data.RatingsPath, []byte("userId,movieId,rating,timestamp\n1,10,high,1000\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := f.runner.Run(context.Background(), DataPrep(f.deps))
	if !errors.Is(err, transform.ErrMalformedRecord) {
		t.Fatalf("expected malformed record error, got %v", err)
	}
}

func TestPlanFilters(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "items.csv")
	content := "ITEM_ID,GENRES,YEAR\n10,Adventure|Animation|Children,1995\n11,Action|Crime|Thriller,1995\n12,(no genres listed),\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	first, err := PlanFilters(f.cfg, "test-r1", path)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	second, _ := PlanFilters(f.cfg, "test-r1", path)
	if !slices.Equal(first, second) {
		t.Fatalf("plan is not reproducible: %v vs %v", first, second)
	}
	if len(first) != 4 {
		t.Fatalf("expected 3 genre filters and 1 exclude filter, got %v", first)
	}
	for _, s := range first[:3] {
		if !strings.HasPrefix(s.Expression, `INCLUDE ItemID WHERE Items.GENRES IN ("`) {
			t.Errorf("unexpected include expression %q", s.Expression)
		}
		if strings.Contains(s.Expression, "no genres") {
			t.Errorf("parenthesized genre leaked into %q", s.Expression)
		}
		if !strings.HasPrefix(s.Key, "genre-") || s.Name != "test-r1-"+s.Key {
			t.Errorf("unexpected filter naming %+v", s)
		}
	}
	if last := first[3]; last.Key != UnwatchedFilter || last.Name != "test-r1-unwatched" {
		t.Errorf("unexpected exclude filter %+v", last)
	}

	f.cfg.Filters.Max = 100
	f.cfg.Filters.KeepParenthesized = true
	all, err := PlanFilters(f.cfg, "test-r1", path)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(all) != 8 {
		t.Fatalf("expected 7 genre filters and 1 exclude filter, got %d", len(all))
	}
}

func TestLookupAndNext(t *testing.T) {
	stages := Stages(newFixture(t).deps)
	for i, s := range stages {
		if s.Name != StageNames[i] {
			t.Fatalf("stage %d is %s, StageNames has %s", i, s.Name, StageNames[i])
		}
	}
	if _, err := Lookup(stages, "nope"); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
	next, ok := Next(stages, StageSolutions)
	if !ok || next.Name != StageCampaigns {
		t.Fatalf("expected campaigns after solutions, got %s", next.Name)
	}
	if _, ok := Next(stages, StageFilters); ok {
		t.Fatalf("filters is the last stage")
	}
}

func TestPlanFiltersMergesCollidingGenres(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "items.csv")
	content := "ITEM_ID,GENRES,YEAR\n1,Sci-Fi|Drama,1990\n2,Sci Fi,1991\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.cfg.Filters.Max = 10

	specs, err := PlanFilters(f.cfg, "test-r1", path)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	names := map[string]bool{}
	for _, s := range specs {
		if names[s.Name] {
			t.Fatalf("duplicate filter name %s in %+v", s.Name, specs)
		}
		names[s.Name] = true
	}
	if len(specs) != 3 {
		t.Fatalf("expected drama, sci-fi and unwatched filters, got %+v", specs)
	}
	if got := specs[1]; got.Key != "genre-sci-fi" || got.Expression != `INCLUDE ItemID WHERE Items.GENRES IN ("Sci Fi","Sci-Fi")` {
		t.Fatalf("colliding genres must share one filter, got %+v", got)
	}
}

func TestRunsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.runner.RunAll(ctx, Stages(f.deps)); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// A second run against the same catalog and object store, with its own
	// results and a generated suffix.
	cfg := *f.cfg
	cfg.RunSuffix = ""
	deps := *f.deps
	deps.Config = &cfg
	store := results.NewFileStore(filepath.Join(f.dir, "results-2"))
	store.Logger = f.deps.Logger
	second := &Runner{Store: store, Logger: f.deps.Logger}
	if err := second.RunAll(ctx, Stages(&deps)); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if got := f.catalog.Names("dataset-group"); len(got) != 2 {
		t.Fatalf("expected one dataset group per run, got %v", got)
	}
	firstURI, _ := f.bundle(t).String(KeyInteractionsURI)
	b2, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	secondURI, _ := b2.String(KeyInteractionsURI)
	if firstURI == secondURI {
		t.Fatalf("runs share the upload %s", firstURI)
	}
	firstPath, _ := f.bundle(t).String(KeyInteractionsPath)
	secondPath, _ := b2.String(KeyInteractionsPath)
	if firstPath == secondPath {
		t.Fatalf("runs share the work file %s", firstPath)
	}
	if _, ok := f.uploader.Object(firstURI); !ok {
		t.Fatalf("first run's upload is gone")
	}
}

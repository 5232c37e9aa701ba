package pipeline

import (
	"context"
	"fmt"
	"maps"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/catalog"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/config"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/filter"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/job"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/poller"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/results"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/storage"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/transform"
)

// Result keys written by the stages.
const (
	KeyRunSuffix                = "run_suffix"
	KeyInteractionsPath         = "interactions_path"
	KeyItemsPath                = "items_path"
	KeyInteractionsURI          = "interactions_s3_uri"
	KeyItemsURI                 = "items_s3_uri"
	KeyInteractionRows          = "interaction_rows"
	KeyItemRows                 = "item_rows"
	KeyDatasetGroupARN          = "dataset_group_arn"
	KeyInteractionsSchemaARN    = "interactions_schema_arn"
	KeyItemsSchemaARN           = "items_schema_arn"
	KeyInteractionsDatasetARN   = "interactions_dataset_arn"
	KeyItemsDatasetARN          = "items_dataset_arn"
	KeyInteractionsImportJobARN = "interactions_import_job_arn"
	KeyItemsImportJobARN        = "items_import_job_arn"
)

func SolutionKey(recipe string) string        { return recipe + "_solution_arn" }
func SolutionVersionKey(recipe string) string { return recipe + "_solution_version_arn" }
func CampaignKey(recipe string) string        { return recipe + "_campaign_arn" }
func FilterKey(name string) string            { return "filter_" + name + "_arn" }

func MetricKey(recipe, metric string) string {
	return recipe + "_metric_" + metric
}

// GenreDelimiter joins genre tokens in the movies file.
const GenreDelimiter = "|"

// RatingsPipeline turns explicit ratings into watch and click events.
func RatingsPipeline(data config.DataConfig) *transform.Pipeline {
	expand, keep := transform.ThresholdEvents("EVENT_TYPE", "RATING", []transform.Threshold{
		{Label: "watch", Min: data.WatchAbove},
		{Label: "click", Min: data.ClickAbove},
	})
	return &transform.Pipeline{
		Mapping: map[string]string{
			"userId":    "USER_ID",
			"movieId":   "ITEM_ID",
			"rating":    "RATING",
			"timestamp": "TIMESTAMP",
		},
		Expand:  expand,
		Filter:  keep,
		SortKey: "TIMESTAMP",
	}
}

// MoviesPipeline keeps item ids and genres and derives the release year.
func MoviesPipeline() *transform.Pipeline {
	return &transform.Pipeline{
		Mapping: map[string]string{
			"movieId": "ITEM_ID",
			"title":   "TITLE",
			"genres":  "GENRES",
		},
		Optional: []string{"GENRES"},
		Derived:  []transform.Derivation{{Field: "YEAR", Derive: transform.YearFromTitle("TITLE")}},
	}
}

func normalizeFile(src string, p *transform.Pipeline) ([]transform.Record, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := transform.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	recs, err := p.Normalize(t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	return recs, nil
}

func writeFile(dst string, columns []string, recs []transform.Record) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := transform.WriteCSV(f, columns, recs); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return f.Close()
}

// DataPrep normalizes the ratings and movies files, writes the import CSVs to
// the run's work directory and uploads them under the run's key prefix. It
// picks the run suffix every later stage names its resources with.
func DataPrep(d *Deps) Stage {
	return Stage{
		Name: StageDataPrep,
		Run: func(ctx context.Context, _ *results.Bundle) (map[string]any, error) {
			cfg := d.Config
			interactions, err := normalizeFile(cfg.Data.RatingsPath, RatingsPipeline(cfg.Data))
			if err != nil {
				return nil, err
			}
			items, err := normalizeFile(cfg.Data.MoviesPath, MoviesPipeline())
			if err != nil {
				return nil, err
			}
			d.Logger.Info("normalized source data", "interactions", len(interactions), "items", len(items))

			suffix := d.runSuffix()
			workDir := filepath.Join(cfg.WorkDir, suffix)
			if err := os.MkdirAll(workDir, 0o755); err != nil {
				return nil, fmt.Errorf("create work dir: %w", err)
			}
			out := map[string]any{
				KeyRunSuffix:       suffix,
				KeyInteractionRows: len(interactions),
				KeyItemRows:        len(items),
			}
			files := []struct {
				name, pathKey, uriKey string
				columns               []string
				records               []transform.Record
			}{
				{"interactions.csv", KeyInteractionsPath, KeyInteractionsURI, InteractionColumns, interactions},
				{"items.csv", KeyItemsPath, KeyItemsURI, ItemColumns, items},
			}
			for _, f := range files {
				local := filepath.Join(workDir, f.name)
				if err := writeFile(local, f.columns, f.records); err != nil {
					return out, err
				}
				out[f.pathKey] = local

				uri, err := storage.PutFile(ctx, d.Uploader, cfg.Bucket, path.Join(cfg.KeyPrefix, suffix, f.name), local)
				if err != nil {
					return out, fmt.Errorf("upload %s: %w", local, err)
				}
				out[f.uriKey] = uri
			}
			return out, nil
		},
	}
}

// DatasetGroup creates the dataset group, schemas and datasets, then imports
// both CSVs and waits for the import jobs.
func DatasetGroup(d *Deps) Stage {
	return Stage{
		Name:     StageDatasetGroup,
		Requires: []string{KeyRunSuffix, KeyInteractionsURI, KeyItemsURI},
		Run: func(ctx context.Context, in *results.Bundle) (map[string]any, error) {
			out := map[string]any{}
			cat := d.Catalog

			name := d.resourceName(in, "dataset-group")
			group, err := d.create(ctx, "create dataset group "+name, func(ctx context.Context) (string, error) {
				return cat.CreateDatasetGroup(ctx, name)
			})
			if err != nil {
				return out, err
			}
			out[KeyDatasetGroupARN] = group
			if _, err := d.waitAll(ctx, []poller.Target{target(job.KindDatasetGroup, group, cat.DescribeDatasetGroup)}); err != nil {
				return out, err
			}

			datasets := []struct {
				kind, schema                          string
				uriKey, schemaKey, datasetKey, jobKey string
			}{
				{catalog.DatasetInteractions, interactionsSchema, KeyInteractionsURI, KeyInteractionsSchemaARN, KeyInteractionsDatasetARN, KeyInteractionsImportJobARN},
				{catalog.DatasetItems, itemsSchema, KeyItemsURI, KeyItemsSchemaARN, KeyItemsDatasetARN, KeyItemsImportJobARN},
			}
			var targets []poller.Target
			for _, ds := range datasets {
				uri, err := in.String(ds.uriKey)
				if err != nil {
					return out, err
				}

				schemaName := d.resourceName(in, ds.kind, "schema")
				schema, err := d.create(ctx, "create schema "+schemaName, func(ctx context.Context) (string, error) {
					return cat.CreateSchema(ctx, schemaName, ds.schema)
				})
				if err != nil {
					return out, err
				}
				out[ds.schemaKey] = schema

				datasetName := d.resourceName(in, ds.kind)
				dataset, err := d.create(ctx, "create dataset "+datasetName, func(ctx context.Context) (string, error) {
					return cat.CreateDataset(ctx, catalog.CreateDatasetInput{
						Name:            datasetName,
						DatasetGroupARN: group,
						DatasetType:     ds.kind,
						SchemaARN:       schema,
					})
				})
				if err != nil {
					return out, err
				}
				out[ds.datasetKey] = dataset

				jobName := d.resourceName(in, ds.kind, "import")
				importJob, err := d.create(ctx, "create dataset import job "+jobName, func(ctx context.Context) (string, error) {
					return cat.CreateDatasetImportJob(ctx, catalog.CreateImportJobInput{
						Name:         jobName,
						DatasetARN:   dataset,
						DataLocation: uri,
						RoleARN:      d.Config.RoleARN,
					})
				})
				if err != nil {
					return out, err
				}
				out[ds.jobKey] = importJob
				targets = append(targets, target(job.KindImportJob, importJob, cat.DescribeDatasetImportJob))
			}

			_, err = d.waitAll(ctx, targets)
			return out, err
		},
	}
}

// Solutions trains one solution version per configured recipe. The versions
// train concurrently and are waited on together.
func Solutions(d *Deps) Stage {
	return Stage{
		Name:     StageSolutions,
		Requires: []string{KeyRunSuffix, KeyDatasetGroupARN, KeyInteractionsImportJobARN, KeyItemsImportJobARN},
		Run: func(ctx context.Context, in *results.Bundle) (map[string]any, error) {
			group, err := in.String(KeyDatasetGroupARN)
			if err != nil {
				return nil, err
			}
			out := map[string]any{}
			cat := d.Catalog

			recipeOf := make(map[string]string, len(d.Config.Recipes))
			var targets []poller.Target
			for _, recipe := range slices.Sorted(maps.Keys(d.Config.Recipes)) {
				name := d.resourceName(in, recipe)
				solution, err := d.create(ctx, "create solution "+name, func(ctx context.Context) (string, error) {
					return cat.CreateSolution(ctx, catalog.CreateSolutionInput{
						Name:            name,
						DatasetGroupARN: group,
						RecipeARN:       d.Config.Recipes[recipe],
						PerformHPO:      d.Config.Training.PerformHPO,
					})
				})
				if err != nil {
					return out, err
				}
				out[SolutionKey(recipe)] = solution

				version, err := d.create(ctx, "create solution version "+name, func(ctx context.Context) (string, error) {
					return cat.CreateSolutionVersion(ctx, solution)
				})
				if err != nil {
					return out, err
				}
				out[SolutionVersionKey(recipe)] = version
				recipeOf[version] = recipe
				targets = append(targets, target(job.KindSolutionVersion, version, cat.DescribeSolutionVersion))
			}

			res, err := d.waitAll(ctx, targets)
			if err != nil {
				return out, err
			}
			for _, r := range res {
				metrics, err := cat.GetSolutionMetrics(ctx, r.Handle.ID)
				if err != nil {
					return out, fmt.Errorf("get solution metrics %s: %w", r.Handle.ID, err)
				}
				recipe := recipeOf[r.Handle.ID]
				for m, v := range metrics {
					out[MetricKey(recipe, m)] = v
				}
				d.Logger.Info("solution metrics", "recipe", recipe, "solution_version", r.Handle.ID, "metrics", metrics)
			}
			return out, nil
		},
	}
}

// Campaigns deploys one campaign per trained solution version.
func Campaigns(d *Deps) Stage {
	recipes := slices.Sorted(maps.Keys(d.Config.Recipes))
	requires := []string{KeyRunSuffix}
	for _, r := range recipes {
		requires = append(requires, SolutionVersionKey(r))
	}
	return Stage{
		Name:     StageCampaigns,
		Requires: requires,
		Run: func(ctx context.Context, in *results.Bundle) (map[string]any, error) {
			out := map[string]any{}
			var targets []poller.Target
			for _, recipe := range recipes {
				version, err := in.String(SolutionVersionKey(recipe))
				if err != nil {
					return out, err
				}
				name := d.resourceName(in, recipe, "campaign")
				campaign, err := d.create(ctx, "create campaign "+name, func(ctx context.Context) (string, error) {
					return d.Catalog.CreateCampaign(ctx, catalog.CreateCampaignInput{
						Name:               name,
						SolutionVersionARN: version,
						MinProvisionedTPS:  d.Config.Campaign.MinProvisionedTPS,
					})
				})
				if err != nil {
					return out, err
				}
				out[CampaignKey(recipe)] = campaign
				targets = append(targets, target(job.KindCampaign, campaign, d.Catalog.DescribeCampaign))
			}
			_, err := d.waitAll(ctx, targets)
			return out, err
		},
	}
}

// FilterSpec is a filter the filters stage will create. Key names the filter
// within a run ("genre-action", "unwatched") and is what callers look filters
// up by; Name is the service resource name.
type FilterSpec struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// UnwatchedFilter is the key of the filter excluding already watched items.
const UnwatchedFilter = "unwatched"

// PlanFilters reads the prepared items file and returns one include filter per
// sampled genre plus a filter excluding already watched items. Genres whose
// names sanitize to the same key share one filter. The sample is capped at
// Filters.Max and seeded, so the plan is reproducible. prefix starts every
// filter name.
func PlanFilters(cfg *config.Config, prefix, itemsPath string) ([]FilterSpec, error) {
	f, err := os.Open(itemsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := transform.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", itemsPath, err)
	}
	col := slices.Index(t.Columns, "GENRES")
	if col < 0 {
		return nil, fmt.Errorf("%w: %s has no GENRES column", transform.ErrConfig, itemsPath)
	}
	values := make([]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		if col < len(row) {
			values = append(values, row[col])
		}
	}

	policy := filter.DropParenthesized
	if cfg.Filters.KeepParenthesized {
		policy = filter.KeepParenthesized
	}
	byKey := map[string]filter.Set{}
	keys := filter.Set{}
	for g := range filter.ExtractCategoricalValues(values, GenreDelimiter, policy) {
		key := filter.Name("genre", g)
		if byKey[key] == nil {
			byKey[key] = filter.Set{}
		}
		byKey[key][g] = struct{}{}
		keys[key] = struct{}{}
	}
	rng := rand.New(rand.NewSource(cfg.Filters.Seed))

	var specs []FilterSpec
	for _, key := range filter.Sample(keys, cfg.Filters.Max, rng) {
		expr, err := filter.Build(filter.Include, "GENRES", byKey[key])
		if err != nil {
			return nil, err
		}
		specs = append(specs, FilterSpec{Key: key, Name: filter.Name(prefix, key), Expression: expr})
	}
	expr, err := filter.Build(filter.Exclude, "EVENT_TYPE", filter.Set{"watch": {}})
	if err != nil {
		return nil, err
	}
	specs = append(specs, FilterSpec{Key: UnwatchedFilter, Name: filter.Name(prefix, UnwatchedFilter), Expression: expr})
	return specs, nil
}

// Filters creates the planned filters on the dataset group.
func Filters(d *Deps) Stage {
	return Stage{
		Name:     StageFilters,
		Requires: []string{KeyRunSuffix, KeyDatasetGroupARN, KeyItemsPath, KeyInteractionsImportJobARN},
		Run: func(ctx context.Context, in *results.Bundle) (map[string]any, error) {
			group, err := in.String(KeyDatasetGroupARN)
			if err != nil {
				return nil, err
			}
			itemsPath, err := in.String(KeyItemsPath)
			if err != nil {
				return nil, err
			}
			specs, err := PlanFilters(d.Config, ResourcePrefix(d.Config, in), itemsPath)
			if err != nil {
				return nil, err
			}

			out := map[string]any{}
			var targets []poller.Target
			for _, s := range specs {
				arn, err := d.create(ctx, "create filter "+s.Name, func(ctx context.Context) (string, error) {
					return d.Catalog.CreateFilter(ctx, catalog.CreateFilterInput{
						Name:            s.Name,
						DatasetGroupARN: group,
						Expression:      s.Expression,
					})
				})
				if err != nil {
					return out, err
				}
				out[FilterKey(s.Key)] = arn
				targets = append(targets, target(job.KindFilter, arn, d.Catalog.DescribeFilter))
			}
			_, err = d.waitAll(ctx, targets)
			return out, err
		},
	}
}

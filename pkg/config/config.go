// Package config loads pipeline settings from defaults, an optional YAML file
// and environment variables, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

const envPrefix = "PERSONALIZE_"

var DefaultConfigPaths = []string{"pipeline.yaml", "pipeline.yml"}

var ErrInvalid = errors.New("invalid configuration")

// Recipe ARNs published by the service.
const (
	RecipeUserPersonalization = "arn:aws:personalize:::recipe/aws-user-personalization"
	RecipeSIMS                = "arn:aws:personalize:::recipe/aws-sims"
	RecipePersonalizedRanking = "arn:aws:personalize:::recipe/aws-personalized-ranking"
	RecipePopularityCount     = "arn:aws:personalize:::recipe/aws-popularity-count"
)

type Config struct {
	// Name prefixes every remote resource the pipeline creates.
	Name       string `koanf:"name"`
	Region     string `koanf:"region"`
	Account    string `koanf:"account"`
	Bucket     string `koanf:"bucket"`
	KeyPrefix  string `koanf:"key_prefix"`
	RoleARN    string `koanf:"role_arn"`
	ResultsDir string `koanf:"results_dir"`
	WorkDir    string `koanf:"work_dir"`
	// RunSuffix separates the resources, work files and object keys of one
	// run from every other run. Empty picks a random suffix per run.
	RunSuffix string `koanf:"run_suffix"`
	// DryRun runs every stage against the in-memory catalog and object store.
	DryRun bool `koanf:"dry_run"`

	Data     DataConfig        `koanf:"data"`
	Poll     PollConfig        `koanf:"poll"`
	Recipes  map[string]string `koanf:"recipes"`
	Training TrainingConfig    `koanf:"training"`
	Campaign CampaignConfig    `koanf:"campaign"`
	Filters  FiltersConfig     `koanf:"filters"`
}

type DataConfig struct {
	RatingsPath string `koanf:"ratings_path"`
	MoviesPath  string `koanf:"movies_path"`
	// Ratings strictly above WatchAbove become watch events, above ClickAbove click events.
	WatchAbove float64 `koanf:"watch_above"`
	ClickAbove float64 `koanf:"click_above"`
}

type PollConfig struct {
	Interval  time.Duration `koanf:"interval"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
}

type TrainingConfig struct {
	PerformHPO bool `koanf:"perform_hpo"`
}

type CampaignConfig struct {
	MinProvisionedTPS int32 `koanf:"min_provisioned_tps"`
}

type FiltersConfig struct {
	// Max is the number of genre filters created; the service caps filters per dataset group.
	Max  int   `koanf:"max"`
	Seed int64 `koanf:"seed"`
	// KeepParenthesized keeps genre tokens containing parentheses.
	KeepParenthesized bool `koanf:"keep_parenthesized"`
}

func defaultConfig() *Config {
	return &Config{
		Name:       "personalize-poc",
		KeyPrefix:  "personalize-poc",
		ResultsDir: "results",
		WorkDir:    "data",
		Data: DataConfig{
			RatingsPath: "data/ml-latest-small/ratings.csv",
			MoviesPath:  "data/ml-latest-small/movies.csv",
			WatchAbove:  3,
			ClickAbove:  1,
		},
		Poll: PollConfig{
			Interval:  60 * time.Second,
			Timeout:   3 * time.Hour,
			RateLimit: 5,
		},
		Recipes: map[string]string{
			"user_personalization": RecipeUserPersonalization,
			"sims":                 RecipeSIMS,
			"personalized_ranking": RecipePersonalizedRanking,
		},
		Campaign: CampaignConfig{MinProvisionedTPS: 1},
		Filters:  FiltersConfig{Max: 9, Seed: 42},
	}
}

// Load reads defaults, then the config file (CONFIG_PATH or pipeline.yaml),
// then PERSONALIZE_* and AWS_REGION environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		fk := koanf.New(".")
		if err := fk.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		// A recipes section lists the full set to train.
		if fk.Exists("recipes") {
			k.Delete("recipes")
		}
		if err := k.Merge(fk); err != nil {
			return nil, fmt.Errorf("failed to merge config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("AWS_", ".", func(key string) string {
		if key == "AWS_REGION" {
			return "region"
		}
		return ""
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processRecipes(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var runSuffixPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,15}$`)

var nestedPrefixes = []string{"data_", "poll_", "training_", "campaign_", "filters_"}

// envTransformFunc maps PERSONALIZE_POLL_INTERVAL to poll.interval and
// PERSONALIZE_ROLE_ARN to role_arn.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	for _, p := range nestedPrefixes {
		if strings.HasPrefix(key, p) {
			return strings.TrimSuffix(p, "_") + "." + strings.TrimPrefix(key, p)
		}
	}
	return key
}

// processRecipes turns "name=arn,name=arn" from the environment into a map.
func processRecipes(k *koanf.Koanf) error {
	s, ok := k.Get("recipes").(string)
	if !ok {
		return nil
	}
	recipes := map[string]any{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, arn, found := strings.Cut(pair, "=")
		if !found || name == "" || arn == "" {
			return fmt.Errorf("%w: recipe %q must be name=arn", ErrInvalid, pair)
		}
		recipes[strings.TrimSpace(name)] = strings.TrimSpace(arn)
	}
	k.Delete("recipes")
	return k.Set("recipes", recipes)
}

// Validate rejects settings a remote call would fail on. It runs before any
// remote call is made.
func (c *Config) Validate() error {
	var problems []string
	if c.Name == "" {
		problems = append(problems, "name is required")
	}
	if !c.DryRun {
		if c.Bucket == "" {
			problems = append(problems, "bucket is required")
		}
		if !strings.HasPrefix(c.RoleARN, "arn:") {
			problems = append(problems, "role_arn must be an IAM role ARN")
		}
	}
	if c.RunSuffix != "" && !runSuffixPattern.MatchString(c.RunSuffix) {
		problems = append(problems, "run_suffix must be up to 16 lowercase letters, digits or dashes")
	}
	if c.ResultsDir == "" {
		problems = append(problems, "results_dir is required")
	}
	if c.Data.RatingsPath == "" || c.Data.MoviesPath == "" {
		problems = append(problems, "data.ratings_path and data.movies_path are required")
	}
	if c.Data.WatchAbove < c.Data.ClickAbove {
		problems = append(problems, "data.watch_above must not be below data.click_above")
	}
	if c.Poll.Interval < 0 || c.Poll.Timeout < 0 {
		problems = append(problems, "poll.interval and poll.timeout must not be negative")
	}
	if len(c.Recipes) == 0 {
		problems = append(problems, "at least one recipe is required")
	}
	for name, arn := range c.Recipes {
		if !strings.HasPrefix(arn, "arn:") {
			problems = append(problems, fmt.Sprintf("recipe %s has invalid arn %q", name, arn))
		}
	}
	if c.Filters.Max < 0 {
		problems = append(problems, "filters.max must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

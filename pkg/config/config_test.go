package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Poll.Interval != time.Minute || cfg.Data.WatchAbove != 3 || cfg.Filters.Max != 9 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Recipes["sims"] != RecipeSIMS {
		t.Fatalf("missing default recipe: %v", cfg.Recipes)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "custom.yaml")
	content := `
name: movies-demo
bucket: from-file
poll:
  interval: 30s
  timeout: 2h
filters:
  max: 4
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("PERSONALIZE_BUCKET", "from-env")
	t.Setenv("PERSONALIZE_ROLE_ARN", "arn:aws:iam::123456789012:role/PersonalizeRole")
	t.Setenv("PERSONALIZE_POLL_INTERVAL", "15s")
	t.Setenv("PERSONALIZE_DATA_WATCH_ABOVE", "4")
	t.Setenv("PERSONALIZE_RECIPES", "popularity=arn:aws:personalize:::recipe/aws-popularity-count")
	t.Setenv("AWS_REGION", "eu-west-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "movies-demo" || cfg.Filters.Max != 4 || cfg.Poll.Timeout != 2*time.Hour {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Bucket != "from-env" || cfg.Poll.Interval != 15*time.Second || cfg.Data.WatchAbove != 4 {
		t.Fatalf("env values not applied: %+v", cfg)
	}
	if cfg.Region != "eu-west-1" {
		t.Fatalf("expected region from AWS_REGION, got %q", cfg.Region)
	}
	if len(cfg.Recipes) != 1 || cfg.Recipes["popularity"] != RecipePopularityCount {
		t.Fatalf("unexpected recipes %v", cfg.Recipes)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadRejectsMalformedRecipes(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PERSONALIZE_RECIPES", "no-arn-here")
	if _, err := Load(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bucket and role are required outside dry runs, got %v", err)
	}
	cfg.DryRun = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("dry run defaults must validate: %v", err)
	}
	cfg.Data.WatchAbove = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected threshold ordering error, got %v", err)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := map[string]string{
		"PERSONALIZE_ROLE_ARN":                     "role_arn",
		"PERSONALIZE_POLL_RATE_LIMIT":              "poll.rate_limit",
		"PERSONALIZE_CAMPAIGN_MIN_PROVISIONED_TPS": "campaign.min_provisioned_tps",
		"PERSONALIZE_FILTERS_KEEP_PARENTHESIZED":   "filters.keep_parenthesized",
	}
	for in, want := range tests {
		if got := envTransformFunc(in); got != want {
			t.Errorf("%s: got %s, want %s", in, got, want)
		}
	}
}

type fakeMetadata struct {
	region  string
	account string
	err     error
}

func (f fakeMetadata) GetRegion(ctx context.Context, params *imds.GetRegionInput, optFns ...func(*imds.Options)) (*imds.GetRegionOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &imds.GetRegionOutput{Region: f.region}, nil
}

func (f fakeMetadata) GetInstanceIdentityDocument(ctx context.Context, params *imds.GetInstanceIdentityDocumentInput, optFns ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := &imds.GetInstanceIdentityDocumentOutput{}
	out.AccountID = f.account
	return out, nil
}

type fakeIdentity struct{ account string }

func (f fakeIdentity) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{Account: aws.String(f.account)}, nil
}

func TestEnvironmentResolve(t *testing.T) {
	ctx := context.Background()

	cfg := &Config{}
	env := Environment{metadata: fakeMetadata{region: "us-west-2", account: "111111111111"}, identity: fakeIdentity{account: "222222222222"}}
	if err := env.Resolve(ctx, cfg); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Region != "us-west-2" || cfg.Account != "111111111111" {
		t.Fatalf("expected metadata values, got %s %s", cfg.Region, cfg.Account)
	}

	cfg = &Config{Region: "eu-central-1"}
	env = Environment{metadata: fakeMetadata{err: errors.New("no imds")}, identity: fakeIdentity{account: "222222222222"}}
	if err := env.Resolve(ctx, cfg); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Region != "eu-central-1" || cfg.Account != "222222222222" {
		t.Fatalf("expected sts fallback, got %s %s", cfg.Region, cfg.Account)
	}

	cfg = &Config{}
	if err := env.Resolve(ctx, cfg); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid without region, got %v", err)
	}
}

func TestLoadFileRecipesReplaceDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := `
recipes:
  sims: arn:aws:personalize:::recipe/aws-sims
`
	if err := os.WriteFile(filepath.Join(dir, "pipeline.yaml"), []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Recipes) != 1 || cfg.Recipes["sims"] != RecipeSIMS {
		t.Fatalf("file recipes must replace the defaults, got %v", cfg.Recipes)
	}
	if cfg.Poll.Interval != time.Minute {
		t.Fatalf("other defaults must survive, got %v", cfg.Poll.Interval)
	}
}

func TestValidateRunSuffix(t *testing.T) {
	cfg := defaultConfig()
	cfg.DryRun = true
	for _, suffix := range []string{"r1", "2024-10-19"} {
		cfg.RunSuffix = suffix
		if err := cfg.Validate(); err != nil {
			t.Errorf("%q: %v", suffix, err)
		}
	}
	for _, suffix := range []string{"Run_1", "-r1", "a-suffix-longer-than-sixteen"} {
		cfg.RunSuffix = suffix
		if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
			t.Errorf("%q: expected ErrInvalid, got %v", suffix, err)
		}
	}
}

func TestLoadAWSUsesSharedConfigRegion(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "config")
	if err := os.WriteFile(shared, []byte("[default]\nregion = eu-central-1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("AWS_CONFIG_FILE", shared)
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	cfg := &Config{Account: "123456789012"}
	awsCfg, err := LoadAWS(context.Background(), cfg)
	if err != nil {
		t.Fatalf("load aws: %v", err)
	}
	if cfg.Region != "eu-central-1" || awsCfg.Region != "eu-central-1" {
		t.Fatalf("expected the shared config region, got %q / %q", cfg.Region, awsCfg.Region)
	}
}

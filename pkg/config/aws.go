package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// LoadAWS builds the SDK config and fills Region and Account when they are not
// configured. The region comes from the SDK's own resolution (environment,
// shared config) before instance metadata; the account from instance metadata,
// then STS.
func LoadAWS(ctx context.Context, cfg *Config) (aws.Config, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}

	if cfg.Region == "" {
		cfg.Region = awsCfg.Region
	}
	env := Environment{metadata: imds.NewFromConfig(awsCfg), identity: sts.NewFromConfig(awsCfg)}
	if err := env.Resolve(ctx, cfg); err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = cfg.Region
	return awsCfg, nil
}

// Environment resolves region and account identifiers.
type Environment struct {
	metadata metadataAPI
	identity identityAPI
}

func (e Environment) Resolve(ctx context.Context, cfg *Config) error {
	if cfg.Region == "" {
		out, err := e.metadata.GetRegion(ctx, &imds.GetRegionInput{})
		if err != nil {
			return fmt.Errorf("%w: region not configured and instance metadata unavailable: %v", ErrInvalid, err)
		}
		cfg.Region = out.Region
	}
	if cfg.Account != "" {
		return nil
	}

	doc, err := e.metadata.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err == nil && doc.AccountID != "" {
		cfg.Account = doc.AccountID
		return nil
	}
	slog.Debug("instance identity document unavailable, asking sts", "error", err)

	caller, err := e.identity.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("resolve account: %w", err)
	}
	cfg.Account = aws.ToString(caller.Account)
	return nil
}

type metadataAPI interface {
	GetRegion(ctx context.Context, params *imds.GetRegionInput, optFns ...func(*imds.Options)) (*imds.GetRegionOutput, error)
	GetInstanceIdentityDocument(ctx context.Context, params *imds.GetInstanceIdentityDocumentInput, optFns ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error)
}

type identityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

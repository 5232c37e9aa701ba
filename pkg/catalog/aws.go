package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/personalize"
	ptypes "github.com/aws/aws-sdk-go-v2/service/personalize/types"
	"github.com/aws/aws-sdk-go-v2/service/personalizeruntime"
)

// AWSClient talks to Amazon Personalize.
type AWSClient struct {
	control personalizeAPI
	runtime runtimeAPI
}

func NewAWSClient(cfg aws.Config) *AWSClient {
	return &AWSClient{
		control: personalize.NewFromConfig(cfg),
		runtime: personalizeruntime.NewFromConfig(cfg),
	}
}

func (c *AWSClient) CreateDatasetGroup(ctx context.Context, name string) (string, error) {
	out, err := c.control.CreateDatasetGroup(ctx, &personalize.CreateDatasetGroupInput{Name: aws.String(name)})
	if err != nil {
		return "", wrap("create dataset group", name, err)
	}
	return strOrEmpty(out.DatasetGroupArn), nil
}

func (c *AWSClient) DescribeDatasetGroup(ctx context.Context, arn string) (string, error) {
	out, err := c.control.DescribeDatasetGroup(ctx, &personalize.DescribeDatasetGroupInput{DatasetGroupArn: aws.String(arn)})
	if err != nil {
		return "", wrap("describe dataset group", arn, err)
	}
	if out.DatasetGroup == nil {
		return "", fmt.Errorf("describe dataset group %s: missing dataset group", arn)
	}
	return strOrEmpty(out.DatasetGroup.Status), nil
}

func (c *AWSClient) CreateSchema(ctx context.Context, name, schema string) (string, error) {
	out, err := c.control.CreateSchema(ctx, &personalize.CreateSchemaInput{Name: aws.String(name), Schema: aws.String(schema)})
	if err != nil {
		return "", wrap("create schema", name, err)
	}
	return strOrEmpty(out.SchemaArn), nil
}

func (c *AWSClient) CreateDataset(ctx context.Context, in CreateDatasetInput) (string, error) {
	out, err := c.control.CreateDataset(ctx, &personalize.CreateDatasetInput{
		Name:            aws.String(in.Name),
		DatasetGroupArn: aws.String(in.DatasetGroupARN),
		DatasetType:     aws.String(in.DatasetType),
		SchemaArn:       aws.String(in.SchemaARN),
	})
	if err != nil {
		return "", wrap("create dataset", in.Name, err)
	}
	return strOrEmpty(out.DatasetArn), nil
}

func (c *AWSClient) CreateDatasetImportJob(ctx context.Context, in CreateImportJobInput) (string, error) {
	out, err := c.control.CreateDatasetImportJob(ctx, &personalize.CreateDatasetImportJobInput{
		JobName:    aws.String(in.Name),
		DatasetArn: aws.String(in.DatasetARN),
		DataSource: &ptypes.DataSource{DataLocation: aws.String(in.DataLocation)},
		RoleArn:    aws.String(in.RoleARN),
	})
	if err != nil {
		return "", wrap("create dataset import job", in.Name, err)
	}
	return strOrEmpty(out.DatasetImportJobArn), nil
}

func (c *AWSClient) DescribeDatasetImportJob(ctx context.Context, arn string) (string, error) {
	out, err := c.control.DescribeDatasetImportJob(ctx, &personalize.DescribeDatasetImportJobInput{DatasetImportJobArn: aws.String(arn)})
	if err != nil {
		return "", wrap("describe dataset import job", arn, err)
	}
	if out.DatasetImportJob == nil {
		return "", fmt.Errorf("describe dataset import job %s: missing job", arn)
	}
	return strOrEmpty(out.DatasetImportJob.Status), nil
}

func (c *AWSClient) CreateSolution(ctx context.Context, in CreateSolutionInput) (string, error) {
	out, err := c.control.CreateSolution(ctx, &personalize.CreateSolutionInput{
		Name:            aws.String(in.Name),
		DatasetGroupArn: aws.String(in.DatasetGroupARN),
		RecipeArn:       aws.String(in.RecipeARN),
		PerformHPO:      aws.Bool(in.PerformHPO),
	})
	if err != nil {
		return "", wrap("create solution", in.Name, err)
	}
	return strOrEmpty(out.SolutionArn), nil
}

func (c *AWSClient) CreateSolutionVersion(ctx context.Context, solutionARN string) (string, error) {
	out, err := c.control.CreateSolutionVersion(ctx, &personalize.CreateSolutionVersionInput{SolutionArn: aws.String(solutionARN)})
	if err != nil {
		return "", wrap("create solution version", solutionARN, err)
	}
	return strOrEmpty(out.SolutionVersionArn), nil
}

func (c *AWSClient) DescribeSolutionVersion(ctx context.Context, arn string) (string, error) {
	out, err := c.control.DescribeSolutionVersion(ctx, &personalize.DescribeSolutionVersionInput{SolutionVersionArn: aws.String(arn)})
	if err != nil {
		return "", wrap("describe solution version", arn, err)
	}
	if out.SolutionVersion == nil {
		return "", fmt.Errorf("describe solution version %s: missing solution version", arn)
	}
	return strOrEmpty(out.SolutionVersion.Status), nil
}

func (c *AWSClient) GetSolutionMetrics(ctx context.Context, solutionVersionARN string) (map[string]float64, error) {
	out, err := c.control.GetSolutionMetrics(ctx, &personalize.GetSolutionMetricsInput{SolutionVersionArn: aws.String(solutionVersionARN)})
	if err != nil {
		return nil, wrap("get solution metrics", solutionVersionARN, err)
	}
	return out.Metrics, nil
}

func (c *AWSClient) CreateCampaign(ctx context.Context, in CreateCampaignInput) (string, error) {
	out, err := c.control.CreateCampaign(ctx, &personalize.CreateCampaignInput{
		Name:               aws.String(in.Name),
		SolutionVersionArn: aws.String(in.SolutionVersionARN),
		MinProvisionedTPS:  aws.Int32(in.MinProvisionedTPS),
	})
	if err != nil {
		return "", wrap("create campaign", in.Name, err)
	}
	return strOrEmpty(out.CampaignArn), nil
}

func (c *AWSClient) DescribeCampaign(ctx context.Context, arn string) (string, error) {
	out, err := c.control.DescribeCampaign(ctx, &personalize.DescribeCampaignInput{CampaignArn: aws.String(arn)})
	if err != nil {
		return "", wrap("describe campaign", arn, err)
	}
	if out.Campaign == nil {
		return "", fmt.Errorf("describe campaign %s: missing campaign", arn)
	}
	return strOrEmpty(out.Campaign.Status), nil
}

func (c *AWSClient) CreateFilter(ctx context.Context, in CreateFilterInput) (string, error) {
	out, err := c.control.CreateFilter(ctx, &personalize.CreateFilterInput{
		Name:             aws.String(in.Name),
		DatasetGroupArn:  aws.String(in.DatasetGroupARN),
		FilterExpression: aws.String(in.Expression),
	})
	if err != nil {
		return "", wrap("create filter", in.Name, err)
	}
	return strOrEmpty(out.FilterArn), nil
}

func (c *AWSClient) DescribeFilter(ctx context.Context, arn string) (string, error) {
	out, err := c.control.DescribeFilter(ctx, &personalize.DescribeFilterInput{FilterArn: aws.String(arn)})
	if err != nil {
		return "", wrap("describe filter", arn, err)
	}
	if out.Filter == nil {
		return "", fmt.Errorf("describe filter %s: missing filter", arn)
	}
	return strOrEmpty(out.Filter.Status), nil
}

func (c *AWSClient) GetRecommendations(ctx context.Context, in RecommendationsInput) ([]Recommendation, error) {
	params := &personalizeruntime.GetRecommendationsInput{CampaignArn: aws.String(in.CampaignARN)}
	if in.UserID != "" {
		params.UserId = aws.String(in.UserID)
	}
	if in.ItemID != "" {
		params.ItemId = aws.String(in.ItemID)
	}
	if in.FilterARN != "" {
		params.FilterArn = aws.String(in.FilterARN)
	}
	if in.NumResults > 0 {
		params.NumResults = aws.Int32(in.NumResults)
	}
	out, err := c.runtime.GetRecommendations(ctx, params)
	if err != nil {
		return nil, wrap("get recommendations", in.CampaignARN, err)
	}
	recs := make([]Recommendation, 0, len(out.ItemList))
	for _, item := range out.ItemList {
		recs = append(recs, Recommendation{ItemID: strOrEmpty(item.ItemId), Score: aws.ToFloat64(item.Score)})
	}
	return recs, nil
}

// wrap adds the operation and resource to err and maps the service's
// exceptions onto this package's sentinels.
func wrap(op, resource string, err error) error {
	var exists *ptypes.ResourceAlreadyExistsException
	if errors.As(err, &exists) {
		return fmt.Errorf("%s %s: %w: %w", op, resource, ErrAlreadyExists, err)
	}
	var missing *ptypes.ResourceNotFoundException
	if errors.As(err, &missing) {
		return fmt.Errorf("%s %s: %w: %w", op, resource, ErrNotFound, err)
	}
	return fmt.Errorf("%s %s: %w", op, resource, err)
}

type personalizeAPI interface {
	CreateDatasetGroup(ctx context.Context, params *personalize.CreateDatasetGroupInput, optFns ...func(*personalize.Options)) (*personalize.CreateDatasetGroupOutput, error)
	DescribeDatasetGroup(ctx context.Context, params *personalize.DescribeDatasetGroupInput, optFns ...func(*personalize.Options)) (*personalize.DescribeDatasetGroupOutput, error)
	CreateSchema(ctx context.Context, params *personalize.CreateSchemaInput, optFns ...func(*personalize.Options)) (*personalize.CreateSchemaOutput, error)
	CreateDataset(ctx context.Context, params *personalize.CreateDatasetInput, optFns ...func(*personalize.Options)) (*personalize.CreateDatasetOutput, error)
	CreateDatasetImportJob(ctx context.Context, params *personalize.CreateDatasetImportJobInput, optFns ...func(*personalize.Options)) (*personalize.CreateDatasetImportJobOutput, error)
	DescribeDatasetImportJob(ctx context.Context, params *personalize.DescribeDatasetImportJobInput, optFns ...func(*personalize.Options)) (*personalize.DescribeDatasetImportJobOutput, error)
	CreateSolution(ctx context.Context, params *personalize.CreateSolutionInput, optFns ...func(*personalize.Options)) (*personalize.CreateSolutionOutput, error)
	CreateSolutionVersion(ctx context.Context, params *personalize.CreateSolutionVersionInput, optFns ...func(*personalize.Options)) (*personalize.CreateSolutionVersionOutput, error)
	DescribeSolutionVersion(ctx context.Context, params *personalize.DescribeSolutionVersionInput, optFns ...func(*personalize.Options)) (*personalize.DescribeSolutionVersionOutput, error)
	GetSolutionMetrics(ctx context.Context, params *personalize.GetSolutionMetricsInput, optFns ...func(*personalize.Options)) (*personalize.GetSolutionMetricsOutput, error)
	CreateCampaign(ctx context.Context, params *personalize.CreateCampaignInput, optFns ...func(*personalize.Options)) (*personalize.CreateCampaignOutput, error)
	DescribeCampaign(ctx context.Context, params *personalize.DescribeCampaignInput, optFns ...func(*personalize.Options)) (*personalize.DescribeCampaignOutput, error)
	CreateFilter(ctx context.Context, params *personalize.CreateFilterInput, optFns ...func(*personalize.Options)) (*personalize.CreateFilterOutput, error)
	DescribeFilter(ctx context.Context, params *personalize.DescribeFilterInput, optFns ...func(*personalize.Options)) (*personalize.DescribeFilterOutput, error)
}

type runtimeAPI interface {
	GetRecommendations(ctx context.Context, params *personalizeruntime.GetRecommendationsInput, optFns ...func(*personalizeruntime.Options)) (*personalizeruntime.GetRecommendationsOutput, error)
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Package catalog is the boundary to the managed recommendation service.
package catalog

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
)

// Dataset types accepted by CreateDataset.
const (
	DatasetInteractions = "Interactions"
	DatasetItems        = "Items"
	DatasetUsers        = "Users"
)

type CreateDatasetInput struct {
	Name            string
	DatasetGroupARN string
	DatasetType     string
	SchemaARN       string
}

type CreateImportJobInput struct {
	Name       string
	DatasetARN string
	// DataLocation is the object storage URI of the CSV to import.
	DataLocation string
	RoleARN      string
}

type CreateSolutionInput struct {
	Name            string
	DatasetGroupARN string
	RecipeARN       string
	PerformHPO      bool
}

type CreateCampaignInput struct {
	Name               string
	SolutionVersionARN string
	MinProvisionedTPS  int32
}

type CreateFilterInput struct {
	Name            string
	DatasetGroupARN string
	Expression      string
}

type RecommendationsInput struct {
	CampaignARN string
	UserID      string
	ItemID      string
	FilterARN   string
	NumResults  int32
}

type Recommendation struct {
	ItemID string  `json:"item_id"`
	Score  float64 `json:"score"`
}

// Client covers the control-plane and data-plane calls the pipeline uses.
// Create calls return the ARN of the new resource; describe calls return the
// resource's status token.
type Client interface {
	CreateDatasetGroup(ctx context.Context, name string) (string, error)
	DescribeDatasetGroup(ctx context.Context, arn string) (string, error)
	CreateSchema(ctx context.Context, name, schema string) (string, error)
	CreateDataset(ctx context.Context, in CreateDatasetInput) (string, error)
	CreateDatasetImportJob(ctx context.Context, in CreateImportJobInput) (string, error)
	DescribeDatasetImportJob(ctx context.Context, arn string) (string, error)
	CreateSolution(ctx context.Context, in CreateSolutionInput) (string, error)
	CreateSolutionVersion(ctx context.Context, solutionARN string) (string, error)
	DescribeSolutionVersion(ctx context.Context, arn string) (string, error)
	GetSolutionMetrics(ctx context.Context, solutionVersionARN string) (map[string]float64, error)
	CreateCampaign(ctx context.Context, in CreateCampaignInput) (string, error)
	DescribeCampaign(ctx context.Context, arn string) (string, error)
	CreateFilter(ctx context.Context, in CreateFilterInput) (string, error)
	DescribeFilter(ctx context.Context, arn string) (string, error)
	GetRecommendations(ctx context.Context, in RecommendationsInput) ([]Recommendation, error)
}

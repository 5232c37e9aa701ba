package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/job"
	"github.com/google/uuid"
)

// Memory is an in-process Client for local development and tests. Each created
// resource reports CREATE PENDING, then CREATE IN_PROGRESS, and becomes ACTIVE
// after Steps describe calls. Names listed in Fail end in CREATE FAILED.
type Memory struct {
	Region  string
	Account string
	Steps   int
	Fail    map[string]bool

	mu        sync.Mutex
	resources map[string]*memResource
	names     map[string]string
	filters   map[string]string
	metrics   map[string]float64
	items     []string
}

type memResource struct {
	kind      string
	name      string
	describes int
	fail      bool
	parent    string
}

func NewMemory() *Memory {
	return &Memory{
		Region:    "us-east-1",
		Account:   "000000000000",
		Steps:     2,
		Fail:      map[string]bool{},
		resources: map[string]*memResource{},
		names:     map[string]string{},
		filters:   map[string]string{},
		metrics:   defaultMetrics(),
	}
}

// defaultMetrics are the offline metrics every memory solution version reports.
func defaultMetrics() map[string]float64 {
	m := make(map[string]float64, 4)
	m["coverage"] = 0.42
	m["mean_reciprocal_rank_at_25"] = 0.11
	m["normalized_discounted_cumulative_gain_at_10"] = 0.09
	m["precision_at_5"] = 0.07
	return m
}

// SetItems sets the catalog recommendations are drawn from.
func (m *Memory) SetItems(items []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append([]string(nil), items...)
}

// FilterExpression returns the expression a filter was created with.
func (m *Memory) FilterExpression(arn string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filters[arn]
}

// Names returns the names of every resource of the given type, sorted.
func (m *Memory) Names(kind string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.resources {
		if r.kind == kind {
			out = append(out, r.name)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Memory) arn(kind, name string) string {
	return fmt.Sprintf("arn:aws:personalize:%s:%s:%s/%s", m.Region, m.Account, kind, name)
}

func (m *Memory) create(kind, name, parent string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := kind + "/" + name
	if _, ok := m.names[key]; ok {
		return "", fmt.Errorf("create %s %s: %w", kind, name, ErrAlreadyExists)
	}
	if parent != "" {
		if _, ok := m.resources[parent]; !ok {
			return "", fmt.Errorf("create %s %s: parent %s: %w", kind, name, parent, ErrNotFound)
		}
	}
	arn := m.arn(kind, name)
	m.names[key] = arn
	m.resources[arn] = &memResource{kind: kind, name: name, fail: m.Fail[name], parent: parent}
	return arn, nil
}

func (m *Memory) describe(kind, arn string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[arn]
	if !ok || r.kind != kind {
		return "", fmt.Errorf("describe %s %s: %w", kind, arn, ErrNotFound)
	}
	r.describes++
	switch {
	case r.describes >= m.Steps && r.fail:
		return job.TokenCreateFailed, nil
	case r.describes >= m.Steps:
		return job.TokenActive, nil
	case r.describes == 1:
		return job.TokenCreatePending, nil
	default:
		return job.TokenCreateInProgress, nil
	}
}

func (m *Memory) active(arn string) bool {
	r, ok := m.resources[arn]
	return ok && !r.fail && r.describes >= m.Steps
}

func (m *Memory) CreateDatasetGroup(_ context.Context, name string) (string, error) {
	return m.create("dataset-group", name, "")
}

func (m *Memory) DescribeDatasetGroup(_ context.Context, arn string) (string, error) {
	return m.describe("dataset-group", arn)
}

func (m *Memory) CreateSchema(_ context.Context, name, schema string) (string, error) {
	if !strings.Contains(schema, `"type"`) {
		return "", fmt.Errorf("create schema %s: invalid avro schema", name)
	}
	arn, err := m.create("schema", name, "")
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.resources[arn].describes = m.Steps
	m.mu.Unlock()
	return arn, nil
}

func (m *Memory) CreateDataset(_ context.Context, in CreateDatasetInput) (string, error) {
	switch in.DatasetType {
	case DatasetInteractions, DatasetItems, DatasetUsers:
	default:
		return "", fmt.Errorf("create dataset %s: unknown dataset type %q", in.Name, in.DatasetType)
	}
	m.mu.Lock()
	_, ok := m.resources[in.SchemaARN]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("create dataset %s: schema %s: %w", in.Name, in.SchemaARN, ErrNotFound)
	}
	return m.create("dataset", in.Name, in.DatasetGroupARN)
}

func (m *Memory) CreateDatasetImportJob(_ context.Context, in CreateImportJobInput) (string, error) {
	if !strings.HasPrefix(in.DataLocation, "s3://") {
		return "", fmt.Errorf("create dataset import job %s: data location must be an s3 uri", in.Name)
	}
	return m.create("dataset-import-job", in.Name, in.DatasetARN)
}

func (m *Memory) DescribeDatasetImportJob(_ context.Context, arn string) (string, error) {
	return m.describe("dataset-import-job", arn)
}

func (m *Memory) CreateSolution(_ context.Context, in CreateSolutionInput) (string, error) {
	arn, err := m.create("solution", in.Name, in.DatasetGroupARN)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.resources[arn].describes = m.Steps
	m.mu.Unlock()
	return arn, nil
}

func (m *Memory) CreateSolutionVersion(_ context.Context, solutionARN string) (string, error) {
	m.mu.Lock()
	sol, ok := m.resources[solutionARN]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("create solution version %s: %w", solutionARN, ErrNotFound)
	}
	arn, err := m.create("solution-version", sol.name+"/"+uuid.NewString()[:8], solutionARN)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.resources[arn].fail = m.Fail[sol.name]
	m.mu.Unlock()
	return arn, nil
}

func (m *Memory) DescribeSolutionVersion(_ context.Context, arn string) (string, error) {
	return m.describe("solution-version", arn)
}

func (m *Memory) GetSolutionMetrics(_ context.Context, solutionVersionARN string) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active(solutionVersionARN) {
		return nil, fmt.Errorf("get solution metrics %s: %w", solutionVersionARN, ErrNotFound)
	}
	out := make(map[string]float64, len(m.metrics))
	for k, v := range m.metrics {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) CreateCampaign(_ context.Context, in CreateCampaignInput) (string, error) {
	m.mu.Lock()
	ready := m.active(in.SolutionVersionARN)
	m.mu.Unlock()
	if !ready {
		return "", fmt.Errorf("create campaign %s: solution version %s is not active", in.Name, in.SolutionVersionARN)
	}
	return m.create("campaign", in.Name, in.SolutionVersionARN)
}

func (m *Memory) DescribeCampaign(_ context.Context, arn string) (string, error) {
	return m.describe("campaign", arn)
}

func (m *Memory) CreateFilter(_ context.Context, in CreateFilterInput) (string, error) {
	if !strings.HasPrefix(in.Expression, "INCLUDE ") && !strings.HasPrefix(in.Expression, "EXCLUDE ") {
		return "", fmt.Errorf("create filter %s: invalid expression %q", in.Name, in.Expression)
	}
	arn, err := m.create("filter", in.Name, in.DatasetGroupARN)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.filters[arn] = in.Expression
	m.mu.Unlock()
	return arn, nil
}

func (m *Memory) DescribeFilter(_ context.Context, arn string) (string, error) {
	return m.describe("filter", arn)
}

func (m *Memory) GetRecommendations(_ context.Context, in RecommendationsInput) ([]Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active(in.CampaignARN) {
		return nil, fmt.Errorf("get recommendations %s: %w", in.CampaignARN, ErrNotFound)
	}
	if in.FilterARN != "" && !m.active(in.FilterARN) {
		return nil, fmt.Errorf("get recommendations: filter %s: %w", in.FilterARN, ErrNotFound)
	}
	n := int(in.NumResults)
	if n <= 0 || n > len(m.items) {
		n = len(m.items)
	}
	recs := make([]Recommendation, 0, n)
	for i, item := range m.items {
		if len(recs) == n {
			break
		}
		if item == in.ItemID {
			continue
		}
		recs = append(recs, Recommendation{ItemID: item, Score: 1 / float64(i+1)})
	}
	return recs, nil
}

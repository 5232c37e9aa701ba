package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/catalog"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/observability"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/pipeline"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/results"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// activate describes a memory resource until it reports ACTIVE.
func activate(t *testing.T, describe func(context.Context, string) (string, error), arn string) {
	t.Helper()
	for i := 0; i < 10; i++ {
		status, err := describe(context.Background(), arn)
		if err != nil {
			t.Fatalf("describe %s: %v", arn, err)
		}
		if status == "ACTIVE" {
			return
		}
	}
	t.Fatalf("%s never became active", arn)
}

func newTestServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()
	m := catalog.NewMemory()
	m.SetItems([]string{"1", "2", "3", "4"})

	group, err := m.CreateDatasetGroup(ctx, "g")
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	solution, err := m.CreateSolution(ctx, catalog.CreateSolutionInput{Name: "sims", DatasetGroupARN: group})
	if err != nil {
		t.Fatalf("solution: %v", err)
	}
	version, err := m.CreateSolutionVersion(ctx, solution)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	activate(t, m.DescribeSolutionVersion, version)
	campaign, err := m.CreateCampaign(ctx, catalog.CreateCampaignInput{Name: "sims-campaign", SolutionVersionARN: version})
	if err != nil {
		t.Fatalf("campaign: %v", err)
	}
	activate(t, m.DescribeCampaign, campaign)
	filter, err := m.CreateFilter(ctx, catalog.CreateFilterInput{Name: "unwatched", DatasetGroupARN: group, Expression: `EXCLUDE ItemID WHERE Interactions.EVENT_TYPE IN ("watch")`})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	activate(t, m.DescribeFilter, filter)

	store := results.NewFileStore(t.TempDir())
	store.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := store.Save(ctx, pipeline.StageCampaigns, map[string]any{pipeline.CampaignKey("sims"): campaign}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, pipeline.StageFilters, map[string]any{pipeline.FilterKey(pipeline.UnwatchedFilter): filter}); err != nil {
		t.Fatalf("save: %v", err)
	}
	return &server{catalog: catalog.NewBreakerClient(m, 5, time.Minute), store: store, logger: store.Logger}
}

func get(s *server, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestRecommendationsForItem(t *testing.T) {
	s := newTestServer(t)
	before := testutil.ToFloat64(observability.Recommendations.WithLabelValues("ok"))

	rec := get(s, "/recommendations?item_id=1&num=2&filter=unwatched")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp recommendationsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Recipe != "sims" || resp.FilterARN == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(resp.Items) != 2 || resp.Items[0].ItemID != "2" {
		t.Fatalf("expected items 2 and 3 with the seed item excluded, got %+v", resp.Items)
	}
	if got := testutil.ToFloat64(observability.Recommendations.WithLabelValues("ok")); got != before+1 {
		t.Fatalf("ok counter = %v, want %v", got, before+1)
	}
}

func TestRecommendationsErrors(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		target string
		code   int
	}{
		{"/recommendations", http.StatusBadRequest},
		{"/recommendations?user_id=1&num=0", http.StatusBadRequest},
		{"/recommendations?user_id=1", http.StatusNotFound},
		{"/recommendations?item_id=1&filter=nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := get(s, tt.target); rec.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.target, tt.code, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/recommendations?item_id=1", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	if rec := get(newTestServer(t), "/health"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

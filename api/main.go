package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/catalog"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/config"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/observability"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/pipeline"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/results"
	"github.com/goccy/go-json"
)

const (
	defaultNumResults = 25
	maxNumResults     = 500
)

type server struct {
	catalog catalog.Client
	store   results.Store
	logger  *slog.Logger
}

func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return
	}

	ctx := context.Background()
	deps, err := pipeline.NewDeps(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to set up clients", "error", err)
		return
	}
	store, closeStore, err := pipeline.OpenStore(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to open results", "error", err)
		return
	}
	defer closeStore()

	observability.StartMetricsServer(":8081")

	addr := os.Getenv("API_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	s := &server{catalog: catalog.NewBreakerClient(deps.Catalog, 5, 30*time.Second), store: store, logger: logger}
	slog.Info("API server starting", "addr", addr)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		slog.Error("api server failed", "error", err)
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/recommendations", s.handleRecommendations)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type recommendationsResponse struct {
	Recipe      string                   `json:"recipe"`
	CampaignARN string                   `json:"campaign_arn"`
	FilterARN   string                   `json:"filter_arn,omitempty"`
	Items       []catalog.Recommendation `json:"items"`
}

// handleRecommendations serves GET /recommendations?user_id=&item_id=&recipe=&filter=&num=.
// The recipe defaults to user_personalization, or sims when only an item is given.
func (s *server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	userID, itemID := q.Get("user_id"), q.Get("item_id")
	if userID == "" && itemID == "" {
		s.fail(w, http.StatusBadRequest, "bad_request", "user_id or item_id is required")
		return
	}
	recipe := q.Get("recipe")
	if recipe == "" {
		recipe = "user_personalization"
		if userID == "" {
			recipe = "sims"
		}
	}
	num := defaultNumResults
	if v := q.Get("num"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxNumResults {
			s.fail(w, http.StatusBadRequest, "bad_request", "num must be between 1 and 500")
			return
		}
		num = n
	}

	b, err := s.store.Load(r.Context())
	if err != nil {
		s.logger.Error("failed to load results", "error", err)
		s.fail(w, http.StatusInternalServerError, "error", "Internal server error")
		return
	}
	resp := recommendationsResponse{Recipe: recipe}
	if resp.CampaignARN, err = b.String(pipeline.CampaignKey(recipe)); err != nil {
		s.fail(w, http.StatusNotFound, "not_found", "no campaign deployed for recipe "+recipe)
		return
	}
	if name := q.Get("filter"); name != "" {
		if resp.FilterARN, err = b.String(pipeline.FilterKey(name)); err != nil {
			s.fail(w, http.StatusNotFound, "not_found", "unknown filter "+name)
			return
		}
	}

	resp.Items, err = s.catalog.GetRecommendations(r.Context(), catalog.RecommendationsInput{
		CampaignARN: resp.CampaignARN,
		UserID:      userID,
		ItemID:      itemID,
		FilterARN:   resp.FilterARN,
		NumResults:  int32(num),
	})
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		s.fail(w, http.StatusNotFound, "not_found", err.Error())
		return
	case errors.Is(err, catalog.ErrUnavailable):
		s.fail(w, http.StatusServiceUnavailable, "unavailable", "recommendation service unavailable")
		return
	case err != nil:
		s.logger.Error("failed to get recommendations", "error", err, "recipe", recipe)
		s.fail(w, http.StatusBadGateway, "error", "recommendation service unavailable")
		return
	}

	observability.Recommendations.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *server) fail(w http.ResponseWriter, code int, status, msg string) {
	observability.Recommendations.WithLabelValues(status).Inc()
	http.Error(w, msg, code)
}

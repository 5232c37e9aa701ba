package observability

import (
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StatusPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "personalize_status_polls_total",
		Help: "The total number of remote status checks",
	}, []string{"kind", "result"}) // result: terminal, pending, transient, error

	UnknownStatusTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "personalize_unknown_status_tokens_total",
		Help: "Status tokens that did not match the known set for their kind",
	}, []string{"kind"})

	JobsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "personalize_jobs_terminal_total",
		Help: "The total number of remote jobs that finished waiting",
	}, []string{"kind", "outcome"})

	WaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "personalize_wait_duration_seconds",
		Help:    "Wall-clock time spent waiting for a remote job.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"kind"})

	StageRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_runs_total",
		Help: "Pipeline stage executions by final status",
	}, []string{"stage", "status"}) // status: completed, failed

	Recommendations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recommendations_served_total",
		Help: "Recommendation requests served by the api",
	}, []string{"status"})
)

// NewLogger creates a new structured logger.
func NewLogger() *slog.Logger {
	return NewLoggerTo(os.Stdout)
}

// NewLoggerTo writes JSON logs to w. LOG_LEVEL=debug enables debug records.
func NewLoggerTo(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}

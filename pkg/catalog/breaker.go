package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("recommendation endpoint unavailable")

// BreakerClient fails recommendation calls fast after repeated endpoint
// errors. Control-plane calls pass through untouched.
type BreakerClient struct {
	Client
	cb *gobreaker.CircuitBreaker[[]Recommendation]
}

// NewBreakerClient opens after failures consecutive errors and probes again
// after cooldown. Not-found answers count as successes.
func NewBreakerClient(c Client, failures uint32, cooldown time.Duration) *BreakerClient {
	settings := gobreaker.Settings{
		Name:    "get-recommendations",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerClient{Client: c, cb: gobreaker.NewCircuitBreaker[[]Recommendation](settings)}
}

func (b *BreakerClient) GetRecommendations(ctx context.Context, in RecommendationsInput) ([]Recommendation, error) {
	recs, err := b.cb.Execute(func() ([]Recommendation, error) {
		return b.Client.GetRecommendations(ctx, in)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Join(ErrUnavailable, err)
	}
	return recs, err
}

// Package poller waits for asynchronous remote jobs to reach a terminal state.
//
// A single poll loop serves every job kind: the caller supplies a status
// function returning the service's status token and the poller classifies it
// through job.Classify (or a caller-supplied classifier). Failure tokens are
// terminal and never retried. A timeout is reported as an outcome, not an
// error, since the remote job may still be progressing.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/job"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/observability"
	"golang.org/x/time/rate"
)

// StatusFunc performs one remote status check and returns the status token.
type StatusFunc func(ctx context.Context) (string, error)

// Classifier maps a status token to a job state. known=false marks a token
// outside the closed set for the kind.
type Classifier func(kind job.Kind, token string) (state job.State, known bool)

type Options struct {
	// Interval is the minimum spacing between two polls of the same job.
	Interval time.Duration
	// Timeout bounds the whole wait. Zero waits until the context is done.
	Timeout time.Duration
	// RateLimit caps status calls per second across every job in a WaitAll. Zero disables it.
	RateLimit float64
	// Kind labels the job passed to Wait; WaitAll uses each target's handle.
	Kind        job.Kind
	Classify    Classifier
	IsTransient func(error) bool
	Logger      *slog.Logger
}

type Target struct {
	Handle job.Handle
	Status StatusFunc
}

// Result is the outcome of waiting on one job.
type Result struct {
	Handle       job.Handle
	Outcome      job.Outcome
	Token        string
	Calls        int
	Tick         int
	Elapsed      time.Duration
	LastPolledAt time.Time
	Err          error
}

// Succeeded reports whether the job reached a success token.
func (r Result) Succeeded() bool {
	return r.Outcome == job.OutcomeSuccess
}

// Tokens builds a classifier from explicit success and failure token sets.
// Every other token is pending and known.
func Tokens(success, failure []string) Classifier {
	states := make(map[string]job.State, len(success)+len(failure))
	for _, t := range success {
		states[t] = job.StateActive
	}
	for _, t := range failure {
		states[t] = job.StateFailed
	}
	return func(_ job.Kind, token string) (job.State, bool) {
		if s, ok := states[token]; ok {
			return s, true
		}
		return job.StatePending, true
	}
}

// Wait polls status until it returns a terminal token or the timeout elapses.
// A non-transient error from status aborts the wait and is returned.
func Wait(ctx context.Context, status StatusFunc, opts Options) (Result, error) {
	results, err := WaitAll(ctx, []Target{{Handle: job.Handle{Kind: opts.Kind}, Status: status}}, opts)
	if err != nil {
		return Result{}, err
	}
	r := results[0]
	if r.Outcome == job.OutcomeErrored {
		return r, r.Err
	}
	return r, nil
}

// WaitAll polls every target once per tick, dropping each from the pending set
// as soon as it is terminal, and returns once none remain pending. Results are
// in target order. A non-transient error ends polling for that target only.
// The returned error is non-nil only when ctx is done.
func WaitAll(ctx context.Context, targets []Target, opts Options) ([]Result, error) {
	opts = opts.withDefaults()
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	start := time.Now()
	results := make([]Result, len(targets))
	pending := make([]int, 0, len(targets))
	for i, t := range targets {
		results[i].Handle = t.Handle
		pending = append(pending, i)
	}

	for tick := 1; len(pending) > 0; tick++ {
		var wg sync.WaitGroup
		for _, i := range pending {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				check(ctx, limiter, opts, targets[i], &results[i], tick)
			}(i)
		}
		wg.Wait()
		if err := ctx.Err(); err != nil {
			return results, err
		}

		still := pending[:0]
		for _, i := range pending {
			r := &results[i]
			if r.Outcome == "" {
				still = append(still, i)
				continue
			}
			r.Elapsed = time.Since(start)
			record(opts.Logger, r)
		}
		pending = still
		if len(pending) == 0 {
			break
		}

		elapsed := time.Since(start)
		if opts.Timeout > 0 && elapsed >= opts.Timeout {
			for _, i := range pending {
				r := &results[i]
				r.Outcome = job.OutcomeTimedOut
				r.Tick = tick
				r.Elapsed = elapsed
				record(opts.Logger, r)
			}
			return results, nil
		}

		wait := opts.Interval
		if opts.Timeout > 0 && opts.Timeout-elapsed < wait {
			wait = opts.Timeout - elapsed
		}
		if err := sleep(ctx, wait); err != nil {
			return results, err
		}
	}
	return results, nil
}

func check(ctx context.Context, limiter *rate.Limiter, opts Options, t Target, r *Result, tick int) {
	kind := string(t.Handle.Kind)
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	r.Calls++
	r.LastPolledAt = time.Now().UTC()
	token, err := t.Status(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if opts.IsTransient(err) {
			observability.StatusPolls.WithLabelValues(kind, "transient").Inc()
			opts.Logger.Warn("transient status error, will retry", "kind", kind, "id", t.Handle.ID, "error", err)
			return
		}
		observability.StatusPolls.WithLabelValues(kind, "error").Inc()
		r.Outcome = job.OutcomeErrored
		r.Err = err
		r.Tick = tick
		return
	}

	r.Token = token
	state, known := opts.Classify(t.Handle.Kind, token)
	if !known {
		observability.UnknownStatusTokens.WithLabelValues(kind).Inc()
		opts.Logger.Warn("unknown status token, treating as pending", "kind", kind, "id", t.Handle.ID, "token", token)
	}
	switch state {
	case job.StateActive:
		r.Outcome = job.OutcomeSuccess
	case job.StateFailed:
		r.Outcome = job.OutcomeFailure
	default:
		observability.StatusPolls.WithLabelValues(kind, "pending").Inc()
		opts.Logger.Debug("job not terminal yet", "kind", kind, "id", t.Handle.ID, "token", token)
		return
	}
	observability.StatusPolls.WithLabelValues(kind, "terminal").Inc()
	r.Tick = tick
}

func record(l *slog.Logger, r *Result) {
	kind := string(r.Handle.Kind)
	observability.JobsTerminal.WithLabelValues(kind, string(r.Outcome)).Inc()
	observability.WaitDuration.WithLabelValues(kind).Observe(r.Elapsed.Seconds())

	attrs := []any{"kind", kind, "id", r.Handle.ID, "outcome", r.Outcome, "token", r.Token, "calls", r.Calls, "elapsed", r.Elapsed}
	switch r.Outcome {
	case job.OutcomeSuccess:
		l.Info("job reached success", attrs...)
	case job.OutcomeTimedOut:
		l.Warn("gave up waiting for job", attrs...)
	case job.OutcomeErrored:
		l.Error("status check failed", append(attrs, "error", r.Err)...)
	default:
		l.Error("job failed", attrs...)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o Options) withDefaults() Options {
	if o.Classify == nil {
		o.Classify = job.Classify
	}
	if o.IsTransient == nil {
		o.IsTransient = Temporary
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Temporary reports whether err, or any error it wraps, marks itself temporary.
func Temporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

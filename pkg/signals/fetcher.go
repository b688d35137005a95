package signals

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the per-call budget for a signal fetch.
	DefaultTimeout = 10 * time.Second
	// DefaultConcurrency bounds the fan-out; tunable via config.
	DefaultConcurrency = 6
	maxAttempts        = 3
)

// FetchResult is the outcome of one request: either a signal or the error
// that exhausted its retries.
type FetchResult struct {
	Request   Request
	Signal    RawSignal
	Err       error
	Permanent bool
	Attempts  int
}

// Fetcher runs requests through a source with bounded concurrency,
// per-call timeouts, and jittered-backoff retries local to the I/O.
type Fetcher struct {
	source      SignalSource
	timeout     time.Duration
	concurrency int
	limiter     *rate.Limiter
	logger      *slog.Logger
	sleep       func(context.Context, time.Duration) error
}

// Option configures a Fetcher.
type Option func(*Fetcher)

func WithTimeout(d time.Duration) Option    { return func(f *Fetcher) { f.timeout = d } }
func WithConcurrency(n int) Option          { return func(f *Fetcher) { f.concurrency = n } }
func WithLimiter(l *rate.Limiter) Option    { return func(f *Fetcher) { f.limiter = l } }
func WithLogger(logger *slog.Logger) Option { return func(f *Fetcher) { f.logger = logger } }
func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = fn }
}

func NewFetcher(source SignalSource, opts ...Option) *Fetcher {
	f := &Fetcher{
		source:      source,
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.concurrency < 1 {
		f.concurrency = 1
	} else if f.concurrency > 16 {
		f.concurrency = 16
	}
	return f
}

// FetchAll runs every request concurrently and returns a result per request,
// in request order. It never fails as a whole: per-request errors ride in
// the results so the caller can turn them into missing-evidence records.
// Cancellation is honored at the call boundary — a cancelled context stops
// retries; each affected result keeps the error of its last attempt (the
// context error only when the cancellation cut a rate-limiter wait short).
func (f *Fetcher) FetchAll(ctx context.Context, reqs []Request) []FetchResult {
	results := make([]FetchResult, len(reqs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for i, req := range reqs {
		g.Go(func() error {
			res := f.fetchOne(gctx, req)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (f *Fetcher) fetchOne(ctx context.Context, req Request) FetchResult {
	res := FetchResult{Request: req}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt

		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				res.Err = err
				return res
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, f.timeout)
		sig, err := f.source.Fetch(callCtx, req)
		cancel()

		if err == nil {
			if sig.FetchedAt.IsZero() {
				sig.FetchedAt = time.Now().UTC()
			}
			res.Signal = sig
			res.Err = nil
			return res
		}
		res.Err = err

		if errors.Is(err, ErrPermanent) {
			res.Permanent = true
			return res
		}
		if ctx.Err() != nil {
			return res
		}
		if attempt < maxAttempts {
			backoff := jitteredBackoff(attempt)
			f.logger.Warn("signal fetch failed, retrying",
				"source", req.Source, "airport", req.Airport,
				"attempt", attempt, "backoff", backoff, "error", err)
			if err := f.sleep(ctx, backoff); err != nil {
				return res
			}
		}
	}
	return res
}

func jitteredBackoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * 250 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base / 2)))
	return base + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"barvault/internal/domain"
	"barvault/internal/util"
)

// Policy controls the retry middleware.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// OnRetry, when set, is called before every backoff sleep.
	OnRetry func(op string, kind domain.ErrorKind)
}

// retrying wraps a Client with rate limiting and backoff.
type retrying struct {
	next    Client
	policy  Policy
	limiter *util.RateLimiter
	log     *slog.Logger
}

// WithRetry returns a Client that waits on limiter before every provider call
// and retries rate-limited and transient failures with exponential backoff.
// Capacity and all other errors are returned immediately. A nil limiter
// disables rate limiting.
func WithRetry(next Client, p Policy, limiter *util.RateLimiter, log *slog.Logger) Client {
	if log == nil {
		log = slog.Default()
	}
	return &retrying{
		next:    next,
		policy:  p,
		limiter: limiter,
		log:     log.With("component", "provider"),
	}
}

func (r *retrying) FetchGroupedDaily(ctx context.Context, date time.Time, symbols []string) ([]domain.Bar, error) {
	var bars []domain.Bar
	err := r.do(ctx, "grouped_daily", func(ctx context.Context) error {
		var err error
		bars, err = r.next.FetchGroupedDaily(ctx, date, symbols)
		return err
	})
	return bars, err
}

func (r *retrying) FetchAggregates(ctx context.Context, symbol string, res domain.Resolution, from, to time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	err := r.do(ctx, "aggregates", func(ctx context.Context) error {
		var err error
		bars, err = r.next.FetchAggregates(ctx, symbol, res, from, to)
		return err
	})
	return bars, err
}

func (r *retrying) ListAssets(ctx context.Context, cursor string) (AssetPage, error) {
	var page AssetPage
	err := r.do(ctx, "list_assets", func(ctx context.Context) error {
		var err error
		page, err = r.next.ListAssets(ctx, cursor)
		return err
	})
	return page, err
}

func (r *retrying) do(ctx context.Context, op string, fn func(context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	if r.policy.BaseDelay > 0 {
		eb.InitialInterval = r.policy.BaseDelay
	}
	if r.policy.MaxDelay > 0 {
		eb.MaxInterval = r.policy.MaxDelay
	}
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	b = backoff.WithMaxRetries(b, uint64(max(r.policy.MaxRetries, 0)))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() error {
		attempt++
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		kind := Kind(err)
		r.log.Debug("retrying provider call", "op", op, "attempt", attempt, "kind", kind, "wait", wait, "error", err)
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(op, kind)
		}
	}
	return backoff.RetryNotify(operation, b, notify)
}

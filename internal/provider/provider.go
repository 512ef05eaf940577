// Package provider abstracts the external market-data provider. The core
// pipeline depends only on the interfaces here; retry and rate limiting are
// layered on as middleware so callers only ever see terminal outcomes.
package provider

import (
	"context"
	"errors"
	"net"
	"time"

	"barvault/internal/domain"
)

// Sentinel conditions surfaced by every provider implementation.
var (
	// ErrRateLimited is a retryable provider throttling response.
	ErrRateLimited = errors.New("provider: rate limited")
	// ErrCapacityExceeded means the result set hit the per-request ceiling
	// and may be truncated. It drives chunk shrinking, never retries.
	ErrCapacityExceeded = errors.New("provider: result count exceeded")
	// ErrTransient covers retryable network and 5xx failures.
	ErrTransient = errors.New("provider: transient failure")
)

// BarFetcher retrieves bars.
type BarFetcher interface {
	// FetchGroupedDaily returns the daily bars of every given symbol for one
	// trading day. Symbols are requested in the given order.
	FetchGroupedDaily(ctx context.Context, date time.Time, symbols []string) ([]domain.Bar, error)

	// FetchAggregates returns the bars of one symbol over [from, to].
	FetchAggregates(ctx context.Context, symbol string, res domain.Resolution, from, to time.Time) ([]domain.Bar, error)
}

// Asset is one row of the provider's reference listing.
type Asset struct {
	Symbol   string
	Exchange string
	Class    string
	Status   string
	Tradable bool
}

// AssetPage is one page of the reference listing. An empty NextCursor marks
// the last page.
type AssetPage struct {
	Assets     []Asset
	NextCursor string
}

// AssetLister walks the provider's cursor-paginated reference endpoint.
type AssetLister interface {
	// ListAssets returns the page at cursor; "" is the first page.
	ListAssets(ctx context.Context, cursor string) (AssetPage, error)
}

// Client is the full provider surface used by the pipeline.
type Client interface {
	BarFetcher
	AssetLister
}

// IsRetryable reports whether err is worth retrying against the provider.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Kind classifies err for error records and metrics.
func Kind(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, ErrRateLimited):
		return domain.ErrorRateLimited
	case errors.Is(err, ErrCapacityExceeded):
		return domain.ErrorCapacity
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrorTimeout
	case IsRetryable(err):
		return domain.ErrorTransient
	default:
		return domain.ErrorOther
	}
}

package us

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"barvault/internal/cache"
	"barvault/internal/provider"
)

// ErrDiscovery wraps every failure to build the symbol universe.
var ErrDiscovery = errors.New("universe discovery failed")

// commonStockSymbol matches plain tickers plus one share-class suffix
// (BRK.B). Warrants, units, rights and preferreds fail it.
var commonStockSymbol = regexp.MustCompile(`^[A-Z]{1,5}(\.[A-Z])?$`)

// DefaultExchanges are the listing venues whose assets are eligible.
var DefaultExchanges = []string{"NYSE", "NASDAQ", "AMEX", "ARCA", "BATS"}

// Discovery builds the list of tradable US common-stock symbols from the
// provider's reference listing, with a freshness-windowed cache in front.
type Discovery struct {
	Lister    provider.AssetLister
	Cache     cache.UniverseCache // may be nil
	TTL       time.Duration
	Exchanges []string
	Reference *ReferenceData // may be nil; used to exclude ETFs
	Log       *slog.Logger

	now func() time.Time
}

// FetchUniverse returns the sorted, deduplicated symbol universe. A cached
// universe younger than TTL is returned unless forceRefresh is set. On any
// page failure nothing is returned and nothing is cached.
func (d *Discovery) FetchUniverse(ctx context.Context, forceRefresh bool) ([]string, error) {
	log := d.logger()

	if d.Cache != nil && !forceRefresh {
		symbols, fetchedAt, ok, err := d.Cache.Get(ctx)
		switch {
		case err != nil:
			log.Warn("reading universe cache", "error", err)
		case ok && d.clock().Sub(fetchedAt) < d.TTL && len(symbols) > 0:
			log.Info("using cached universe", "symbols", len(symbols), "fetched_at", fetchedAt)
			return symbols, nil
		}
	}

	symbols, err := d.walk(ctx, log)
	if err != nil {
		return nil, err
	}

	if d.Cache != nil {
		if err := d.Cache.Put(ctx, symbols); err != nil {
			log.Warn("writing universe cache", "error", err)
		}
	}
	log.Info("universe discovered", "symbols", len(symbols))
	return symbols, nil
}

// walk pages through the reference listing until the cursor runs out.
func (d *Discovery) walk(ctx context.Context, log *slog.Logger) ([]string, error) {
	exchanges := make(map[string]bool)
	for _, ex := range d.exchanges() {
		exchanges[strings.ToUpper(ex)] = true
	}

	var (
		eligible []string
		seen     = make(map[string]bool)
		cursor   string
		pages    int
		dropped  int
	)
	for {
		page, err := d.Lister.ListAssets(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: listing page %d (cursor %q): %w", ErrDiscovery, pages+1, cursor, err)
		}
		pages++
		seen[cursor] = true

		for _, a := range page.Assets {
			if d.eligible(a, exchanges) {
				eligible = append(eligible, a.Symbol)
			} else {
				dropped++
			}
		}
		log.Debug("asset page", "page", pages, "cursor", cursor, "assets", len(page.Assets))

		if page.NextCursor == "" {
			break
		}
		if seen[page.NextCursor] {
			return nil, fmt.Errorf("%w: cursor %q repeated", ErrDiscovery, page.NextCursor)
		}
		cursor = page.NextCursor
	}

	log.Debug("asset listing done", "pages", pages, "eligible", len(eligible), "dropped", dropped)
	return cache.SortDedup(eligible), nil
}

func (d *Discovery) eligible(a provider.Asset, exchanges map[string]bool) bool {
	switch {
	case a.Class != "us_equity":
		return false
	case a.Status != "active":
		return false
	case !a.Tradable:
		return false
	case !exchanges[strings.ToUpper(a.Exchange)]:
		return false
	case !commonStockSymbol.MatchString(a.Symbol):
		return false
	}
	return !d.Reference.IsETF(a.Symbol)
}

func (d *Discovery) exchanges() []string {
	if len(d.Exchanges) == 0 {
		return DefaultExchanges
	}
	return d.Exchanges
}

func (d *Discovery) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

func (d *Discovery) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default().With("component", "discovery")
	}
	return d.Log
}

// Package oracle resolves the current USD price for a token from the
// prioritized quote venues.
package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/solhedge/exitpilot/internal/domain"
)

// Query identifies the token to price and how to route the lookup.
type Query struct {
	Symbol   string
	Chain    string
	Class    domain.VenueClass
	Contract string
}

// Config holds oracle tuning parameters.
type Config struct {
	// CacheMaxAge is how old a cached price may be before venues are queried.
	CacheMaxAge time.Duration
	// VenueRateLimit caps calls per venue within VenueRateWindow.
	VenueRateLimit  int
	VenueRateWindow time.Duration
}

// Oracle answers price queries from the cache and the two quote venues.
// Classification picks the venue order: alpha tokens prefer the aggregated
// symbol venue with a pool fallback; pool tokens use the pool venue only,
// since unrelated assets can share a ticker on the aggregated venue;
// unclassified tokens try both.
type Oracle struct {
	symbols domain.SymbolQuoter
	pools   domain.PoolQuoter
	cache   domain.PriceCache
	limiter domain.RateLimiter
	cfg     Config
	logger  *slog.Logger
}

// NewOracle creates an Oracle with all required dependencies.
func NewOracle(
	symbols domain.SymbolQuoter,
	pools domain.PoolQuoter,
	cache domain.PriceCache,
	limiter domain.RateLimiter,
	cfg Config,
	logger *slog.Logger,
) *Oracle {
	return &Oracle{
		symbols: symbols,
		pools:   pools,
		cache:   cache,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "price_oracle")),
	}
}

// cacheKey returns the price cache key for a query: chain-scoped contract
// when one is known, otherwise the bare symbol.
func cacheKey(q Query) string {
	if q.Contract != "" {
		return q.Chain + ":" + q.Contract
	}
	return q.Symbol
}

// GetPrice resolves a USD price for the query. It reports ok=false when no
// venue can answer; it never returns an error, since an unpriceable tick is
// skipped rather than failed.
func (o *Oracle) GetPrice(ctx context.Context, q Query) (float64, bool) {
	key := cacheKey(q)

	if price, ts, err := o.cache.GetPrice(ctx, key); err == nil {
		if price > 0 && time.Since(ts) <= o.cfg.CacheMaxAge {
			return price, true
		}
	}

	for _, venue := range o.venueOrder(q.Class) {
		price, err := o.quote(ctx, venue, q)
		if err != nil {
			o.logger.DebugContext(ctx, "venue quote failed",
				slog.String("venue", venue),
				slog.String("symbol", q.Symbol),
				slog.String("chain", q.Chain),
				slog.String("error", err.Error()),
			)
			continue
		}
		if price <= 0 {
			continue
		}

		if err := o.cache.SetPrice(ctx, key, price, time.Now()); err != nil {
			o.logger.WarnContext(ctx, "price cache write failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return price, true
	}

	o.logger.DebugContext(ctx, "price unavailable",
		slog.String("symbol", q.Symbol),
		slog.String("chain", q.Chain),
		slog.String("class", string(q.Class)),
	)
	return 0, false
}

const (
	venueAggregated = "aggregated"
	venuePool       = "pool"
)

// venueOrder returns the venues to try, in priority order for the class.
// Pool-classified tokens must never reach the aggregated venue.
func (o *Oracle) venueOrder(class domain.VenueClass) []string {
	switch class {
	case domain.VenueAlpha:
		return []string{venueAggregated, venuePool}
	case domain.VenuePool:
		return []string{venuePool}
	default:
		return []string{venueAggregated, venuePool}
	}
}

// quote asks a single venue, honoring the per-venue rate limit. A limiter
// backend error fails open so a cache outage cannot blind the oracle.
func (o *Oracle) quote(ctx context.Context, venue string, q Query) (float64, error) {
	limitKey := "oracle:" + venue
	if venue == venuePool {
		limitKey += ":" + q.Chain
	}

	allowed, err := o.limiter.Allow(ctx, limitKey, o.cfg.VenueRateLimit, o.cfg.VenueRateWindow)
	if err != nil {
		o.logger.WarnContext(ctx, "rate limiter unavailable, allowing venue call",
			slog.String("venue", venue),
			slog.String("error", err.Error()),
		)
	} else if !allowed {
		return 0, domain.ErrRateLimited
	}

	if venue == venueAggregated {
		return o.symbols.QuoteSymbol(ctx, q.Symbol)
	}
	return o.pools.QuotePool(ctx, q.Chain, q.Symbol, q.Contract)
}

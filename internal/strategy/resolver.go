package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// Gate is the data-quality check applied to a resolved market context.
type Gate struct {
	MaxAge   time.Duration
	MinPrice float64
	MaxPrice float64
}

// Check rejects contexts that are undated, older than MaxAge, or carry a spot
// or wall outside the sane price range.
func (g Gate) Check(mc domain.MarketContext, now time.Time) error {
	if mc.Timestamp.IsZero() {
		return fmt.Errorf("context has no timestamp: %w", domain.ErrStaleData)
	}
	if age := mc.Age(now); g.MaxAge > 0 && age > g.MaxAge {
		return fmt.Errorf("context is %s old, max %s: %w", age.Round(time.Second), g.MaxAge, domain.ErrStaleData)
	}
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"spot", mc.Spot},
		{"call_wall", mc.CallWall},
		{"put_wall", mc.PutWall},
	} {
		if f.value < g.MinPrice || (g.MaxPrice > 0 && f.value > g.MaxPrice) {
			return fmt.Errorf("%s %.2f outside [%.2f, %.2f]: %w", f.name, f.value, g.MinPrice, g.MaxPrice, domain.ErrDataUnavailable)
		}
	}
	return nil
}

// Resolver tries market-context providers in order, falling back to the
// last good context in the cache. Every candidate passes the Gate before it
// is returned; only gated contexts are cached.
type Resolver struct {
	providers []domain.MarketContextProvider
	cache     domain.ContextCache
	gate      Gate
	now       func() time.Time
	logger    *slog.Logger
}

// NewResolver creates a Resolver. cache may be nil.
func NewResolver(providers []domain.MarketContextProvider, cache domain.ContextCache, gate Gate, logger *slog.Logger) *Resolver {
	return &Resolver{
		providers: providers,
		cache:     cache,
		gate:      gate,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "context_resolver")),
	}
}

// Resolve returns the first usable market context for symbol. The error
// wraps ErrStaleData when the only contexts found were stale and
// ErrDataUnavailable otherwise.
func (r *Resolver) Resolve(ctx context.Context, symbol string) (domain.MarketContext, error) {
	var errs []error

	for _, p := range r.providers {
		mc, err := p.MarketContext(ctx, symbol)
		if err == nil {
			if mc.Source == "" {
				mc.Source = p.Name()
			}
			if mc.Symbol == "" {
				mc.Symbol = symbol
			}
			err = r.gate.Check(mc, r.now())
		}
		if err != nil {
			r.logger.WarnContext(ctx, "context_resolver: provider failed",
				slog.String("source", p.Name()),
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}

		if r.cache != nil {
			if err := r.cache.Put(ctx, mc); err != nil {
				r.logger.WarnContext(ctx, "context_resolver: cache write failed",
					slog.String("symbol", symbol),
					slog.String("error", err.Error()),
				)
			}
		}
		return mc, nil
	}

	if r.cache != nil {
		mc, err := r.cache.Latest(ctx, symbol)
		if err == nil {
			err = r.gate.Check(mc, r.now())
		}
		if err == nil {
			r.logger.InfoContext(ctx, "context_resolver: using cached context",
				slog.String("symbol", symbol),
				slog.String("source", mc.Source),
				slog.Duration("age", mc.Age(r.now())),
			)
			return mc, nil
		}
		r.logger.WarnContext(ctx, "context_resolver: cached context unusable",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}

	joined := errors.Join(errs...)
	if joined == nil {
		return domain.MarketContext{}, fmt.Errorf("strategy: resolve %s: no providers configured: %w", symbol, domain.ErrDataUnavailable)
	}
	if allStale(errs) {
		return domain.MarketContext{}, fmt.Errorf("strategy: resolve %s: %w", symbol, joined)
	}
	return domain.MarketContext{}, fmt.Errorf("strategy: resolve %s: %w: %w", symbol, domain.ErrDataUnavailable, joined)
}

func allStale(errs []error) bool {
	for _, err := range errs {
		if !errors.Is(err, domain.ErrStaleData) {
			return false
		}
	}
	return len(errs) > 0
}

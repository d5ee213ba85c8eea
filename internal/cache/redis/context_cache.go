package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// ContextCache implements domain.ContextCache. The last good context per
// symbol is kept as a JSON string with a TTL.
//
// Key schema:
//
//	{prefix}:context:{symbol} - JSON-encoded domain.MarketContext
type ContextCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewContextCache creates a ContextCache.
func NewContextCache(c *Client, prefix string, ttl time.Duration) *ContextCache {
	return &ContextCache{rdb: c.rdb, prefix: prefix, ttl: ttl}
}

// ContextKey is the Redis key for symbol.
func ContextKey(prefix, symbol string) string {
	if prefix == "" {
		return "context:" + symbol
	}
	return prefix + ":context:" + symbol
}

// Put stores mc as the latest context for its symbol.
func (cc *ContextCache) Put(ctx context.Context, mc domain.MarketContext) error {
	data, err := json.Marshal(mc)
	if err != nil {
		return fmt.Errorf("redis: marshal context %s: %w", mc.Symbol, err)
	}
	if err := cc.rdb.Set(ctx, ContextKey(cc.prefix, mc.Symbol), data, cc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set context %s: %w", mc.Symbol, err)
	}
	return nil
}

// Latest returns the cached context for symbol, or domain.ErrNotFound.
func (cc *ContextCache) Latest(ctx context.Context, symbol string) (domain.MarketContext, error) {
	data, err := cc.rdb.Get(ctx, ContextKey(cc.prefix, symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketContext{}, fmt.Errorf("redis: context %s: %w", symbol, domain.ErrNotFound)
		}
		return domain.MarketContext{}, fmt.Errorf("redis: get context %s: %w", symbol, err)
	}

	var mc domain.MarketContext
	if err := json.Unmarshal(data, &mc); err != nil {
		return domain.MarketContext{}, fmt.Errorf("redis: unmarshal context %s: %w", symbol, err)
	}
	return mc, nil
}

var _ domain.ContextCache = (*ContextCache)(nil)

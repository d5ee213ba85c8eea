package domain

import (
	"context"
	"time"
)

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus fans engine events out to other processes.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// ContextCache keeps the last good market context per symbol.
type ContextCache interface {
	Put(ctx context.Context, mc MarketContext) error
	Latest(ctx context.Context, symbol string) (MarketContext, error)
}

package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// unlockLua deletes the lock only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX and a
// token-checked release. It guards the decision cycle across processes
// sharing one position store.
type LockManager struct {
	rdb      *redis.Client
	prefix   string
	unlockSc *redis.Script
}

// NewLockManager creates a LockManager. Keys are namespaced under prefix.
func NewLockManager(c *Client, prefix string) *LockManager {
	return &LockManager{
		rdb:      c.rdb,
		prefix:   prefix,
		unlockSc: redis.NewScript(unlockLua),
	}
}

// LockKey is the Redis key holding the lock named key.
func LockKey(prefix, key string) string {
	if prefix == "" {
		return "lock:" + key
	}
	return prefix + ":lock:" + key
}

// Acquire takes the lock for ttl. It returns domain.ErrLockHeld when another
// holder has it. The returned unlock func is idempotent and uses its own
// context so it still releases after the caller's context is cancelled.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := LockKey(lm.prefix, key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)

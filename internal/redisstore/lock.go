package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockTTL        = 30 * time.Second
	lockRetryEvery = 50 * time.Millisecond
	lockAcquireMax = 10 * time.Second
)

// releaseScript deletes the lock only if this holder still owns it, so an
// expired-and-reacquired lock is never released out from under the new owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *store) WithLock(ctx context.Context, key, action string, fn func(context.Context) error) error {
	lkey := lockKey(key, action)
	token := uuid.New().String()

	deadline := time.Now().Add(lockAcquireMax)
	for {
		ok, err := s.client.SetNX(ctx, lkey, token, lockTTL).Result()
		if err != nil {
			return fmt.Errorf("redis acquire lock %s: %w", lkey, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("acquire lock %s: timed out after %s", lkey, lockAcquireMax)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire lock %s: %w", lkey, ctx.Err())
		case <-time.After(lockRetryEvery):
		}
	}

	defer func() {
		// Release on a fresh context so a canceled caller still unlocks.
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(relCtx, s.client, []string{lkey}, token).Err()
	}()

	return fn(ctx)
}

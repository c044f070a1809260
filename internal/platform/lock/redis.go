package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultTTL   = 10 * time.Second
	defaultRetry = 25 * time.Millisecond
	keyPrefix    = "clinicq:lock:"
)

// releaseScript deletes the key only while it still holds our token, so a
// holder whose lease expired cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease-based lock shared by every replica using the same Redis.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	logger zerolog.Logger
}

func NewRedis(client redis.UniversalClient, ttl time.Duration, logger zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		retry:  defaultRetry,
		logger: logger,
	}
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	k := keyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled; release must still run.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.client, []string{k}, token).Err(); err != nil && err != redis.Nil {
				r.logger.Warn().Err(err).Str("key", key).Msg("release lock")
			}
		})
	}, nil
}

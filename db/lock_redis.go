package db

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisLockPrefix = "fedcore:lock:"

// only the holder that set the key may delete it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares the lock between several processes pointing at one Redis. Expiry is
// handled by the key TTL.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	key := redisLockPrefix + name
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring redis lock %s: %w", name, err)
	}
	if !ok {
		return nil, domain.MigrationLocked(name)
	}
	return &redisLock{client: l.client, key: key, token: token}, nil
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("releasing redis lock: %w", err)
	}
	return nil
}

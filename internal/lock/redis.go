package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker is a Locker shared by every node connected to the same Redis.
// Each lock is a lease: SET NX PX with a random token.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	local  *KeyedMutex
}

// NewRedisLocker creates a distributed locker with the given lease.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		retry:  25 * time.Millisecond,
		local:  NewKeyedMutex(),
	}
}

// Lock acquires key across nodes. Goroutines on this node queue on a local
// mutex first so they do not poll Redis against each other.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	fullKey := "claimflow:lock:" + key
	token := uuid.New().String()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			unlockLocal()
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrLockTimeout, key, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err()
			unlockLocal()
		})
	}, nil
}

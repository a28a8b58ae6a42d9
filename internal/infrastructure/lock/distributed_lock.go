package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Redis lock
// ============================================================================
//
// Acquire: SET key owner NX PX ttl. The owner token is checked on release
// and refresh so an expired holder can never delete or extend a lock that
// another process has taken since.
//
// ============================================================================

var ErrLockNotHeld = errors.New("lock not held")

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

var refreshScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// DistributedLock is one Redis key owned by one holder.
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock makes a single SET NX attempt.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock every retryInterval, at most maxRetries times.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// Refresh extends the expiration if this holder still owns the key.
func (l *DistributedLock) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.value, l.expiration.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// ============================================================================
// RedisLocker
// ============================================================================

// RedisLocker implements Locker on top of DistributedLock so that several
// service instances serialize on the same account keys.
type RedisLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisLocker(client *redis.Client, ttl, retryInterval time.Duration, maxRetries int) *RedisLocker {
	return &RedisLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
	}
}

func (r *RedisLocker) Acquire(ctx context.Context, keys []string) (Release, error) {
	owner := uuid.NewString()
	held := make([]*DistributedLock, 0, len(keys))
	release := func() {
		// release must work even when ctx is already cancelled
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Unlock(unlockCtx); err != nil {
				log.Warn().Err(err).Str("section", "lock").Str("key", held[i].key).Msg("unlock failed")
			}
		}
	}
	for _, k := range normalize(keys) {
		l := NewDistributedLock(r.client, k, owner, r.ttl)
		if err := l.Lock(ctx, r.retryInterval, r.maxRetries); err != nil {
			release()
			return nil, err
		}
		held = append(held, l)
	}
	return onceRelease(release), nil
}

// TryAcquire holds key until released, refreshing it in the background.
func (r *RedisLocker) TryAcquire(ctx context.Context, key string) (Release, bool, error) {
	l := NewDistributedLock(r.client, key, uuid.NewString(), r.ttl)
	ok, err := l.TryLock(ctx)
	if err != nil || !ok {
		return nil, false, err
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
				if err := l.Refresh(refreshCtx); err != nil {
					log.Error().Err(err).Str("section", "lock").Str("key", key).Msg("lock refresh failed")
				}
				cancel()
			}
		}
	}()

	return onceRelease(func() {
		close(stop)
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Unlock(unlockCtx); err != nil {
			log.Warn().Err(err).Str("section", "lock").Str("key", key).Msg("unlock failed")
		}
	}), true, nil
}

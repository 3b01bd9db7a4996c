package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrLockNotAcquired means another caller holds the key.
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockBackend wraps Redis failures while taking a key.
	ErrLockBackend = errors.New("lock backend unavailable")
)

// Locker guards critical sections identified by a string key, such as one
// slot of a service or one booking.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type LockerOption func(*redisLocker)

// WithKeyPrefix namespaces the Redis keys, "lock:" by default.
func WithKeyPrefix(prefix string) LockerOption {
	return func(l *redisLocker) { l.prefix = prefix }
}

// WithLogger reports guards that could not be released or had already
// expired when the section finished.
func WithLogger(logger zerolog.Logger) LockerOption {
	return func(l *redisLocker) { l.log = logger }
}

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    zerolog.Logger
}

// NewRedisLocker creates a locker that holds one Redis key per critical
// section for at most ttl. It fails fast with ErrLockNotAcquired when the key
// is taken.
func NewRedisLocker(client *redis.Client, ttl time.Duration, opts ...LockerOption) Locker {
	l := &redisLocker{
		client: client,
		ttl:    ttl,
		prefix: "lock:",
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *redisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	redisKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: acquire %s: %w", ErrLockBackend, key, err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		// the caller's context may already be done; release on a fresh one
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()

		held, err := l.release(releaseCtx, redisKey, token)
		switch {
		case err != nil:
			l.log.Error().Err(err).Str("key", redisKey).Msg("release guard")
		case !held:
			l.log.Warn().Str("key", redisKey).Dur("ttl", l.ttl).Msg("guard expired before the section finished")
		}
	}()

	sectionCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(sectionCtx)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// release deletes key if it still carries token and reports whether it did.
func (l *redisLocker) release(ctx context.Context, key, token string) (bool, error) {
	n, err := unlockScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return n == 1, nil
}

package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("astrologer lock not acquired")
)

// Locker serializes admission and promotion for one astrologer across processes.
type Locker interface {
	WithAstrologerLock(ctx context.Context, astrologerID uuid.UUID, fn func(ctx context.Context) error) error
}

func lockKey(astrologerID uuid.UUID) string {
	return fmt.Sprintf("lock:astrologer:%s", astrologerID.String())
}

type redisAstrologerLocker struct {
	client     redis.Cmdable
	ttl        time.Duration
	attempts   int
	retryDelay time.Duration
	newToken   func() string
}

// NewRedisAstrologerLocker creates a locker that uses a per astrologer Redis key.
// Acquisition is retried a few times before giving up with ErrLockNotAcquired.
func NewRedisAstrologerLocker(client redis.Cmdable, ttl time.Duration) Locker {
	return &redisAstrologerLocker{
		client:     client,
		ttl:        ttl,
		attempts:   5,
		retryDelay: 50 * time.Millisecond,
		newToken:   uuid.NewString,
	}
}

func (l *redisAstrologerLocker) WithAstrologerLock(ctx context.Context, astrologerID uuid.UUID, fn func(ctx context.Context) error) error {
	key := lockKey(astrologerID)
	token := l.newToken()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		// release even if the caller's context is already done
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisAstrologerLocker) acquire(ctx context.Context, key, token string) error {
	for attempt := 1; ; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire astrologer lock: %w", err)
		}
		if ok {
			return nil
		}
		if attempt >= l.attempts {
			return ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisAstrologerLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release astrologer lock: %w", err)
	}
	return nil
}

// localLocker is the single-process Locker used with LOCK_BACKEND=local.
type localLocker struct {
	mu    sync.Mutex
	slots map[uuid.UUID]chan struct{}
}

func NewLocalLocker() Locker {
	return &localLocker{slots: make(map[uuid.UUID]chan struct{})}
}

func (l *localLocker) slot(astrologerID uuid.UUID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[astrologerID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[astrologerID] = ch
	}
	return ch
}

func (l *localLocker) WithAstrologerLock(ctx context.Context, astrologerID uuid.UUID, fn func(ctx context.Context) error) error {
	ch := l.slot(astrologerID)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ErrLockNotAcquired
	}
	defer func() { <-ch }()
	return fn(ctx)
}

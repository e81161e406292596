package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// ErrLocked is returned when another holder owns the key.
var ErrLocked = errors.New("lock held by another request")

// Locker guards a key for the duration of one request.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Nop never blocks.
type Nop struct{}

func (Nop) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

// Local guards keys within this process.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// Acquire takes key or fails fast with ErrLocked.
func (l *Local) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Redis guards keys across instances with a TTL-bound Redis lock.
type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	log    logrus.FieldLogger
}

// NewRedis creates a Redis-backed locker. Locks expire after ttl even if the
// holder never releases them.
func NewRedis(rdb redislock.RedisClient, ttl time.Duration, log logrus.FieldLogger) *Redis {
	return &Redis{client: redislock.New(rdb), ttl: ttl, log: log}
}

// Acquire obtains key without retrying.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	l, err := r.client.Obtain(ctx, "lock:"+key, r.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	return func() {
		if err := l.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.WithError(err).WithField("key", key).Warn("Failed to release lock")
		}
	}, nil
}

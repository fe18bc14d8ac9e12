package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
)

var (
	ErrLockNotAcquired = errors.New(errors.ErrCodeConflict, "failed to acquire lock")
	ErrLockNotHeld     = errors.New(errors.ErrCodeConflict, "lock not held by this owner")
)

// unlockScript deletes the lock only when the caller still owns it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript refreshes the TTL only when the caller still owns the lock.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Mutex is a single-holder distributed lock.  The ingestion worker takes one
// per upload so a resume never runs concurrently with the original run.
type Mutex struct {
	client     *Client
	key        string
	value      string
	ttl        time.Duration
	retryDelay time.Duration
	retryCount int
	logger     logging.Logger
}

// MutexOption tunes a Mutex.
type MutexOption func(*Mutex)

// WithTTL sets the lock's expiry.
func WithTTL(ttl time.Duration) MutexOption {
	return func(m *Mutex) { m.ttl = ttl }
}

// WithRetry sets how often and how many times Lock retries acquisition.
func WithRetry(delay time.Duration, count int) MutexOption {
	return func(m *Mutex) { m.retryDelay = delay; m.retryCount = count }
}

// NewMutex builds a lock on the given name.  The lock value is unique per
// Mutex instance, so only the acquirer can release or extend it.
func (c *Client) NewMutex(name string, opts ...MutexOption) *Mutex {
	m := &Mutex{
		client:     c,
		key:        c.Key("lock", name),
		value:      uuid.NewString(),
		ttl:        30 * time.Second,
		retryDelay: 100 * time.Millisecond,
		retryCount: 30,
		logger:     c.logger.Named("lock"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TryLock attempts a single acquisition.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	if m.client.isClosed() {
		return false, ErrClientClosed
	}
	ok, err := m.client.rdb.SetNX(ctx, m.key, m.value, m.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to acquire lock")
	}
	return ok, nil
}

// Lock acquires with retries, honouring context cancellation.
func (m *Mutex) Lock(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		ok, err := m.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt >= m.retryCount {
			return ErrLockNotAcquired.WithDetail("key=" + m.key)
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "lock acquisition cancelled")
		case <-time.After(m.retryDelay):
		}
	}
}

// Unlock releases the lock if this Mutex still owns it.
func (m *Mutex) Unlock(ctx context.Context) error {
	if m.client.isClosed() {
		return ErrClientClosed
	}
	res, err := unlockScript.Run(ctx, m.client.rdb, []string{m.key}, m.value).Int64()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to release lock")
	}
	if res == 0 {
		return ErrLockNotHeld.WithDetail("key=" + m.key)
	}
	return nil
}

// Extend refreshes the TTL while work is still in progress.
func (m *Mutex) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	if m.client.isClosed() {
		return false, ErrClientClosed
	}
	res, err := extendScript.Run(ctx, m.client.rdb, []string{m.key}, m.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to extend lock")
	}
	return res == 1, nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout indicates a distributed lock could not be acquired
// within its acquisition timeout. Callers should treat it as retryable.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// releaseScript deletes the lock key only if it still holds the
// caller's token. A holder whose lock already expired and was
// re-acquired by someone else must not delete the new holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a cooperative, timeout-bounded mutual-exclusion primitive
// scoped to a single Redis key. Acquisition sets the key to a unique
// token only if absent; the key's expiry is the safety net that keeps a
// crashed holder from deadlocking the system.
//
// A Lock is single-use: acquire once, release once.
type Lock struct {
	client     redis.UniversalClient
	key        string
	token      string
	ttl        time.Duration
	timeout    time.Duration
	retryDelay time.Duration
}

// NewLock creates a lock for key. ttl bounds how long a crashed holder
// can block others, timeout bounds acquisition, and retryDelay is the
// pause between acquisition attempts.
func NewLock(client redis.UniversalClient, key string, ttl, timeout, retryDelay time.Duration) *Lock {
	return &Lock{
		client:     client,
		key:        key,
		token:      uuid.NewString(),
		ttl:        ttl,
		timeout:    timeout,
		retryDelay: retryDelay,
	}
}

// Acquire blocks until the lock is held, the acquisition timeout
// elapses (ErrLockTimeout), or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	deadline := time.Now().Add(l.timeout)

	for {
		ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", l.key, err)
		}
		if ok {
			return nil
		}
		if time.Now().Add(l.retryDelay).After(deadline) {
			return fmt.Errorf("lock %s: %w", l.key, ErrLockTimeout)
		}

		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Release frees the lock if this holder still owns it. Releasing a lock
// that expired and was taken over by another holder is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

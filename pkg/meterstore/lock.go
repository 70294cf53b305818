package meterstore

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrLockNotAcquired is returned when the lock stayed held by another
// owner for the whole acquire window.
var ErrLockNotAcquired = errors.New("lock not acquired")

const lockPollInterval = 50 * time.Millisecond

// releaseScript deletes the lock only if the caller still owns it, so a
// holder that outlived its hold timeout cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lock is a store-side exclusive lock with an auto-release TTL.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// AcquireLock takes the named lock, polling up to acquireTimeout. The lock
// auto-releases after holdTimeout if the holder never calls Release.
func (s *Store) AcquireLock(ctx context.Context, key string, acquireTimeout, holdTimeout time.Duration) (*Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(acquireTimeout)

	for {
		ok, err := s.client.SetNX(ctx, key, token, holdTimeout).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "acquiring lock %s", key)
		}
		if ok {
			return &Lock{client: s.client, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Release frees the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	if err != nil && err != redis.Nil {
		return errors.Wrapf(err, "releasing lock %s", l.key)
	}
	return nil
}

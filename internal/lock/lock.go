// Package lock provides the invocation lock that lets exactly one scheduler
// process dispatch a given occurrence of a job.
package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"schedd/internal/errors"
	"schedd/internal/metrics"
)

const sentinel = "1"

// InvocationLock is a SET NX EX mutex in the shared store. Locks are never
// released; they expire after their TTL.
type InvocationLock struct {
	rdb    redis.UniversalClient
	prefix string
}

func New(rdb redis.UniversalClient, prefix string) *InvocationLock {
	return &InvocationLock{rdb: rdb, prefix: prefix}
}

func (l *InvocationLock) key(token string) string {
	return l.prefix + "lock:" + token
}

// TryAcquire reports whether this call claimed token. Concurrent callers with
// the same token see exactly one true. A store failure returns false with an
// ErrStoreUnavailable-kind error; callers must then abstain.
func (l *InvocationLock) TryAcquire(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	if token == "" {
		return false, errors.InvalidUsagef("empty invocation token")
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	won, err := l.rdb.SetNX(ctx, l.key(token), sentinel, ttl).Result()
	switch {
	case err != nil:
		metrics.LockAttemptsTotal.WithLabelValues("error").Inc()
		return false, errors.StoreUnavailable(err, "acquire invocation lock")
	case won:
		metrics.LockAttemptsTotal.WithLabelValues("won").Inc()
	default:
		metrics.LockAttemptsTotal.WithLabelValues("lost").Inc()
	}
	return won, nil
}

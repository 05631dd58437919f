package redishandler

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedd/internal/config"
	"schedd/internal/errors"
	"schedd/internal/logger"
)

func redisConfig(t *testing.T, addr string) config.RedisConfig {
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return config.RedisConfig{Host: host, Port: port, DialTimeout: time.Second}
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := NewRedisClient(context.Background(), redisConfig(t, mr.Addr()), logger.Nop())
	require.NoError(t, err)
	defer rdb.Close()

	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewRedisClientUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := redisConfig(t, mr.Addr())
	mr.Close()

	_, err := NewRedisClient(context.Background(), cfg, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.IsStoreUnavailable(err))
}

func TestIsConnectionError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	ctx := context.Background()

	assert.False(t, IsConnectionError(nil))
	assert.False(t, IsConnectionError(redis.Nil))
	assert.False(t, IsConnectionError(redis.TxFailedErr))

	require.NoError(t, rdb.Set(ctx, "str", "v", 0).Err())
	err := rdb.LPush(ctx, "str", "x").Err()
	require.Error(t, err)
	assert.False(t, IsConnectionError(err), "WRONGTYPE is a reply error")

	mr.Close()
	err = rdb.Get(ctx, "str").Err()
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func TestCallerErrorsAreNotConnectionErrors(t *testing.T) {
	assert.False(t, IsConnectionError(errors.NotFoundf("job %s not found", "x")))
	assert.False(t, IsConnectionError(errors.Wrap(errors.New("invalid character"), "decode job record")))
	assert.True(t, IsConnectionError(errors.Wrap(context.DeadlineExceeded, "get job")))
	assert.True(t, IsConnectionError(errors.Wrap(io.EOF, "get job")))
}

package redishandler

import (
	"context"
	"io"
	"net"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"schedd/internal/config"
	"schedd/internal/errors"
)

// NewRedisClient connects to the shared job store and verifies it answers.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, log *zap.SugaredLogger) (*redis.Client, error) {
	log.Infow("Connecting to Redis", "addr", cfg.Addr(), "db", cfg.DB)

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.StoreUnavailable(err, "ping redis")
	}
	return rdb, nil
}

// IsConnectionError reports whether err means Redis could not be reached or
// did not answer in time. Replies, redis.Nil and errors raised by callers are not
// connection errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.HasSuffix(msg, "redis: client is closed") || strings.HasSuffix(msg, "redis: connection pool timeout")
}

package main

import (
	"context"

	"github.com/go-redis/redis/v8"

	"schedd/internal/cache/redishandler"
	"schedd/internal/services/scheduler"
	"schedd/internal/store"
	"schedd/pkg/utils"
)

// core is what every command needs: the Redis client and the shared job store.
type core struct {
	rdb   *redis.Client
	store *store.Store
}

func newCore(ctx context.Context) (*core, error) {
	rdb, err := redishandler.NewRedisClient(ctx, cfg.Redis, log)
	if err != nil {
		return nil, err
	}
	backoff := utils.Backoff{
		MaxAttempts: cfg.Scheduler.StoreRetries,
		BaseDelay:   cfg.Scheduler.RetryBaseDelay,
	}
	return &core{
		rdb:   rdb,
		store: store.New(rdb, cfg.Redis.KeyPrefix, backoff, log.Named("store")),
	}, nil
}

// engine builds an engine over the store. Commands that never start it pass a nil dispatcher.
func (c *core) engine(d scheduler.Dispatcher) *scheduler.Engine {
	return scheduler.New(c.store, d, cfg.Scheduler, log.Named("scheduler"))
}

func (c *core) Close() {
	c.rdb.Close()
}

package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"schedd/internal/db"
	"schedd/internal/errors"
	"schedd/internal/metrics"
)

// Queue is the delivery queue: a Redis list consumed by WorkerPools in any
// process, plus a dead-letter list for callbacks that could not be delivered.
type Queue struct {
	rdb     redis.UniversalClient
	key     string
	deadKey string
}

func NewQueue(rdb redis.UniversalClient, prefix string) *Queue {
	return &Queue{rdb: rdb, key: prefix + "delivery", deadKey: prefix + "delivery:dead"}
}

// Enqueue appends task. It does not wait for delivery.
func (q *Queue) Enqueue(ctx context.Context, task *db.DeliveryTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "encode delivery task")
	}
	n, err := q.rdb.RPush(ctx, q.key, raw).Result()
	if err != nil {
		return errors.StoreUnavailable(err, "enqueue delivery task")
	}
	metrics.DeliveryQueueLength.Set(float64(n))
	return nil
}

// Dequeue blocks up to timeout for the next task. It returns nil, nil on timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*db.DeliveryTask, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var task db.DeliveryTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, errors.Wrap(err, "decode delivery task")
	}
	return &task, nil
}

func (q *Queue) DeadLetter(ctx context.Context, task *db.DeliveryTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "encode delivery task")
	}
	return q.rdb.RPush(ctx, q.deadKey, raw).Err()
}

// DeadLetters returns up to n dead-lettered tasks, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, n int64) ([]db.DeliveryTask, error) {
	raws, err := q.rdb.LRange(ctx, q.deadKey, 0, n-1).Result()
	if err != nil {
		return nil, errors.StoreUnavailable(err, "load dead letters")
	}
	out := make([]db.DeliveryTask, 0, len(raws))
	for _, raw := range raws {
		var task db.DeliveryTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, errors.Wrap(err, "decode delivery task")
		}
		out = append(out, task)
	}
	return out, nil
}

// Len returns the number of tasks waiting for delivery.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, errors.StoreUnavailable(err, "load delivery queue length")
	}
	return n, nil
}

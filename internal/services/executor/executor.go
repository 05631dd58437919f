// Package executor holds the body of a fire: claim the occurrence, obtain a
// bearer token and hand the callback to the delivery queue.
package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"schedd/internal/db"
	"schedd/internal/errors"
	"schedd/pkg/utils"
)

// Locker claims an invocation token for ttl.
type Locker interface {
	TryAcquire(ctx context.Context, token string, ttl time.Duration) (bool, error)
}

// TokenSource yields the bearer token for a job's callback.
type TokenSource interface {
	TokenFor(ctx context.Context, rec *db.JobRecord) (string, error)
}

// Queue accepts callbacks for asynchronous delivery.
type Queue interface {
	Enqueue(ctx context.Context, task *db.DeliveryTask) error
}

type Executor struct {
	lock    Locker
	tokens  TokenSource
	queue   Queue
	lockTTL time.Duration
	log     *zap.SugaredLogger
	now     func() time.Time
}

func NewExecutor(lock Locker, tokens TokenSource, queue Queue, lockTTL time.Duration, log *zap.SugaredLogger) *Executor {
	return &Executor{
		lock:    lock,
		tokens:  tokens,
		queue:   queue,
		lockTTL: lockTTL,
		log:     log,
		now:     time.Now,
	}
}

// Run fires rec for the occurrence at fireTime. It returns an
// ErrDispatchAbstained-kind error when another process owns the occurrence or
// ownership could not be confirmed, ErrOwnerDeleted when the owner is gone,
// and an ErrAuthRefreshFailed-kind error when no token could be obtained.
// It does not wait for delivery.
func (e *Executor) Run(ctx context.Context, rec *db.JobRecord, fireTime time.Time) error {
	token := utils.InvocationToken(rec.InvocationKey, fireTime)

	won, err := e.lock.TryAcquire(ctx, token, e.lockTTL)
	if err != nil {
		e.log.Warnw("Could not confirm invocation lock, abstaining", "job_id", rec.ID, "fire_time", fireTime, "error", err)
		return errors.Mark(errors.Wrap(err, "confirm invocation lock"), errors.ErrDispatchAbstained)
	}
	if !won {
		return errors.Mark(errors.Newf("occurrence %s of job %s claimed by another process", fireTime.Format(time.RFC3339), rec.ID), errors.ErrDispatchAbstained)
	}

	access, err := e.tokens.TokenFor(ctx, rec)
	if err != nil {
		if !errors.Is(err, errors.ErrOwnerDeleted) {
			e.log.Errorw("Failed to obtain callback token, invocation abandoned", "job_id", rec.ID, "error", err)
		}
		return err
	}

	task := &db.DeliveryTask{
		JobID:         rec.ID,
		FireTime:      fireTime,
		AccessToken:   access,
		URL:           rec.CallbackURL,
		ContentType:   rec.ContentType,
		RequestMethod: rec.RequestMethod,
		Payload:       rec.Payload,
		EnqueuedAt:    e.now().UTC(),
	}
	if err := e.queue.Enqueue(ctx, task); err != nil {
		return errors.Wrapf(err, "enqueue delivery for job %s", rec.ID)
	}
	return nil
}

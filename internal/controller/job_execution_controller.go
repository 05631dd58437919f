package controller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"schedd/internal/db"
	"schedd/internal/errors"
	"schedd/internal/store"
)

// JobExecutionController records the outcome of every fire this process
// attempts. It is registered on the engine as a listener.
type JobExecutionController struct {
	store    *store.Store
	instance string
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewJobExecutionController(st *store.Store, instance string, log *zap.SugaredLogger) *JobExecutionController {
	return &JobExecutionController{store: st, instance: instance, log: log, now: time.Now}
}

func (jc *JobExecutionController) JobAdded(context.Context, *db.JobRecord) {}

// JobRemoving is a no-op; the store drops the history with the job.
func (jc *JobExecutionController) JobRemoving(context.Context, *db.JobRecord) {}

func (jc *JobExecutionController) JobFired(ctx context.Context, rec *db.JobRecord, fireTime time.Time, err error) {
	exec := db.Execution{
		JobID:      rec.ID,
		FireTime:   fireTime,
		Status:     ExecutionStatus(err),
		Instance:   jc.instance,
		RecordedAt: jc.now(),
	}
	if err != nil && exec.Status != db.ExecutionAbstained {
		exec.Error = err.Error()
	}
	if err := jc.store.RecordExecution(ctx, exec); err != nil {
		jc.log.Warnw("Failed to record execution", "job_id", rec.ID, "error", err)
	}
}

// ExecutionStatus classifies a dispatch result.
func ExecutionStatus(err error) string {
	switch {
	case err == nil:
		return db.ExecutionDispatched
	case errors.Is(err, errors.ErrDispatchAbstained):
		return db.ExecutionAbstained
	}
	return db.ExecutionFailed
}

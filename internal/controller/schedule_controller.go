package controller

import (
	"context"

	"schedd/internal/services/scheduler"
)

// ScheduleController changes when existing jobs fire.
type ScheduleController interface {
	PauseJob(ctx context.Context, jobID string) (*JobView, error)
	ResumeJob(ctx context.Context, jobID string) (*JobView, error)
	RescheduleJob(ctx context.Context, jobID string, req *RescheduleRequest) (*JobView, error)
}

type ScheduleOperationController struct {
	engine *scheduler.Engine
}

func NewScheduleOperationController(engine *scheduler.Engine) *ScheduleOperationController {
	return &ScheduleOperationController{engine: engine}
}

// PauseJob fails with ErrAlreadyPaused when the job has no next fire time.
func (sc *ScheduleOperationController) PauseJob(ctx context.Context, jobID string) (*JobView, error) {
	rec, err := sc.engine.PauseJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return NewJobView(rec), nil
}

// ResumeJob fails with ErrAlreadyRunning when the job is not paused.
func (sc *ScheduleOperationController) ResumeJob(ctx context.Context, jobID string) (*JobView, error) {
	rec, err := sc.engine.ResumeJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return NewJobView(rec), nil
}

// RescheduleJob applies a validated request. req.Trigger must already be set.
func (sc *ScheduleOperationController) RescheduleJob(ctx context.Context, jobID string, req *RescheduleRequest) (*JobView, error) {
	rec, err := sc.engine.RescheduleJob(ctx, jobID, req.Trigger, req.Payload)
	if err != nil {
		return nil, err
	}
	return NewJobView(rec), nil
}

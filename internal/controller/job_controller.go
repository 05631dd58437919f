package controller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"schedd/internal/db"
	"schedd/internal/errors"
	"schedd/internal/services/scheduler"
	"schedd/internal/store"
	"schedd/internal/trigger"
	"schedd/pkg/utils"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// CreateJobRequest is the input of CreateJob. The trigger fields are inline,
// as callers send them.
type CreateJobRequest struct {
	trigger.Request
	UserID        *int64                 `json:"user_id,omitempty"`
	TaskName      string                 `json:"task_name,omitempty" validate:"omitempty,max=200"`
	Category      string                 `json:"category,omitempty" validate:"omitempty,max=100"`
	CallbackURL   string                 `json:"url" validate:"required,url"`
	ContentType   string                 `json:"content_type,omitempty"`
	Payload       map[string]interface{} `json:"post_data,omitempty"`
	IsJwtRequest  bool                   `json:"is_jwt_request,omitempty"`
	RequestMethod string                 `json:"request_method,omitempty" validate:"omitempty,oneof=get post put patch delete"`

	// Trigger is set by validation.
	Trigger trigger.Policy `json:"-"`
}

// RescheduleRequest replaces a job's trigger and optionally its payload.
type RescheduleRequest struct {
	trigger.Request
	Payload map[string]interface{} `json:"post_data,omitempty"`

	Trigger trigger.Policy `json:"-"`
}

// JobView is the caller-facing form of a job.
type JobView struct {
	ID            string                 `json:"id"`
	UserID        *int64                 `json:"user_id,omitempty"`
	TaskName      string                 `json:"task_name,omitempty"`
	Category      string                 `json:"category,omitempty"`
	Trigger       trigger.Policy         `json:"trigger"`
	CallbackURL   string                 `json:"url"`
	ContentType   string                 `json:"content_type"`
	RequestMethod string                 `json:"request_method"`
	Payload       map[string]interface{} `json:"post_data,omitempty"`
	IsJwtRequest  bool                   `json:"is_jwt_request"`
	NextFireTime  *time.Time             `json:"next_run_time"`
	Pending       bool                   `json:"pending"`
	Paused        bool                   `json:"paused"`
	LastRunAt     *time.Time             `json:"last_run_time,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

func NewJobView(rec *db.JobRecord) *JobView {
	return &JobView{
		ID:            rec.ID,
		UserID:        rec.OwnerUserID,
		TaskName:      rec.TaskName,
		Category:      rec.Category,
		Trigger:       rec.Trigger,
		CallbackURL:   rec.CallbackURL,
		ContentType:   rec.ContentType,
		RequestMethod: rec.RequestMethod,
		Payload:       rec.Payload,
		IsJwtRequest:  rec.IsJwtRequest,
		NextFireTime:  rec.NextFireTime,
		Pending:       rec.Pending,
		Paused:        rec.Paused(),
		LastRunAt:     rec.LastRunAt,
		CreatedAt:     rec.CreatedAt,
	}
}

type ListQuery struct {
	UserID  *int64
	Page    int
	PerPage int
}

type JobPage struct {
	Jobs    []*JobView `json:"jobs"`
	Page    int        `json:"page"`
	PerPage int        `json:"per_page"`
	Total   int        `json:"total"`
}

// DeleteResult reports a bulk delete. Ids that were unknown or failed are in NotRemoved.
type DeleteResult struct {
	Removed    []string `json:"removed"`
	NotRemoved []string `json:"not_removed"`
}

// Status is "ok" when every id was removed, "partial" when some were and
// "failed" when none were.
func (r *DeleteResult) Status() string {
	switch {
	case len(r.NotRemoved) == 0:
		return "ok"
	case len(r.Removed) > 0:
		return "partial"
	}
	return "failed"
}

type JobController interface {
	ScheduleController
	CreateJob(ctx context.Context, req *CreateJobRequest) (string, error)
	GetJob(ctx context.Context, jobID string) (*JobView, error)
	ListJobs(ctx context.Context, q ListQuery) (*JobPage, error)
	FilterJobs(ctx context.Context, f store.Filter, page, perPage int) (*JobPage, error)
	DeleteJobs(ctx context.Context, jobIDs []string) (*DeleteResult, error)
	GetJobExecutions(ctx context.Context, jobID string) ([]db.Execution, error)
}

type JobOperationController struct {
	*ScheduleOperationController
	engine *scheduler.Engine
	log    *zap.SugaredLogger
}

func NewJobOperationController(engine *scheduler.Engine, log *zap.SugaredLogger) *JobOperationController {
	return &JobOperationController{
		ScheduleOperationController: NewScheduleOperationController(engine),
		engine:                      engine,
		log:                         log,
	}
}

// CreateJob stores a validated request. req.Trigger must already be set.
func (jc *JobOperationController) CreateJob(ctx context.Context, req *CreateJobRequest) (string, error) {
	rec := &db.JobRecord{
		OwnerUserID:   req.UserID,
		TaskName:      req.TaskName,
		Category:      req.Category,
		Trigger:       req.Trigger,
		CallbackURL:   req.CallbackURL,
		ContentType:   req.ContentType,
		RequestMethod: req.RequestMethod,
		Payload:       req.Payload,
		IsJwtRequest:  req.IsJwtRequest,
	}
	id, err := jc.engine.AddJob(ctx, rec)
	if err != nil {
		return "", err
	}
	jc.log.Infow("Job created", "job_id", id, "kind", rec.Trigger.Kind, "user_id", rec.OwnerUserID, "task_name", rec.TaskName)
	return id, nil
}

func (jc *JobOperationController) GetJob(ctx context.Context, jobID string) (*JobView, error) {
	rec, err := jc.engine.Store().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return NewJobView(rec), nil
}

// ListJobs lists the jobs of q.UserID, or the general jobs when it is nil.
func (jc *JobOperationController) ListJobs(ctx context.Context, q ListQuery) (*JobPage, error) {
	var (
		recs []*db.JobRecord
		err  error
	)
	if q.UserID != nil {
		recs, err = jc.engine.Store().ListByOwner(ctx, *q.UserID)
	} else {
		recs, err = jc.engine.Store().ListGeneral(ctx)
	}
	if err != nil {
		return nil, err
	}
	return paginate(recs, q.Page, q.PerPage), nil
}

func (jc *JobOperationController) FilterJobs(ctx context.Context, f store.Filter, page, perPage int) (*JobPage, error) {
	recs, err := jc.engine.Store().Filter(ctx, f)
	if err != nil {
		return nil, err
	}
	return paginate(recs, page, perPage), nil
}

// DeleteJobs removes each id independently. It only fails when ids is empty.
func (jc *JobOperationController) DeleteJobs(ctx context.Context, jobIDs []string) (*DeleteResult, error) {
	if len(jobIDs) == 0 {
		return nil, errors.InvalidUsagef("Missing job ids")
	}
	res := &DeleteResult{Removed: []string{}, NotRemoved: []string{}}
	for _, id := range jobIDs {
		if !utils.ValidateJobID(id) {
			res.NotRemoved = append(res.NotRemoved, id)
			continue
		}
		removed, err := jc.engine.RemoveJob(ctx, id)
		if err != nil {
			jc.log.Warnw("Failed to delete job", "job_id", id, "error", err)
		}
		if removed {
			res.Removed = append(res.Removed, id)
		} else {
			res.NotRemoved = append(res.NotRemoved, id)
		}
	}
	jc.log.Infow("Jobs deleted", "removed", len(res.Removed), "not_removed", len(res.NotRemoved))
	return res, nil
}

func (jc *JobOperationController) GetJobExecutions(ctx context.Context, jobID string) ([]db.Execution, error) {
	if _, err := jc.engine.Store().Get(ctx, jobID); err != nil {
		return nil, err
	}
	return jc.engine.Store().Executions(ctx, jobID)
}

func paginate(recs []*db.JobRecord, page, perPage int) *JobPage {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	if page < 1 {
		page = 1
	}
	out := &JobPage{Jobs: []*JobView{}, Page: page, PerPage: perPage, Total: len(recs)}
	start := (page - 1) * perPage
	if start >= len(recs) {
		return out
	}
	end := start + perPage
	if end > len(recs) {
		end = len(recs)
	}
	for _, rec := range recs[start:end] {
		out.Jobs = append(out.Jobs, NewJobView(rec))
	}
	return out
}

// NewJobController returns the validated job controller backed by engine.
func NewJobController(engine *scheduler.Engine, validator JobValidator, log *zap.SugaredLogger) JobController {
	return NewJobValidationController(NewJobOperationController(engine, log), validator)
}

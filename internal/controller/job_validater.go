package controller

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"schedd/internal/db"
	"schedd/internal/errors"
	"schedd/internal/store"
	"schedd/internal/trigger"
	"schedd/pkg/utils"
)

type JobValidator interface {
	ValidateJob(req *CreateJobRequest) error
	ValidateReschedule(req *RescheduleRequest) error
	ValidateJobId(jobID string) error
}

// DefaultJobValidator checks request shape with struct tags and the trigger
// with the scheduling limits. It fills in defaults and the parsed trigger.
type DefaultJobValidator struct {
	validate *validator.Validate
	limits   trigger.Limits
	now      func() time.Time
}

func NewDefaultJobValidator(limits trigger.Limits) *DefaultJobValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &DefaultJobValidator{validate: v, limits: limits, now: time.Now}
}

func (v *DefaultJobValidator) ValidateJob(req *CreateJobRequest) error {
	req.RequestMethod = strings.ToLower(strings.TrimSpace(req.RequestMethod))
	if err := v.check(req); err != nil {
		return err
	}
	if req.UserID == nil && req.TaskName == "" {
		return errors.InvalidUsagef("Missing task_name")
	}
	if req.UserID != nil && req.TaskName != "" {
		return errors.InvalidUsagef("task_name is only allowed for general jobs")
	}
	if req.ContentType == "" {
		req.ContentType = db.DefaultContentType
	}
	if req.RequestMethod == "" {
		req.RequestMethod = db.DefaultRequestMethod
	}

	p, err := trigger.Parse(req.Request, v.now(), v.limits)
	if err != nil {
		return err
	}
	req.Trigger = p
	return nil
}

func (v *DefaultJobValidator) ValidateReschedule(req *RescheduleRequest) error {
	p, err := trigger.Parse(req.Request, v.now(), v.limits)
	if err != nil {
		return err
	}
	req.Trigger = p
	return nil
}

// ValidateJobId reports a malformed id as not found.
func (v *DefaultJobValidator) ValidateJobId(jobID string) error {
	if !utils.ValidateJobID(jobID) {
		return errors.NotFoundf("job %s not found", jobID)
	}
	return nil
}

func (v *DefaultJobValidator) check(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return errors.InvalidUsagef("invalid request: %v", err)
	}
	fe := fieldErrs[0]
	if fe.Tag() == "required" {
		return errors.InvalidUsagef("Missing %s", fe.Field())
	}
	return errors.InvalidUsagef("Invalid value of %s (%v)", fe.Field(), fe.Value())
}

type JobValidationController struct {
	joc       JobController
	validator JobValidator
}

func NewJobValidationController(joc JobController, validator JobValidator) *JobValidationController {
	return &JobValidationController{
		joc:       joc,
		validator: validator,
	}
}

func (jv *JobValidationController) CreateJob(ctx context.Context, req *CreateJobRequest) (string, error) {
	if err := jv.validator.ValidateJob(req); err != nil {
		return "", err
	}
	return jv.joc.CreateJob(ctx, req)
}

func (jv *JobValidationController) GetJob(ctx context.Context, jobID string) (*JobView, error) {
	if err := jv.validator.ValidateJobId(jobID); err != nil {
		return nil, err
	}
	return jv.joc.GetJob(ctx, jobID)
}

func (jv *JobValidationController) ListJobs(ctx context.Context, q ListQuery) (*JobPage, error) {
	return jv.joc.ListJobs(ctx, q)
}

func (jv *JobValidationController) FilterJobs(ctx context.Context, f store.Filter, page, perPage int) (*JobPage, error) {
	if f.Kind != "" && !f.Kind.Valid() {
		return nil, errors.InvalidUsagef("Invalid value of type (%s)", f.Kind)
	}
	return jv.joc.FilterJobs(ctx, f, page, perPage)
}

// DeleteJobs does not reject malformed ids; they are reported as not removed.
func (jv *JobValidationController) DeleteJobs(ctx context.Context, jobIDs []string) (*DeleteResult, error) {
	return jv.joc.DeleteJobs(ctx, jobIDs)
}

func (jv *JobValidationController) GetJobExecutions(ctx context.Context, jobID string) ([]db.Execution, error) {
	if err := jv.validator.ValidateJobId(jobID); err != nil {
		return nil, err
	}
	return jv.joc.GetJobExecutions(ctx, jobID)
}

func (jv *JobValidationController) PauseJob(ctx context.Context, jobID string) (*JobView, error) {
	if err := jv.validator.ValidateJobId(jobID); err != nil {
		return nil, err
	}
	return jv.joc.PauseJob(ctx, jobID)
}

func (jv *JobValidationController) ResumeJob(ctx context.Context, jobID string) (*JobView, error) {
	if err := jv.validator.ValidateJobId(jobID); err != nil {
		return nil, err
	}
	return jv.joc.ResumeJob(ctx, jobID)
}

func (jv *JobValidationController) RescheduleJob(ctx context.Context, jobID string, req *RescheduleRequest) (*JobView, error) {
	if err := jv.validator.ValidateJobId(jobID); err != nil {
		return nil, err
	}
	if err := jv.validator.ValidateReschedule(req); err != nil {
		return nil, err
	}
	return jv.joc.RescheduleJob(ctx, jobID, req)
}

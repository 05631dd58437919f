package db

import (
	"time"

	"schedd/internal/trigger"
)

const (
	DefaultContentType   = "application/json"
	DefaultRequestMethod = "post"
)

// RequestMethods are the HTTP verbs a callback may use.
var RequestMethods = []string{"get", "post", "put", "patch", "delete"}

const (
	ExecutionDispatched = "dispatched"
	ExecutionAbstained  = "abstained"
	ExecutionFailed     = "failed"
)

// JobRecord is the durable form of a scheduled job, shared by every scheduler
// process through the job store.
//
// NextFireTime nil with Pending false means the job is paused. Pending is set
// on insert until some engine has computed the first fire time.
type JobRecord struct {
	ID            string                 `json:"id"`
	OwnerUserID   *int64                 `json:"owner_user_id,omitempty"`
	TaskName      string                 `json:"task_name,omitempty"`
	Category      string                 `json:"category,omitempty"`
	Trigger       trigger.Policy         `json:"trigger"`
	CallbackURL   string                 `json:"callback_url"`
	ContentType   string                 `json:"content_type"`
	RequestMethod string                 `json:"request_method"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	IsJwtRequest  bool                   `json:"is_jwt_request"`
	InvocationKey string                 `json:"invocation_key"`
	NextFireTime  *time.Time             `json:"next_fire_time,omitempty"`
	Pending       bool                   `json:"pending"`
	LastRunAt     *time.Time             `json:"last_run_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

func (r *JobRecord) Paused() bool {
	return !r.Pending && r.NextFireTime == nil
}

// IsGeneral reports whether the job belongs to no user.
func (r *JobRecord) IsGeneral() bool {
	return r.OwnerUserID == nil
}

// Clone returns a copy that shares no pointers with r. Payload is copied one level deep.
func (r *JobRecord) Clone() *JobRecord {
	c := *r
	if r.OwnerUserID != nil {
		v := *r.OwnerUserID
		c.OwnerUserID = &v
	}
	c.NextFireTime = cloneTime(r.NextFireTime)
	c.LastRunAt = cloneTime(r.LastRunAt)
	c.Trigger.RunAt = cloneTime(r.Trigger.RunAt)
	c.Trigger.StartAt = cloneTime(r.Trigger.StartAt)
	c.Trigger.EndAt = cloneTime(r.Trigger.EndAt)
	if r.Payload != nil {
		c.Payload = make(map[string]interface{}, len(r.Payload))
		for k, v := range r.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// UserToken is the stored bearer token of a job owner.
type UserToken struct {
	UserID       int64     `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	AccessToken  string    `gorm:"not null" json:"access_token"`
	RefreshToken string    `gorm:"not null" json:"refresh_token"`
	ExpiresAt    time.Time `gorm:"not null;index" json:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DeliveryTask is one outbound callback handed to the delivery queue.
type DeliveryTask struct {
	JobID         string                 `json:"job_id"`
	FireTime      time.Time              `json:"fire_time"`
	AccessToken   string                 `json:"access_token"`
	URL           string                 `json:"url"`
	ContentType   string                 `json:"content_type"`
	RequestMethod string                 `json:"request_method"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	EnqueuedAt    time.Time              `json:"enqueued_at"`
	Error         string                 `json:"error,omitempty"`
}

// Execution records the outcome of one fire attempt by one process.
type Execution struct {
	JobID      string    `json:"job_id"`
	FireTime   time.Time `json:"fire_time"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Instance   string    `json:"instance"`
	RecordedAt time.Time `json:"recorded_at"`
}

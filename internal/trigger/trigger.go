// Package trigger models when a scheduled job fires.
//
// A Policy is one of three kinds:
//
//	one_time  fires once at RunAt
//	periodic  fires every Interval from StartAt, within the half-open window [StartAt, EndAt)
//	cron      fires on a standard 5-field cron expression (UTC), optionally bounded by StartAt/EndAt
//
// All computations are pure functions of the policy and the supplied clock reading.
package trigger

import (
	"time"

	"schedd/pkg/utils"
)

type Kind string

const (
	KindOneTime  Kind = "one_time"
	KindPeriodic Kind = "periodic"
	KindCron     Kind = "cron"
)

// Kinds lists every trigger kind.
var Kinds = []Kind{KindOneTime, KindPeriodic, KindCron}

func (k Kind) Valid() bool {
	switch k {
	case KindOneTime, KindPeriodic, KindCron:
		return true
	}
	return false
}

// Policy is the tagged union of trigger kinds. Only the fields of Kind are meaningful.
type Policy struct {
	Kind            Kind       `json:"kind"`
	RunAt           *time.Time `json:"run_at,omitempty"`
	StartAt         *time.Time `json:"start_at,omitempty"`
	EndAt           *time.Time `json:"end_at,omitempty"`
	IntervalSeconds int64      `json:"interval_seconds,omitempty"`
	CronExpr        string     `json:"cron,omitempty"`
}

func NewOneTime(runAt time.Time) Policy {
	r := runAt.UTC()
	return Policy{Kind: KindOneTime, RunAt: &r}
}

func NewPeriodic(startAt, endAt time.Time, interval time.Duration) Policy {
	s, e := startAt.UTC(), endAt.UTC()
	return Policy{Kind: KindPeriodic, StartAt: &s, EndAt: &e, IntervalSeconds: int64(interval / time.Second)}
}

// NewCron builds a cron policy; startAt and endAt may be nil.
func NewCron(expr string, startAt, endAt *time.Time) Policy {
	p := Policy{Kind: KindCron, CronExpr: expr}
	if startAt != nil {
		s := startAt.UTC()
		p.StartAt = &s
	}
	if endAt != nil {
		e := endAt.UTC()
		p.EndAt = &e
	}
	return p
}

func (p Policy) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// Next returns the earliest occurrence strictly after now, or false when the
// schedule has no future occurrence.
func (p Policy) Next(now time.Time) (time.Time, bool) {
	switch p.Kind {
	case KindOneTime:
		if p.RunAt != nil && p.RunAt.After(now) {
			return *p.RunAt, true
		}
	case KindPeriodic:
		return p.periodicAtOrAfter(now, false)
	case KindCron:
		return p.cronAfter(now)
	}
	return time.Time{}, false
}

// First returns the earliest occurrence not older than now-grace. It is used
// to compute the initial fire time of a freshly added job, so an occurrence
// that is slightly in the past still fires once.
func (p Policy) First(now time.Time, grace time.Duration) (time.Time, bool) {
	floor := now.Add(-grace)
	switch p.Kind {
	case KindOneTime:
		if p.RunAt != nil && !p.RunAt.Before(floor) {
			return *p.RunAt, true
		}
	case KindPeriodic:
		return p.periodicAtOrAfter(floor, true)
	case KindCron:
		return p.cronAfter(floor.Add(-time.Second))
	}
	return time.Time{}, false
}

// ResumeTime is the fire time a paused job gets when resumed at now. A one-time
// job whose instant already passed fires immediately.
func (p Policy) ResumeTime(now time.Time) (time.Time, bool) {
	if p.Kind == KindOneTime {
		if p.RunAt == nil {
			return time.Time{}, false
		}
		if p.RunAt.After(now) {
			return *p.RunAt, true
		}
		return now, true
	}
	return p.Next(now)
}

// Exhausted reports whether the schedule can never fire again after now.
func (p Policy) Exhausted(now time.Time) bool {
	_, ok := p.Next(now)
	return !ok
}

// periodicAtOrAfter finds the smallest StartAt+k*Interval that is after t
// (or equal to t when inclusive) and before EndAt.
func (p Policy) periodicAtOrAfter(t time.Time, inclusive bool) (time.Time, bool) {
	if p.StartAt == nil || p.EndAt == nil || p.IntervalSeconds <= 0 {
		return time.Time{}, false
	}
	start, end, interval := *p.StartAt, *p.EndAt, p.Interval()

	var next time.Time
	switch {
	case t.Before(start):
		next = start
	case inclusive:
		k := (t.Sub(start) + interval - 1) / interval
		next = start.Add(k * interval)
	default:
		k := t.Sub(start)/interval + 1
		next = start.Add(k * interval)
	}

	if !next.Before(end) {
		return time.Time{}, false
	}
	return next, true
}

func (p Policy) cronAfter(t time.Time) (time.Time, bool) {
	from := t.UTC()
	if p.StartAt != nil && p.StartAt.After(from) {
		from = p.StartAt.Add(-time.Second)
	}
	next, err := utils.EvalCronExpr(p.CronExpr, from)
	if err != nil || next.IsZero() {
		return time.Time{}, false
	}
	if p.EndAt != nil && !next.Before(*p.EndAt) {
		return time.Time{}, false
	}
	return next, true
}

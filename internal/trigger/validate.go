package trigger

import (
	"encoding/json"
	"strings"
	"time"

	"schedd/internal/errors"
	"schedd/pkg/utils"
)

// Limits bound what a caller may schedule.
type Limits struct {
	// MinFrequency is the shortest allowed gap between two fires of a recurring job.
	MinFrequency time.Duration
	// RequestTimeout is how far in the past a first fire time may lie, to absorb
	// request-processing latency.
	RequestTimeout time.Duration
}

func DefaultLimits() Limits {
	return Limits{MinFrequency: 3600 * time.Second, RequestTimeout: 30 * time.Second}
}

// cronGapSamples is how many consecutive cron activations are inspected when
// checking the minimum frequency.
const cronGapSamples = 24

// Validate enforces the scheduling rules for p at clock reading now.
func Validate(p Policy, now time.Time, limits Limits) error {
	switch p.Kind {
	case KindOneTime:
		if p.RunAt == nil {
			return errors.InvalidUsagef("Missing run_datetime")
		}
		return notTooFarInPast("run_datetime", *p.RunAt, now, limits)

	case KindPeriodic:
		if p.StartAt == nil {
			return errors.InvalidUsagef("Missing start_datetime")
		}
		if p.EndAt == nil {
			return errors.InvalidUsagef("Missing end_datetime")
		}
		if p.IntervalSeconds <= 0 {
			return errors.InvalidUsagef("Missing frequency")
		}
		if p.Interval() < limits.MinFrequency {
			return errors.InvalidUsagef("Invalid value of frequency (%d). It should be at least %d seconds",
				p.IntervalSeconds, int64(limits.MinFrequency/time.Second))
		}
		if p.StartAt.After(p.EndAt.Add(-p.Interval())) {
			return errors.InvalidUsagef("start_datetime (%s) must be at least one frequency (%ds) before end_datetime (%s)",
				p.StartAt.Format(time.RFC3339), p.IntervalSeconds, p.EndAt.Format(time.RFC3339))
		}
		return notTooFarInPast("start_datetime", *p.StartAt, now, limits)

	case KindCron:
		sched, err := utils.ParseCronExpr(p.CronExpr)
		if err != nil {
			return err
		}
		if p.StartAt != nil {
			if err := notTooFarInPast("start_datetime", *p.StartAt, now, limits); err != nil {
				return err
			}
		}
		if p.StartAt != nil && p.EndAt != nil && p.StartAt.After(p.EndAt.Add(-limits.MinFrequency)) {
			return errors.InvalidUsagef("start_datetime must be at least %d seconds before end_datetime",
				int64(limits.MinFrequency/time.Second))
		}

		ref := now.UTC()
		if p.StartAt != nil && p.StartAt.After(ref) {
			ref = *p.StartAt
		}
		prev := sched.Next(ref)
		for i := 0; i < cronGapSamples && !prev.IsZero(); i++ {
			next := sched.Next(prev)
			if next.IsZero() {
				break
			}
			if gap := next.Sub(prev); gap < limits.MinFrequency {
				return errors.InvalidUsagef("cron expression %q fires every %s. It should be at least %d seconds apart",
					p.CronExpr, gap, int64(limits.MinFrequency/time.Second))
			}
			prev = next
		}
		if _, ok := p.Next(now); !ok {
			return errors.InvalidUsagef("cron expression %q has no occurrence before end_datetime", p.CronExpr)
		}
		return nil

	case "":
		return errors.InvalidUsagef("Missing trigger type")
	default:
		return errors.InvalidUsagef("Unknown trigger type %q", p.Kind)
	}
}

func notTooFarInPast(field string, at, now time.Time, limits Limits) error {
	if now.Sub(at) > limits.RequestTimeout {
		return errors.InvalidUsagef("%s (%s) is in the past", field, at.Format(time.RFC3339))
	}
	return nil
}

// Request is the loosely typed trigger portion of a create/reschedule request,
// as decoded from a JSON body.
type Request struct {
	Type          string      `json:"type,omitempty"`
	RunDatetime   *time.Time  `json:"run_datetime,omitempty"`
	StartDatetime *time.Time  `json:"start_datetime,omitempty"`
	EndDatetime   *time.Time  `json:"end_datetime,omitempty"`
	Frequency     json.Number `json:"frequency,omitempty"`
	Cron          string      `json:"cron,omitempty"`
}

// Policy converts the request into a Policy. When Type is empty the kind is
// inferred from the fields present: cron, then frequency, then run_datetime.
func (r Request) Policy() (Policy, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(r.Type)))
	if kind == "" {
		switch {
		case r.Cron != "":
			kind = KindCron
		case r.Frequency != "":
			kind = KindPeriodic
		case r.RunDatetime != nil:
			kind = KindOneTime
		default:
			return Policy{}, errors.InvalidUsagef("Missing run_datetime or frequency")
		}
	}

	switch kind {
	case KindOneTime:
		if r.RunDatetime == nil {
			return Policy{}, errors.InvalidUsagef("Missing run_datetime")
		}
		return NewOneTime(*r.RunDatetime), nil

	case KindPeriodic:
		if r.StartDatetime == nil {
			return Policy{}, errors.InvalidUsagef("Missing start_datetime")
		}
		if r.EndDatetime == nil {
			return Policy{}, errors.InvalidUsagef("Missing end_datetime")
		}
		if r.Frequency == "" {
			return Policy{}, errors.InvalidUsagef("Missing frequency")
		}
		freq, err := r.Frequency.Int64()
		if err != nil {
			return Policy{}, errors.InvalidUsagef("Invalid value of frequency (%s). It should be a number of seconds", r.Frequency)
		}
		if freq <= 0 {
			return Policy{}, errors.InvalidUsagef("Invalid value of frequency (%d). It should be positive", freq)
		}
		return NewPeriodic(*r.StartDatetime, *r.EndDatetime, time.Duration(freq)*time.Second), nil

	case KindCron:
		if strings.TrimSpace(r.Cron) == "" {
			return Policy{}, errors.InvalidUsagef("Missing cron")
		}
		return NewCron(r.Cron, r.StartDatetime, r.EndDatetime), nil
	}
	return Policy{}, errors.InvalidUsagef("Unknown trigger type %q", r.Type)
}

// Parse converts and validates a trigger request.
func Parse(r Request, now time.Time, limits Limits) (Policy, error) {
	p, err := r.Policy()
	if err != nil {
		return Policy{}, err
	}
	if err := Validate(p, now, limits); err != nil {
		return Policy{}, err
	}
	return p, nil
}

package utils

import (
	"time"

	"github.com/robfig/cron/v3"

	"schedd/internal/errors"
)

// ParseCronExpr parses a standard 5-field cron expression.
func ParseCronExpr(cronExpr string) (cron.Schedule, error) {
	s, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, errors.InvalidUsagef("invalid cron expression %q: %v", cronExpr, err)
	}
	return s, nil
}

// EvalCronExpr returns the first activation of cronExpr strictly after from.
func EvalCronExpr(cronExpr string, from time.Time) (time.Time, error) {
	s, err := ParseCronExpr(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from), nil
}

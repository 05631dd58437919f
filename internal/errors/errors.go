// Package errors provides error handling for schedd.
//
// It re-exports github.com/cockroachdb/errors and defines the error kinds the
// scheduler surfaces to its callers. Kinds and the concrete conditions within
// them are distinct sentinels; the Is* helpers match a kind or any of its conditions:
//
//	if errors.Is(err, errors.ErrAlreadyPaused) { ... }  // precise
//	if errors.IsConflict(err) { ... }                    // kind
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New         = crdb.New
	Newf        = crdb.Newf
	Wrap        = crdb.Wrap
	Wrapf       = crdb.Wrapf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
	Mark        = crdb.Mark
)

// Error inspection
var (
	Is    = crdb.Is
	IsAny = crdb.IsAny
	As    = crdb.As
)

// Error kinds.
var (
	// ErrInvalidUsage is a user-correctable input problem.
	ErrInvalidUsage = New("invalid usage")

	// ErrNotFound indicates the job or owner does not exist.
	ErrNotFound = New("not found")

	// ErrConflict indicates the request collides with current job state.
	ErrConflict = New("conflict")

	// ErrStoreUnavailable indicates the shared job store could not be reached.
	ErrStoreUnavailable = New("job store unavailable")

	// ErrAuthRefreshFailed indicates the owner's token could not be refreshed.
	ErrAuthRefreshFailed = New("auth refresh failed")

	// ErrDispatchAbstained is the normal outcome of losing the invocation lock race.
	ErrDispatchAbstained = New("dispatch abstained")
)

// Specific conditions. Each is its own sentinel; IsConflict and IsNotFound
// also match the conditions of their kind.
var (
	ErrTaskAlreadyScheduled = New("task already scheduled")
	ErrAlreadyPaused        = New("job is already paused")
	ErrAlreadyRunning       = New("job is already running")
	ErrScheduleExhausted    = New("schedule has no future occurrence")
	ErrOwnerDeleted         = New("job owner no longer exists")
)

func IsNotFound(err error) bool {
	return err != nil && IsAny(err, ErrNotFound, ErrOwnerDeleted)
}

func IsConflict(err error) bool {
	return err != nil && IsAny(err, ErrConflict, ErrTaskAlreadyScheduled, ErrAlreadyPaused, ErrAlreadyRunning, ErrScheduleExhausted)
}

func IsInvalidUsage(err error) bool {
	return err != nil && Is(err, ErrInvalidUsage)
}

func IsStoreUnavailable(err error) bool {
	return err != nil && Is(err, ErrStoreUnavailable)
}

// InvalidUsagef creates an invalid-usage error with a formatted message.
func InvalidUsagef(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidUsage)
}

// NotFoundf creates a not-found error with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// StoreUnavailable wraps an infrastructure error from the job store.
func StoreUnavailable(err error, msg string) error {
	return Mark(Wrap(err, msg), ErrStoreUnavailable)
}

// Code maps an error onto the stable code reported to CRUD callers.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrTaskAlreadyScheduled):
		return "task_already_scheduled"
	case Is(err, ErrAlreadyPaused):
		return "already_paused"
	case Is(err, ErrAlreadyRunning):
		return "already_running"
	case Is(err, ErrScheduleExhausted):
		return "schedule_exhausted"
	case Is(err, ErrOwnerDeleted):
		return "owner_deleted"
	case Is(err, ErrInvalidUsage):
		return "invalid_usage"
	case Is(err, ErrNotFound):
		return "not_found"
	case Is(err, ErrConflict):
		return "conflict"
	case Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case Is(err, ErrAuthRefreshFailed):
		return "auth_refresh_failed"
	case Is(err, ErrDispatchAbstained):
		return "dispatch_abstained"
	default:
		return "internal"
	}
}

package utils

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var jobIDPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// GenerateJobID returns a new job id: a random UUID without dashes.
func GenerateJobID() string {
	id := uuid.New()
	return hexString(id)
}

// ValidateJobID reports whether id has the shape produced by GenerateJobID.
func ValidateJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// GenerateInvocationKey returns the per-schedule key shared by every process
// that reads the job: a time-based UUID followed by a random one.
func GenerateInvocationKey() string {
	t, err := uuid.NewUUID()
	if err != nil {
		t = uuid.New()
	}
	return hexString(t) + hexString(uuid.New())
}

// InvocationToken identifies one logical occurrence of a job. All processes
// racing to fire the same occurrence derive the same token.
func InvocationToken(invocationKey string, fireTime time.Time) string {
	return invocationKey + ":" + strconv.FormatInt(fireTime.UTC().UnixNano(), 10)
}

// GenerateWorkerId identifies a worker goroutine in logs.
func GenerateWorkerId() string {
	return uuid.New().String()
}

func hexString(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedd/internal/db"
	"schedd/internal/errors"
	"schedd/internal/logger"
)

func TestExecutionStatus(t *testing.T) {
	assert.Equal(t, db.ExecutionDispatched, ExecutionStatus(nil))
	assert.Equal(t, db.ExecutionAbstained, ExecutionStatus(errors.Mark(errors.New("lost"), errors.ErrDispatchAbstained)))
	assert.Equal(t, db.ExecutionFailed, ExecutionStatus(errors.New("boom")))
}

func TestExecutionHistory(t *testing.T) {
	jc, engine := newTestController(t)
	ctx := context.Background()

	history := NewJobExecutionController(engine.Store(), "node-a", logger.Nop())
	history.now = func() time.Time { return base }
	engine.AddListener(history)

	id, err := jc.CreateJob(ctx, userRequest(1, oneTime(base.Add(time.Hour))))
	require.NoError(t, err)
	rec, err := engine.Store().Get(ctx, id)
	require.NoError(t, err)

	history.JobFired(ctx, rec, base, nil)
	history.JobFired(ctx, rec, base.Add(time.Hour), errors.New("queue down"))

	execs, err := jc.GetJobExecutions(ctx, id)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, db.ExecutionFailed, execs[0].Status)
	assert.Equal(t, "queue down", execs[0].Error)
	assert.Equal(t, db.ExecutionDispatched, execs[1].Status)
	assert.Equal(t, "node-a", execs[1].Instance)

	_, err = jc.GetJobExecutions(ctx, "0123456789abcdef0123456789abcdef")
	assert.True(t, errors.IsNotFound(err))
}

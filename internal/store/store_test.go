package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedd/internal/db"
	"schedd/internal/errors"
	"schedd/internal/logger"
	"schedd/internal/metrics"
	"schedd/internal/trigger"
	"schedd/pkg/utils"
)

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "test:", utils.Backoff{MaxAttempts: 2, BaseDelay: time.Millisecond}, logger.Nop()), mr
}

func ownerJob(uid int64, p trigger.Policy, next *time.Time) *db.JobRecord {
	return &db.JobRecord{
		OwnerUserID:   &uid,
		Trigger:       p,
		CallbackURL:   "https://example.com/hook",
		ContentType:   db.DefaultContentType,
		RequestMethod: db.DefaultRequestMethod,
		NextFireTime:  next,
	}
}

func generalJob(task string, p trigger.Policy, next *time.Time) *db.JobRecord {
	rec := ownerJob(0, p, next)
	rec.OwnerUserID = nil
	rec.TaskName = task
	return rec
}

func at(t time.Time) *time.Time { return &t }

func ids(recs []*db.JobRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

type recordingListener struct {
	mu       sync.Mutex
	added    []string
	removing []string
}

func (l *recordingListener) JobAdded(_ context.Context, rec *db.JobRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.added = append(l.added, rec.ID)
}

func (l *recordingListener) JobRemoving(_ context.Context, rec *db.JobRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removing = append(l.removing, rec.ID)
}

func TestAddGetRemove(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	l := &recordingListener{}
	s.AddListener(l)

	id, err := s.Add(ctx, ownerJob(7, trigger.NewOneTime(base), at(base)))
	require.NoError(t, err)
	assert.True(t, utils.ValidateJobID(id))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(7), *rec.OwnerUserID)
	assert.True(t, rec.NextFireTime.Equal(base))
	assert.Len(t, rec.InvocationKey, 64)

	owned, err := s.ListByOwner(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids(owned))

	removed, err := s.Remove(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)

	owned, err = s.ListByOwner(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, owned)

	_, err = s.Get(ctx, id)
	assert.True(t, errors.IsNotFound(err))

	removed, err = s.Remove(ctx, id)
	require.NoError(t, err, "removing twice is a no-op")
	assert.False(t, removed)

	assert.Equal(t, []string{id}, l.added)
	assert.Equal(t, []string{id}, l.removing)
}

func TestAddRequiresExactlyOneIdentity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := ownerJob(1, trigger.NewOneTime(base), nil)
	rec.OwnerUserID = nil
	_, err := s.Add(ctx, rec)
	assert.True(t, errors.IsInvalidUsage(err))

	rec = ownerJob(1, trigger.NewOneTime(base), nil)
	rec.TaskName = "both"
	_, err = s.Add(ctx, rec)
	assert.True(t, errors.IsInvalidUsage(err))
}

func TestTaskNameIsUnique(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, generalJob("nightly-report", trigger.NewOneTime(base), at(base)))
	require.NoError(t, err)

	_, err = s.Add(ctx, generalJob("nightly-report", trigger.NewOneTime(base), at(base)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTaskAlreadyScheduled))
	assert.True(t, errors.IsConflict(err))

	rec, err := s.GetByTaskName(ctx, "nightly-report")
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)

	general, err := s.ListGeneral(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids(general))

	_, err = s.Remove(ctx, id)
	require.NoError(t, err)
	_, err = s.GetByTaskName(ctx, "nightly-report")
	assert.True(t, errors.IsNotFound(err))

	_, err = s.Add(ctx, generalJob("nightly-report", trigger.NewOneTime(base), at(base)))
	assert.NoError(t, err, "the name is free again once its job is gone")
}

func TestConcurrentAddSameTaskName(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Add(ctx, generalJob("sync", trigger.NewOneTime(base), at(base)))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.True(t, errors.IsConflict(err), "unexpected error %v", err)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestPauseResume(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := trigger.NewPeriodic(base, base.Add(48*time.Hour), time.Hour)

	id, err := s.Add(ctx, ownerJob(1, p, at(base)))
	require.NoError(t, err)

	rec, err := s.Pause(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec.NextFireTime)
	assert.True(t, rec.Paused())

	_, err = s.Pause(ctx, id)
	assert.True(t, errors.Is(err, errors.ErrAlreadyPaused))
	assert.False(t, errors.Is(err, errors.ErrAlreadyRunning))
	assert.Equal(t, "already_paused", errors.Code(err))

	due, err := s.Due(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due, "paused jobs are never due")

	now := base.Add(90 * time.Minute)
	rec, err = s.Resume(ctx, id, now)
	require.NoError(t, err)
	require.NotNil(t, rec.NextFireTime)
	assert.True(t, rec.NextFireTime.After(now))
	assert.True(t, rec.NextFireTime.Equal(base.Add(2*time.Hour)))

	_, err = s.Resume(ctx, id, now)
	assert.True(t, errors.Is(err, errors.ErrAlreadyRunning))
	assert.False(t, errors.Is(err, errors.ErrScheduleExhausted))
	assert.Equal(t, "already_running", errors.Code(err))

	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.NextFireTime.Equal(base.Add(2*time.Hour)))
}

func TestResumeExhausted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := trigger.NewPeriodic(base, base.Add(3*time.Hour), time.Hour)

	id, err := s.Add(ctx, ownerJob(1, p, nil))
	require.NoError(t, err)

	_, err = s.Resume(ctx, id, base.Add(5*time.Hour))
	assert.True(t, errors.Is(err, errors.ErrScheduleExhausted))
}

func TestPauseAfterRemoveIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, ownerJob(1, trigger.NewOneTime(base), at(base)))
	require.NoError(t, err)
	_, err = s.Remove(ctx, id)
	require.NoError(t, err)

	_, err = s.Pause(ctx, id)
	assert.True(t, errors.IsNotFound(err))
	_, err = s.Resume(ctx, id, base)
	assert.True(t, errors.IsNotFound(err))
}

func TestDueAndAdvance(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := trigger.NewPeriodic(base, base.Add(48*time.Hour), time.Hour)

	early, err := s.Add(ctx, ownerJob(1, p, at(base)))
	require.NoError(t, err)
	late, err := s.Add(ctx, ownerJob(2, p, at(base.Add(30*time.Minute))))
	require.NoError(t, err)
	_, err = s.Add(ctx, ownerJob(3, p, at(base.Add(2*time.Hour))))
	require.NoError(t, err)

	due, err := s.Due(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{early, late}, ids(due))

	wakeup, ok, err := s.NextWakeup(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, wakeup.Equal(base))

	next := base.Add(time.Hour)
	advanced, err := s.Advance(ctx, early, base, &next, at(base))
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = s.Advance(ctx, early, base, &next, at(base))
	require.NoError(t, err)
	assert.False(t, advanced, "a second advance of the same fire time is stale")

	rec, err := s.Get(ctx, early)
	require.NoError(t, err)
	assert.True(t, rec.NextFireTime.Equal(next))
	assert.True(t, rec.LastRunAt.Equal(base))

	advanced, err = s.Advance(ctx, late, base.Add(30*time.Minute), nil, at(base.Add(30*time.Minute)))
	require.NoError(t, err)
	assert.True(t, advanced)
	_, err = s.Get(ctx, late)
	assert.True(t, errors.IsNotFound(err), "advancing to no next fire removes the job")

	owned, err := s.ListByOwner(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, owned)
}

func TestPendingJobs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := ownerJob(1, trigger.NewOneTime(base), nil)
	rec.Pending = true
	id, err := s.Add(ctx, rec)
	require.NoError(t, err)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids(pending))

	_, err = s.Update(ctx, id, func(r *db.JobRecord) error {
		r.Pending = false
		r.NextFireTime = at(base)
		return nil
	})
	require.NoError(t, err)

	pending, err = s.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Jobs: 1, Scheduled: 1, Pending: 0}, st)
}

func TestUpdateKeepsIdentity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, ownerJob(1, trigger.NewOneTime(base), at(base)))
	require.NoError(t, err)

	rec, err := s.Update(ctx, id, func(r *db.JobRecord) error {
		other := int64(99)
		r.OwnerUserID = &other
		r.ID = "hijacked"
		r.Payload = map[string]interface{}{"campaign": "spring"}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, int64(1), *rec.OwnerUserID)
	assert.Equal(t, "spring", rec.Payload["campaign"])
}

func TestRemoveExpired(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := base.Add(10 * time.Hour)
	grace := time.Minute

	missed, err := s.Add(ctx, ownerJob(1, trigger.NewOneTime(base), at(base)))
	require.NoError(t, err)
	inGrace, err := s.Add(ctx, ownerJob(1, trigger.NewOneTime(now.Add(-10*time.Second)), at(now.Add(-10*time.Second))))
	require.NoError(t, err)
	future, err := s.Add(ctx, ownerJob(1, trigger.NewOneTime(now.Add(time.Hour)), at(now.Add(time.Hour))))
	require.NoError(t, err)

	ended := trigger.NewPeriodic(base, base.Add(3*time.Hour), time.Hour)
	endedPaused, err := s.Add(ctx, ownerJob(2, ended, nil))
	require.NoError(t, err)
	pausedOneTime, err := s.Add(ctx, ownerJob(2, trigger.NewOneTime(base), nil))
	require.NoError(t, err)

	running := trigger.NewPeriodic(base, base.Add(48*time.Hour), time.Hour)
	stillRunning, err := s.Add(ctx, ownerJob(3, running, at(base)))
	require.NoError(t, err)

	removed, err := s.RemoveExpired(ctx, now, grace)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{missed, endedPaused}, removed)

	for _, id := range []string{inGrace, future, pausedOneTime, stillRunning} {
		_, err := s.Get(ctx, id)
		assert.NoError(t, err, "job %s should survive", id)
	}
}

func TestFilterIntersectsIndexes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	periodic := ownerJob(1, trigger.NewPeriodic(base, base.Add(48*time.Hour), time.Hour), at(base))
	periodic.Category = "sms"
	a, err := s.Add(ctx, periodic)
	require.NoError(t, err)

	oneTime := ownerJob(1, trigger.NewOneTime(base), at(base))
	oneTime.Category = "email"
	b, err := s.Add(ctx, oneTime)
	require.NoError(t, err)

	cron := generalJob("digest", trigger.NewCron("0 9 * * *", nil, nil), at(base))
	cron.Category = "sms"
	c, err := s.Add(ctx, cron)
	require.NoError(t, err)

	owner := int64(1)
	tests := []struct {
		name string
		f    Filter
		want []string
	}{
		{"category", Filter{Category: "sms"}, []string{a, c}},
		{"owner and category", Filter{OwnerUserID: &owner, Category: "sms"}, []string{a}},
		{"kind", Filter{Kind: trigger.KindCron}, []string{c}},
		{"general", Filter{General: true}, []string{c}},
		{"owner", Filter{OwnerUserID: &owner}, []string{a, b}},
		{"no match", Filter{General: true, Category: "email"}, nil},
		{"everything", Filter{}, []string{a, b, c}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Filter(ctx, tt.f)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, ids(got))
		})
	}

	_, err = s.Remove(ctx, a)
	require.NoError(t, err)
	got, err := s.Filter(ctx, Filter{Category: "sms"})
	require.NoError(t, err)
	assert.Equal(t, []string{c}, ids(got))
}

func TestExecutionsAreCapped(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, ownerJob(1, trigger.NewOneTime(base), at(base)))
	require.NoError(t, err)

	for i := 0; i < executionsKept+5; i++ {
		require.NoError(t, s.RecordExecution(ctx, db.Execution{
			JobID:    id,
			FireTime: base.Add(time.Duration(i) * time.Hour),
			Status:   db.ExecutionDispatched,
		}))
	}

	execs, err := s.Executions(ctx, id)
	require.NoError(t, err)
	require.Len(t, execs, executionsKept)
	assert.True(t, execs[0].FireTime.Equal(base.Add(time.Duration(executionsKept+4)*time.Hour)), "newest first")

	_, err = s.Remove(ctx, id)
	require.NoError(t, err)
	assert.False(t, mr.Exists(s.execKey(id)))
}

func TestStoreUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Get(context.Background(), "abc")
	require.Error(t, err)
	assert.True(t, errors.IsStoreUnavailable(err))

	_, err = s.Add(context.Background(), ownerJob(1, trigger.NewOneTime(base), at(base)))
	assert.True(t, errors.IsStoreUnavailable(err))
}

func TestIndexListenerIsIdempotent(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, ownerJob(5, trigger.NewOneTime(base), at(base)))
	require.NoError(t, err)
	rec, err := s.Get(ctx, id)
	require.NoError(t, err)

	idx := &indexListener{s: s}
	idx.JobAdded(ctx, rec)
	idx.JobAdded(ctx, rec)

	list, err := mr.List(s.ownerKey(5))
	require.NoError(t, err)
	assert.Equal(t, []string{id}, list)

	idx.JobRemoving(ctx, rec)
	idx.JobRemoving(ctx, rec)
	assert.False(t, mr.Exists(s.ownerKey(5)))
}

func TestKeyPrefix(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Equal(t, "test:job:x", s.jobKey("x"))
	assert.Equal(t, fmt.Sprintf("test:owner:%d", 12), s.ownerKey(12))
	assert.Equal(t, "test:kind:cron", s.kindKey(trigger.KindCron))
}

func TestNotFoundIsNotRetried(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	s := New(rdb, "test:", utils.Backoff{MaxAttempts: 6, BaseDelay: 200 * time.Millisecond}, logger.Nop())
	ctx := context.Background()
	missing := utils.GenerateJobID()
	retries := testutil.ToFloat64(metrics.StoreRetriesTotal.WithLabelValues("get job"))

	start := time.Now()
	_, err := s.Get(ctx, missing)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.False(t, errors.IsStoreUnavailable(err))
	assert.Equal(t, "not_found", errors.Code(err))

	removed, err := s.Remove(ctx, missing)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = s.Pause(ctx, missing)
	assert.True(t, errors.IsNotFound(err))
	assert.False(t, errors.IsStoreUnavailable(err))

	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, retries, testutil.ToFloat64(metrics.StoreRetriesTotal.WithLabelValues("get job")))
}

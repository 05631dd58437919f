// Package store keeps scheduled jobs in Redis, shared by every scheduler process.
//
// Key layout, relative to the configured prefix:
//
//	job:{id}           JSON JobRecord (primary storage)
//	jobs               set of every job id
//	run_times          zset of scheduled job ids scored by next fire time (unix ms)
//	pending            set of job ids awaiting their first fire time
//	task:{name}        id of the general job holding that task name
//	executions:{id}    capped list of recent executions
//	owner:{uid}        list of job ids owned by uid         (index)
//	general            list of job ids without an owner     (index)
//	kind:{kind}        set of job ids per trigger kind      (index)
//	category:{name}    set of job ids per category          (index)
//
// Primary keys are written in a single MULTI/EXEC. Index keys are maintained
// by listeners, after the primary write on add and before the delete on remove,
// so a job listed in an index is always present in primary storage or about to
// be dropped from the index.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"schedd/internal/cache/redishandler"
	"schedd/internal/db"
	"schedd/internal/errors"
	"schedd/internal/metrics"
	"schedd/internal/trigger"
	"schedd/pkg/utils"
)

const (
	maxTxAttempts  = 8
	executionsKept = 50

	// History of a removed job, such as a fired one-time job, ages out.
	executionsTTL = 7 * 24 * time.Hour
)

// Listener observes store mutations. Implementations must tolerate being called
// for jobs that another process inserted, and for the same job more than once.
type Listener interface {
	JobAdded(ctx context.Context, rec *db.JobRecord)
	JobRemoving(ctx context.Context, rec *db.JobRecord)
}

// Stats summarises the store contents.
type Stats struct {
	Jobs      int64 `json:"jobs"`
	Scheduled int64 `json:"scheduled"`
	Pending   int64 `json:"pending"`
}

type Store struct {
	rdb     redis.UniversalClient
	prefix  string
	backoff utils.Backoff
	log     *zap.SugaredLogger

	mu        sync.RWMutex
	listeners []Listener
}

// New returns a Store using rdb. The owner, general, kind and category indexes
// are registered as the first listener.
func New(rdb redis.UniversalClient, prefix string, backoff utils.Backoff, log *zap.SugaredLogger) *Store {
	s := &Store{rdb: rdb, prefix: prefix, backoff: backoff, log: log}
	s.listeners = []Listener{&indexListener{s: s}}
	return s
}

func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) snapshotListeners() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Listener(nil), s.listeners...)
}

// Key returns the namespaced Redis key for parts.
func (s *Store) Key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

func (s *Store) jobKey(id string) string { return s.Key("job", id) }

func (s *Store) taskKey(name string) string { return s.Key("task", name) }

func (s *Store) execKey(id string) string { return s.Key("executions", id) }

func (s *Store) ownerKey(uid int64) string { return s.Key("owner", strconv.FormatInt(uid, 10)) }

func (s *Store) kindKey(kind trigger.Kind) string { return s.Key("kind", string(kind)) }

func (s *Store) categoryKey(c string) string { return s.Key("category", c) }

func (s *Store) allKey() string { return s.Key("jobs") }

func (s *Store) runTimesKey() string { return s.Key("run_times") }

func (s *Store) pendingKey() string { return s.Key("pending") }

func (s *Store) generalKey() string { return s.Key("general") }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// read runs an idempotent read with bounded backoff on connection errors.
func (s *Store) read(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	err := utils.Retry(ctx, s.backoff, retryable, func() error {
		if attempt++; attempt > 1 {
			metrics.StoreRetriesTotal.WithLabelValues(op).Inc()
		}
		return fn()
	})
	return s.fail(err, op)
}

// retryable reports whether a failed read may succeed if repeated. Domain
// errors raised inside a read are final.
func retryable(err error) bool {
	if errors.IsNotFound(err) || errors.IsConflict(err) || errors.IsInvalidUsage(err) {
		return false
	}
	return redishandler.IsConnectionError(err)
}

func (s *Store) fail(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.IsNotFound(err), errors.IsConflict(err), errors.IsInvalidUsage(err):
		return err
	case redishandler.IsConnectionError(err):
		return errors.StoreUnavailable(err, op)
	}
	return errors.Wrap(err, op)
}

func decode(raw string) (*db.JobRecord, error) {
	var rec db.JobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, errors.Wrap(err, "decode job record")
	}
	return &rec, nil
}

func checkIdentity(rec *db.JobRecord) error {
	switch {
	case rec.OwnerUserID == nil && rec.TaskName == "":
		return errors.InvalidUsagef("Missing task_name for a job without user_id")
	case rec.OwnerUserID != nil && rec.TaskName != "":
		return errors.InvalidUsagef("task_name is only allowed for jobs without user_id")
	}
	return nil
}

// Add inserts rec and returns its id. An id, invocation key and timestamps are
// generated when absent. A general job whose task name is held by another
// live job fails with ErrTaskAlreadyScheduled.
func (s *Store) Add(ctx context.Context, rec *db.JobRecord) (string, error) {
	if err := checkIdentity(rec); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = utils.GenerateJobID()
	}
	if rec.InvocationKey == "" {
		rec.InvocationKey = utils.GenerateInvocationKey()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	raw, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, "encode job record")
	}

	watch := []string{s.jobKey(rec.ID)}
	if rec.TaskName != "" {
		watch = append(watch, s.taskKey(rec.TaskName))
	}

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, s.jobKey(rec.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errors.Mark(errors.Newf("job %s already exists", rec.ID), errors.ErrConflict)
		}
		if rec.TaskName != "" {
			holder, err := tx.Get(ctx, s.taskKey(rec.TaskName)).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if holder != "" {
				live, err := tx.Exists(ctx, s.jobKey(holder)).Result()
				if err != nil {
					return err
				}
				if live > 0 {
					return errors.WithDetailf(errors.ErrTaskAlreadyScheduled, "task %q is held by job %s", rec.TaskName, holder)
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(rec.ID), raw, 0)
			pipe.SAdd(ctx, s.allKey(), rec.ID)
			if rec.TaskName != "" {
				pipe.Set(ctx, s.taskKey(rec.TaskName), rec.ID, 0)
			}
			if rec.Pending {
				pipe.SAdd(ctx, s.pendingKey(), rec.ID)
			}
			if rec.NextFireTime != nil {
				pipe.ZAdd(ctx, s.runTimesKey(), &redis.Z{Score: score(*rec.NextFireTime), Member: rec.ID})
			}
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, watch...); err != nil {
		return "", s.fail(err, "add job")
	}

	for _, l := range s.snapshotListeners() {
		l.JobAdded(ctx, rec)
	}
	s.log.Debugw("Job added", "job_id", rec.ID, "kind", rec.Trigger.Kind, "pending", rec.Pending)
	return rec.ID, nil
}

func (s *Store) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxTxAttempts; i++ {
		err = s.rdb.Watch(ctx, txf, keys...)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return errors.Mark(errors.Wrap(err, "too many concurrent writers"), errors.ErrConflict)
}

// Get returns the job with id, or an ErrNotFound-kind error.
func (s *Store) Get(ctx context.Context, id string) (*db.JobRecord, error) {
	var rec *db.JobRecord
	err := s.read(ctx, "get job", func() error {
		raw, err := s.rdb.Get(ctx, s.jobKey(id)).Result()
		if err == redis.Nil {
			return errors.NotFoundf("job %s not found", id)
		}
		if err != nil {
			return err
		}
		rec, err = decode(raw)
		return err
	})
	return rec, err
}

// GetByTaskName returns the general job holding name.
func (s *Store) GetByTaskName(ctx context.Context, name string) (*db.JobRecord, error) {
	var id string
	err := s.read(ctx, "get task", func() error {
		var err error
		id, err = s.rdb.Get(ctx, s.taskKey(name)).Result()
		if err == redis.Nil {
			return errors.NotFoundf("task %q not found", name)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	rec, err := s.Get(ctx, id)
	if errors.IsNotFound(err) {
		return nil, errors.NotFoundf("task %q not found", name)
	}
	return rec, err
}

// loadMany fetches ids in one round trip. Ids whose record has vanished are skipped.
func (s *Store) loadMany(ctx context.Context, op string, ids []string) ([]*db.JobRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}

	var out []*db.JobRecord
	err := s.read(ctx, op, func() error {
		vals, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		out = out[:0]
		for _, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			rec, err := decode(raw)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *Store) listIDs(ctx context.Context, op, key string) ([]string, error) {
	var ids []string
	err := s.read(ctx, op, func() error {
		var err error
		ids, err = s.rdb.LRange(ctx, key, 0, -1).Result()
		return err
	})
	return ids, err
}

func (s *Store) setIDs(ctx context.Context, op, key string) ([]string, error) {
	var ids []string
	err := s.read(ctx, op, func() error {
		var err error
		ids, err = s.rdb.SMembers(ctx, key).Result()
		return err
	})
	return ids, err
}

// ListByOwner returns the jobs of uid in insertion order.
func (s *Store) ListByOwner(ctx context.Context, uid int64) ([]*db.JobRecord, error) {
	ids, err := s.listIDs(ctx, "list owner jobs", s.ownerKey(uid))
	if err != nil {
		return nil, err
	}
	return s.loadMany(ctx, "list owner jobs", ids)
}

// ListGeneral returns the jobs without an owner in insertion order.
func (s *Store) ListGeneral(ctx context.Context) ([]*db.JobRecord, error) {
	ids, err := s.listIDs(ctx, "list general jobs", s.generalKey())
	if err != nil {
		return nil, err
	}
	return s.loadMany(ctx, "list general jobs", ids)
}

// ListAll returns every job, ordered by id.
func (s *Store) ListAll(ctx context.Context) ([]*db.JobRecord, error) {
	ids, err := s.setIDs(ctx, "list jobs", s.allKey())
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return s.loadMany(ctx, "list jobs", ids)
}

// Remove deletes the job and all its index entries. Removing an unknown id is
// a no-op and reports false.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	rec, err := s.Get(ctx, id)
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.remove(ctx, rec)
}

func (s *Store) remove(ctx context.Context, rec *db.JobRecord) (bool, error) {
	for _, l := range s.snapshotListeners() {
		l.JobRemoving(ctx, rec)
	}

	var deleted int64
	watch := []string{s.jobKey(rec.ID)}
	if rec.TaskName != "" {
		watch = append(watch, s.taskKey(rec.TaskName))
	}
	txf := func(tx *redis.Tx) error {
		ownsTask := false
		if rec.TaskName != "" {
			holder, err := tx.Get(ctx, s.taskKey(rec.TaskName)).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			ownsTask = holder == rec.ID
		}
		cmds, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.jobKey(rec.ID))
			pipe.SRem(ctx, s.allKey(), rec.ID)
			pipe.ZRem(ctx, s.runTimesKey(), rec.ID)
			pipe.SRem(ctx, s.pendingKey(), rec.ID)
			pipe.Del(ctx, s.execKey(rec.ID))
			if ownsTask {
				pipe.Del(ctx, s.taskKey(rec.TaskName))
			}
			return nil
		})
		if err != nil {
			return err
		}
		deleted = cmds[0].(*redis.IntCmd).Val()
		return nil
	}
	if err := s.watch(ctx, txf, watch...); err != nil {
		return false, s.fail(err, "remove job")
	}
	if deleted > 0 {
		s.log.Debugw("Job removed", "job_id", rec.ID)
	}
	return deleted > 0, nil
}

// Update loads the job, applies fn and stores the result atomically. The
// identity fields (id, owner, task name, category) cannot be changed. fn
// errors abort the update and are returned unchanged.
func (s *Store) Update(ctx context.Context, id string, fn func(rec *db.JobRecord) error) (*db.JobRecord, error) {
	var out *db.JobRecord
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, s.jobKey(id)).Result()
		if err == redis.Nil {
			return errors.NotFoundf("job %s not found", id)
		}
		if err != nil {
			return err
		}
		rec, err := decode(raw)
		if err != nil {
			return err
		}
		orig := rec.Clone()
		if err := fn(rec); err != nil {
			return err
		}
		rec.ID, rec.OwnerUserID, rec.TaskName, rec.Category = orig.ID, orig.OwnerUserID, orig.TaskName, orig.Category
		rec.UpdatedAt = time.Now().UTC()

		enc, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "encode job record")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(id), enc, 0)
			if rec.NextFireTime != nil {
				pipe.ZAdd(ctx, s.runTimesKey(), &redis.Z{Score: score(*rec.NextFireTime), Member: id})
			} else {
				pipe.ZRem(ctx, s.runTimesKey(), id)
			}
			if rec.Pending {
				pipe.SAdd(ctx, s.pendingKey(), id)
			} else {
				pipe.SRem(ctx, s.pendingKey(), id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	}
	if err := s.watch(ctx, txf, s.jobKey(id)); err != nil {
		return nil, s.fail(err, "update job")
	}
	return out, nil
}

// Pause clears the next fire time of the job.
func (s *Store) Pause(ctx context.Context, id string) (*db.JobRecord, error) {
	return s.Update(ctx, id, func(rec *db.JobRecord) error {
		if rec.Paused() {
			return errors.WithDetailf(errors.ErrAlreadyPaused, "job %s", id)
		}
		rec.NextFireTime = nil
		rec.Pending = false
		return nil
	})
}

// Resume recomputes the next fire time of a paused job from now. A schedule
// with no remaining occurrence fails with ErrScheduleExhausted.
func (s *Store) Resume(ctx context.Context, id string, now time.Time) (*db.JobRecord, error) {
	return s.Update(ctx, id, func(rec *db.JobRecord) error {
		if !rec.Paused() {
			return errors.WithDetailf(errors.ErrAlreadyRunning, "job %s", id)
		}
		next, ok := rec.Trigger.ResumeTime(now)
		if !ok {
			return errors.WithDetailf(errors.ErrScheduleExhausted, "job %s", id)
		}
		next = next.UTC()
		rec.NextFireTime = &next
		return nil
	})
}

// Advance moves a scheduled job from fired to next, provided its stored next
// fire time still equals fired. It reports false when another process already
// advanced, paused or removed the job. A nil next removes the job. ranAt is
// recorded as the last run unless nil (a skipped misfire).
func (s *Store) Advance(ctx context.Context, id string, fired time.Time, next, ranAt *time.Time) (bool, error) {
	stale := errors.New("stale fire time")
	rec, err := s.Update(ctx, id, func(rec *db.JobRecord) error {
		if rec.NextFireTime == nil || !rec.NextFireTime.Equal(fired) {
			return stale
		}
		if ranAt != nil {
			r := ranAt.UTC()
			rec.LastRunAt = &r
		}
		if next != nil {
			n := next.UTC()
			rec.NextFireTime = &n
		}
		return nil
	})
	switch {
	case errors.Is(err, stale), errors.IsNotFound(err):
		return false, nil
	case err != nil:
		return false, err
	}
	if next == nil {
		if _, err := s.remove(ctx, rec); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Due returns scheduled jobs whose next fire time is at or before now, earliest first.
func (s *Store) Due(ctx context.Context, now time.Time) ([]*db.JobRecord, error) {
	var ids []string
	err := s.read(ctx, "load due jobs", func() error {
		zs, err := s.rdb.ZRangeByScoreWithScores(ctx, s.runTimesKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(now.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, z := range zs {
			ids = append(ids, z.Member.(string))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	recs, err := s.loadMany(ctx, "load due jobs", ids)
	if err != nil {
		return nil, err
	}
	due := recs[:0]
	for _, rec := range recs {
		if rec.NextFireTime != nil && !rec.NextFireTime.After(now) {
			due = append(due, rec)
		}
	}
	return due, nil
}

// NextWakeup returns the earliest scheduled fire time, if any.
func (s *Store) NextWakeup(ctx context.Context) (time.Time, bool, error) {
	var zs []redis.Z
	err := s.read(ctx, "load next wakeup", func() error {
		var err error
		zs, err = s.rdb.ZRangeWithScores(ctx, s.runTimesKey(), 0, 0).Result()
		return err
	})
	if err != nil || len(zs) == 0 {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(zs[0].Score)).UTC(), true, nil
}

// Pending returns jobs that have no first fire time yet.
func (s *Store) Pending(ctx context.Context) ([]*db.JobRecord, error) {
	ids, err := s.setIDs(ctx, "load pending jobs", s.pendingKey())
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return s.loadMany(ctx, "load pending jobs", ids)
}

// RemoveExpired deletes jobs that can never fire again:
// scheduled jobs whose fire time is more than grace in the past and whose
// trigger has no occurrence after now, and paused recurring jobs whose
// trigger is exhausted. Pending jobs are left to the engine.
func (s *Store) RemoveExpired(ctx context.Context, now time.Time, grace time.Duration) ([]string, error) {
	recs, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, rec := range recs {
		if !expired(rec, now, grace) {
			continue
		}
		ok, err := s.remove(ctx, rec)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, rec.ID)
		}
	}
	if len(removed) > 0 {
		s.log.Infow("Removed expired jobs", "count", len(removed))
	}
	return removed, nil
}

func expired(rec *db.JobRecord, now time.Time, grace time.Duration) bool {
	switch {
	case rec.Pending:
		return false
	case rec.Paused():
		return rec.Trigger.Kind != trigger.KindOneTime && rec.Trigger.Exhausted(now)
	}
	return rec.NextFireTime.Before(now.Add(-grace)) && rec.Trigger.Exhausted(now)
}

// RecordExecution prepends exec to the job's history, keeping the newest entries.
func (s *Store) RecordExecution(ctx context.Context, exec db.Execution) error {
	raw, err := json.Marshal(exec)
	if err != nil {
		return errors.Wrap(err, "encode execution")
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.execKey(exec.JobID), raw)
		pipe.LTrim(ctx, s.execKey(exec.JobID), 0, executionsKept-1)
		pipe.Expire(ctx, s.execKey(exec.JobID), executionsTTL)
		return nil
	})
	return s.fail(err, "record execution")
}

// Executions returns the recorded history of a job, newest first.
func (s *Store) Executions(ctx context.Context, id string) ([]db.Execution, error) {
	var raws []string
	err := s.read(ctx, "load executions", func() error {
		var err error
		raws, err = s.rdb.LRange(ctx, s.execKey(id), 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]db.Execution, 0, len(raws))
	for _, raw := range raws {
		var e db.Execution
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, errors.Wrap(err, "decode execution")
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.read(ctx, "load stats", func() error {
		pipe := s.rdb.Pipeline()
		all := pipe.SCard(ctx, s.allKey())
		sched := pipe.ZCard(ctx, s.runTimesKey())
		pend := pipe.SCard(ctx, s.pendingKey())
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		st = Stats{Jobs: all.Val(), Scheduled: sched.Val(), Pending: pend.Val()}
		metrics.ScheduledJobs.Set(float64(st.Scheduled))
		return nil
	})
	return st, err
}

// Package scheduler runs the per-process scheduling loop.
//
// Every schedd process runs one Engine against the shared job store. Each
// poll the engine resolves pending jobs, then hands every due job to a
// bounded worker pool. The loop itself never performs a dispatch, so a slow
// callback cannot delay other jobs. Workers dispatch, then advance the job
// conditionally: when several processes fire the same occurrence only one
// advance applies and the invocation lock lets only one dispatch through.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"schedd/internal/config"
	"schedd/internal/db"
	"schedd/internal/errors"
	"schedd/internal/metrics"
	"schedd/internal/store"
	"schedd/internal/trigger"
	"schedd/pkg/utils"
)

// Dispatcher performs the side effect of one fire.
type Dispatcher interface {
	Run(ctx context.Context, rec *db.JobRecord, fireTime time.Time) error
}

// Listener observes job lifecycle events. Store events are delivered for jobs
// added or removed by any process that shares this listener's registration;
// JobFired only for fires attempted by this process.
type Listener interface {
	store.Listener
	JobFired(ctx context.Context, rec *db.JobRecord, fireTime time.Time, err error)
}

type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type fire struct {
	rec      *db.JobRecord
	fireTime time.Time
}

func (f fire) key() string {
	return utils.InvocationToken(f.rec.ID, f.fireTime)
}

type Engine struct {
	store      *store.Store
	dispatcher Dispatcher
	cfg        config.SchedulerConfig
	log        *zap.SugaredLogger
	now        func() time.Time

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	tasks     chan fire
	workers   sync.WaitGroup
	listeners []Listener

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func New(st *store.Store, d Dispatcher, cfg config.SchedulerConfig, log *zap.SugaredLogger, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		dispatcher: d,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		inflight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Store() *store.Store {
	return e.store
}

// AddListener registers l for store events and for fires of this process.
func (e *Engine) AddListener(l Listener) {
	e.store.AddListener(l)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start launches the worker pool and the poll loop. It must be called once per process.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	e.tasks = make(chan fire, e.cfg.PoolQueueSize)
	e.running = true

	e.startWorkers()
	go e.loop(ctx)

	e.log.Infow("Scheduler started",
		"poll_interval", e.cfg.PollInterval,
		"pool_size", e.cfg.PoolSize,
		"misfire_grace", e.cfg.MisfireGrace)
	return nil
}

// Shutdown stops polling and waits for in-flight fires to finish.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel, loopDone, tasks := e.cancel, e.loopDone, e.tasks
	e.mu.Unlock()

	cancel()
	<-loopDone
	close(tasks)
	e.workers.Wait()
	e.log.Infow("Scheduler stopped")
}

func (e *Engine) startWorkers() {
	size := e.cfg.PoolSize
	if size < 1 {
		size = 1
	}
	for i := 0; i < size; i++ {
		e.workers.Add(1)
		go func(tasks <-chan fire) {
			defer e.workers.Done()
			workerID := utils.GenerateWorkerId()
			for f := range tasks {
				metrics.PoolQueueLength.Set(float64(len(tasks)))
				e.fire(context.Background(), f, workerID)
				e.done(f)
			}
		}(e.tasks)
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)

	poll := time.NewTimer(e.cfg.PollInterval)
	defer poll.Stop()
	sweepInterval := e.cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	e.poll(ctx)
	poll.Reset(e.pollDelay(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			e.poll(ctx)
			poll.Reset(e.pollDelay(ctx))
		case <-sweep.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.log.Warnw("Expired job sweep failed", "error", err)
			}
		}
	}
}

// pollDelay is the time until the next poll: the poll interval, or less when
// the earliest scheduled fire time comes sooner.
func (e *Engine) pollDelay(ctx context.Context) time.Duration {
	delay := e.cfg.PollInterval
	wakeup, ok, err := e.store.NextWakeup(ctx)
	if err != nil {
		e.log.Debugw("Failed to load next wakeup", "error", err)
		return delay
	}
	if !ok {
		return delay
	}
	// A due job that is still in flight keeps the wakeup in the past.
	floor := delay / 10
	if d := wakeup.Sub(e.now()); d < delay {
		delay = d
	}
	if delay < floor {
		delay = floor
	}
	return delay
}

// poll resolves pending jobs and enqueues due ones. It never blocks on the pool.
func (e *Engine) poll(ctx context.Context) {
	now := e.now()

	pending, err := e.store.Pending(ctx)
	if err != nil {
		e.log.Warnw("Failed to load pending jobs", "error", err)
	}
	for _, rec := range pending {
		e.activate(ctx, rec, now)
	}

	due, err := e.store.Due(ctx, now)
	if err != nil {
		e.log.Warnw("Failed to load due jobs", "error", err)
		return
	}
	// Run-time scores have millisecond resolution; order on the exact fire time.
	byID := make(map[string]*db.JobRecord, len(due))
	items := make([]*utils.FireItem, 0, len(due))
	for _, rec := range due {
		byID[rec.ID] = rec
		items = append(items, &utils.FireItem{JobID: rec.ID, FireTime: *rec.NextFireTime})
	}
	for _, item := range utils.OrderByFireTime(items) {
		rec, fireTime := byID[item.JobID], item.FireTime
		if now.Sub(fireTime) > e.cfg.MisfireGrace {
			e.skipMisfire(ctx, rec, fireTime, now)
			continue
		}
		e.enqueue(fire{rec: rec, fireTime: fireTime})
	}
	metrics.PoolQueueLength.Set(float64(len(e.tasks)))
}

func (e *Engine) enqueue(f fire) {
	key := f.key()
	e.inflightMu.Lock()
	if _, busy := e.inflight[key]; busy {
		e.inflightMu.Unlock()
		return
	}
	e.inflight[key] = struct{}{}
	e.inflightMu.Unlock()

	select {
	case e.tasks <- f:
	default:
		e.done(f)
		metrics.MisfiresTotal.WithLabelValues("pool_full").Inc()
		e.log.Warnw("Worker pool queue full, fire deferred", "job_id", f.rec.ID, "fire_time", f.fireTime)
	}
}

func (e *Engine) done(f fire) {
	e.inflightMu.Lock()
	delete(e.inflight, f.key())
	e.inflightMu.Unlock()
}

// activate computes the first fire time of a pending job.
func (e *Engine) activate(ctx context.Context, rec *db.JobRecord, now time.Time) {
	first, ok := rec.Trigger.First(now, e.cfg.MisfireGrace)
	if !ok {
		if _, err := e.store.Remove(ctx, rec.ID); err != nil {
			e.log.Warnw("Failed to remove exhausted pending job", "job_id", rec.ID, "error", err)
			return
		}
		metrics.JobsRemovedTotal.WithLabelValues("exhausted").Inc()
		e.log.Infow("Removed pending job with no occurrence", "job_id", rec.ID)
		return
	}

	_, err := e.store.Update(ctx, rec.ID, func(r *db.JobRecord) error {
		if !r.Pending {
			return nil
		}
		r.Pending = false
		r.NextFireTime = &first
		return nil
	})
	if err != nil && !errors.IsNotFound(err) {
		e.log.Warnw("Failed to schedule pending job", "job_id", rec.ID, "error", err)
		return
	}
	e.log.Debugw("Job scheduled", "job_id", rec.ID, "next_fire_time", first)
}

func (e *Engine) skipMisfire(ctx context.Context, rec *db.JobRecord, fireTime, now time.Time) {
	next := nextAfter(rec.Trigger, now)
	advanced, err := e.store.Advance(ctx, rec.ID, fireTime, next, nil)
	if err != nil {
		e.log.Warnw("Failed to skip misfired job", "job_id", rec.ID, "error", err)
		return
	}
	if !advanced {
		return
	}
	metrics.MisfiresTotal.WithLabelValues("late").Inc()
	if next == nil {
		metrics.JobsRemovedTotal.WithLabelValues("expired").Inc()
	}
	e.log.Infow("Skipped misfired job", "job_id", rec.ID, "fire_time", fireTime, "late_by", now.Sub(fireTime), "next_fire_time", next)
}

func nextAfter(p trigger.Policy, t time.Time) *time.Time {
	next, ok := p.Next(t)
	if !ok {
		return nil
	}
	return &next
}

// fire dispatches one occurrence and advances the job.
func (e *Engine) fire(ctx context.Context, f fire, workerID string) {
	rec, err := e.store.Get(ctx, f.rec.ID)
	if errors.IsNotFound(err) {
		return
	}
	if err != nil {
		e.log.Warnw("Failed to reload job before firing", "job_id", f.rec.ID, "error", err)
		return
	}
	if rec.NextFireTime == nil || !rec.NextFireTime.Equal(f.fireTime) {
		return
	}

	start := e.now()
	metrics.FireLagSeconds.Observe(start.Sub(f.fireTime).Seconds())

	runErr := e.dispatcher.Run(ctx, rec, f.fireTime)
	switch {
	case runErr == nil:
		metrics.JobsFiredTotal.WithLabelValues(string(rec.Trigger.Kind), db.ExecutionDispatched).Inc()
		e.log.Infow("Job dispatched", "job_id", rec.ID, "fire_time", f.fireTime, "worker_id", workerID)
	case errors.Is(runErr, errors.ErrDispatchAbstained):
		metrics.JobsFiredTotal.WithLabelValues(string(rec.Trigger.Kind), db.ExecutionAbstained).Inc()
		e.log.Infow("Dispatch abstained", "job_id", rec.ID, "fire_time", f.fireTime, "reason", runErr)
	case errors.Is(runErr, errors.ErrOwnerDeleted) && rec.OwnerUserID != nil:
		e.notifyFired(ctx, rec, f.fireTime, runErr)
		e.removeOwnerJobs(ctx, *rec.OwnerUserID)
		return
	default:
		metrics.JobsFiredTotal.WithLabelValues(string(rec.Trigger.Kind), db.ExecutionFailed).Inc()
		e.log.Warnw("Dispatch failed", "job_id", rec.ID, "fire_time", f.fireTime, "error", runErr)
	}

	now := e.now()
	if now.Before(f.fireTime) {
		now = f.fireTime
	}
	next := nextAfter(rec.Trigger, now)
	advanced, err := e.store.Advance(ctx, rec.ID, f.fireTime, next, &start)
	if err != nil {
		e.log.Warnw("Failed to advance job", "job_id", rec.ID, "error", err)
	} else if advanced && next == nil {
		metrics.JobsRemovedTotal.WithLabelValues("completed").Inc()
		e.log.Infow("Job completed", "job_id", rec.ID)
	}
	e.notifyFired(ctx, rec, f.fireTime, runErr)
}

func (e *Engine) notifyFired(ctx context.Context, rec *db.JobRecord, fireTime time.Time, err error) {
	e.mu.Lock()
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()
	for _, l := range listeners {
		l.JobFired(ctx, rec, fireTime, err)
	}
}

func (e *Engine) removeOwnerJobs(ctx context.Context, uid int64) {
	n, err := e.RemoveOwnerJobs(ctx, uid)
	if err != nil {
		e.log.Warnw("Failed to cancel jobs of deleted owner", "user_id", uid, "error", err)
		return
	}
	e.log.Infow("Cancelled jobs of deleted owner", "user_id", uid, "count", n)
}

// RemoveOwnerJobs removes every job owned by uid and returns how many were removed.
func (e *Engine) RemoveOwnerJobs(ctx context.Context, uid int64) (int, error) {
	recs, err := e.store.ListByOwner(ctx, uid)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		removed, err := e.store.Remove(ctx, rec.ID)
		if err != nil {
			return n, err
		}
		if removed {
			n++
			metrics.JobsRemovedTotal.WithLabelValues("owner_deleted").Inc()
		}
	}
	return n, nil
}

// AddJob stores rec. A running engine computes the first fire time
// immediately; otherwise the job stays pending until the next poll of any engine.
func (e *Engine) AddJob(ctx context.Context, rec *db.JobRecord) (string, error) {
	rec.NextFireTime = nil
	rec.Pending = true
	if e.Running() {
		first, ok := rec.Trigger.First(e.now(), e.cfg.MisfireGrace)
		if !ok {
			return "", errors.InvalidUsagef("trigger has no future occurrence")
		}
		rec.Pending = false
		rec.NextFireTime = &first
	}
	return e.store.Add(ctx, rec)
}

func (e *Engine) PauseJob(ctx context.Context, id string) (*db.JobRecord, error) {
	return e.store.Pause(ctx, id)
}

// ResumeJob resumes a paused job. A job whose schedule has ended is removed
// and ErrScheduleExhausted returned.
func (e *Engine) ResumeJob(ctx context.Context, id string) (*db.JobRecord, error) {
	rec, err := e.store.Resume(ctx, id, e.now())
	if errors.Is(err, errors.ErrScheduleExhausted) {
		if _, rmErr := e.store.Remove(ctx, id); rmErr != nil {
			e.log.Warnw("Failed to remove exhausted job", "job_id", id, "error", rmErr)
		} else {
			metrics.JobsRemovedTotal.WithLabelValues("exhausted").Inc()
		}
	}
	return rec, err
}

// RescheduleJob replaces the trigger, and the payload when non-nil. A paused
// job stays paused. The invocation key is regenerated.
func (e *Engine) RescheduleJob(ctx context.Context, id string, p trigger.Policy, payload map[string]interface{}) (*db.JobRecord, error) {
	now := e.now()
	return e.store.Update(ctx, id, func(rec *db.JobRecord) error {
		paused := rec.Paused()
		rec.Trigger = p
		if payload != nil {
			rec.Payload = payload
		}
		rec.InvocationKey = utils.GenerateInvocationKey()
		if paused {
			return nil
		}
		first, ok := p.First(now, e.cfg.MisfireGrace)
		if !ok {
			return errors.WithDetailf(errors.ErrScheduleExhausted, "job %s", id)
		}
		rec.Pending = false
		rec.NextFireTime = &first
		return nil
	})
}

func (e *Engine) RemoveJob(ctx context.Context, id string) (bool, error) {
	return e.store.Remove(ctx, id)
}

// Sweep removes jobs that can never fire again.
func (e *Engine) Sweep(ctx context.Context) ([]string, error) {
	removed, err := e.store.RemoveExpired(ctx, e.now(), e.cfg.MisfireGrace)
	metrics.JobsRemovedTotal.WithLabelValues("expired").Add(float64(len(removed)))
	return removed, err
}

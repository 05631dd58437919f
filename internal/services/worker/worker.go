package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"schedd/internal/config"
	"schedd/internal/db"
	"schedd/internal/errors"
	"schedd/internal/metrics"
	"schedd/pkg/utils"
)

const dequeueTimeout = time.Second

type Worker struct {
	Id string
}

// WorkerPool delivers queued callbacks. Deliveries across all workers of the
// pool share one rate limit; failures after retries go to the dead-letter list.
type WorkerPool struct {
	queue   *Queue
	client  *retryablehttp.Client
	limiter *rate.Limiter
	size    int
	log     *zap.SugaredLogger
	wg      sync.WaitGroup

	// deliveryTimeout bounds one delivery including its retries.
	deliveryTimeout time.Duration
}

func NewWorkerPool(q *Queue, cfg config.DeliveryConfig, log *zap.SugaredLogger) *WorkerPool {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.HTTPClient.Timeout = cfg.HTTPTimeout
	client.Logger = leveledLogger{log.Named("delivery")}

	size := cfg.Workers
	if size < 1 {
		size = 1
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	attempts := time.Duration(cfg.MaxRetries + 1)
	return &WorkerPool{
		queue:           q,
		client:          client,
		limiter:         rate.NewLimiter(limit, burst),
		size:            size,
		log:             log,
		deliveryTimeout: attempts*cfg.HTTPTimeout + (attempts-1)*client.RetryWaitMax,
	}
}

// Run starts the workers. They stop when ctx is cancelled; Wait blocks until
// they have. A delivery already in flight runs to completion.
func (wp *WorkerPool) Run(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		wp.wg.Add(1)
		go func() {
			defer wp.wg.Done()
			w := &Worker{Id: utils.GenerateWorkerId()}
			wp.log.Debugw("Delivery worker started", "worker_id", w.Id)
			for ctx.Err() == nil {
				task, err := wp.queue.Dequeue(ctx, dequeueTimeout)
				if err != nil {
					if ctx.Err() == nil {
						wp.log.Warnw("Failed to dequeue delivery", "worker_id", w.Id, "error", err)
						time.Sleep(dequeueTimeout)
					}
					continue
				}
				if task == nil {
					continue
				}
				if err := wp.limiter.Wait(ctx); err != nil {
					// Shutting down: put the task back for another process.
					if err := wp.queue.Enqueue(context.Background(), task); err != nil {
						wp.log.Errorw("Failed to requeue delivery", "job_id", task.JobID, "error", err)
					}
					return
				}
				w.deliver(ctx, wp, task)
			}
		}()
	}
}

func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

func (w *Worker) deliver(ctx context.Context, wp *WorkerPool, task *db.DeliveryTask) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wp.deliveryTimeout)
	defer cancel()

	start := time.Now()
	err := wp.send(ctx, task)
	metrics.DeliveryDurationSeconds.WithLabelValues(strings.ToUpper(task.RequestMethod)).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
		wp.log.Infow("Callback delivered", "job_id", task.JobID, "fire_time", task.FireTime, "worker_id", w.Id)
		return
	}

	metrics.DeliveriesTotal.WithLabelValues("dead_lettered").Inc()
	wp.log.Errorw("Callback delivery failed", "job_id", task.JobID, "url", task.URL, "worker_id", w.Id, "error", err)
	task.Error = err.Error()
	if err := wp.queue.DeadLetter(context.Background(), task); err != nil {
		wp.log.Errorw("Failed to dead-letter delivery", "job_id", task.JobID, "error", err)
	}
}

func (wp *WorkerPool) send(ctx context.Context, task *db.DeliveryTask) error {
	req, err := newRequest(ctx, task)
	if err != nil {
		return err
	}
	resp, err := wp.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send callback")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 400 {
		return errors.Newf("callback returned %d", resp.StatusCode)
	}
	return nil
}

func newRequest(ctx context.Context, task *db.DeliveryTask) (*retryablehttp.Request, error) {
	method := strings.ToUpper(task.RequestMethod)
	if method == "" {
		method = http.MethodPost
	}
	target := task.URL
	contentType := task.ContentType
	if contentType == "" {
		contentType = db.DefaultContentType
	}

	var body []byte
	switch {
	case method == http.MethodGet:
		if len(task.Payload) > 0 {
			u, err := url.Parse(target)
			if err != nil {
				return nil, errors.Wrap(err, "parse callback url")
			}
			q := u.Query()
			for k, v := range task.Payload {
				q.Set(k, fmt.Sprint(v))
			}
			u.RawQuery = q.Encode()
			target = u.String()
		}
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		form := url.Values{}
		for k, v := range task.Payload {
			form.Set(k, fmt.Sprint(v))
		}
		body = []byte(form.Encode())
	default:
		raw, err := json.Marshal(task.Payload)
		if err != nil {
			return nil, errors.Wrap(err, "encode callback payload")
		}
		body = raw
	}

	var reader interface{}
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errors.Wrap(err, "build callback request")
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if task.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+task.AccessToken)
	}
	return req, nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	log *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Infow(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warnw(msg, keysAndValues...)
}

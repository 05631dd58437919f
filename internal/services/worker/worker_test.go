package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedd/internal/config"
	"schedd/internal/db"
	"schedd/internal/logger"
)

type received struct {
	method      string
	auth        string
	contentType string
	query       string
	body        string
}

type sink struct {
	mu     sync.Mutex
	got    []received
	status int
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.got = append(s.got, received{r.Method, r.Header.Get("Authorization"), r.Header.Get("Content-Type"), r.URL.RawQuery, string(body)})
	status := s.status
	s.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (s *sink) Received() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]received(nil), s.got...)
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewQueue(rdb, "test:")
}

func testDeliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{Workers: 2, RatePerSec: 100, Burst: 10, MaxRetries: 0, HTTPTimeout: time.Second}
}

func runPool(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	wp := NewWorkerPool(q, testDeliveryConfig(), logger.Nop())
	wp.Run(ctx)
	t.Cleanup(func() {
		cancel()
		wp.Wait()
	})
}

func TestQueueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	task, err := q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task, "an empty queue times out without error")

	require.NoError(t, q.Enqueue(ctx, &db.DeliveryTask{JobID: "a", URL: "https://example.com"}))
	require.NoError(t, q.Enqueue(ctx, &db.DeliveryTask{JobID: "b", URL: "https://example.com"}))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	task, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", task.JobID)
}

func TestDeliversJSONWithBearerToken(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	q := newTestQueue(t)
	runPool(t, q)

	require.NoError(t, q.Enqueue(context.Background(), &db.DeliveryTask{
		JobID:         "job1",
		AccessToken:   "tok",
		URL:           srv.URL + "/campaigns/send",
		ContentType:   "application/json",
		RequestMethod: "post",
		Payload:       map[string]interface{}{"campaign_id": 12},
	}))

	require.Eventually(t, func() bool { return len(s.Received()) == 1 }, 3*time.Second, 10*time.Millisecond)
	got := s.Received()[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "Bearer tok", got.auth)
	assert.Equal(t, "application/json", got.contentType)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(got.body), &payload))
	assert.Equal(t, float64(12), payload["campaign_id"])
}

func TestGetSendsPayloadAsQuery(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	q := newTestQueue(t)
	runPool(t, q)

	require.NoError(t, q.Enqueue(context.Background(), &db.DeliveryTask{
		JobID:         "job2",
		URL:           srv.URL,
		RequestMethod: "get",
		Payload:       map[string]interface{}{"list": "vip"},
	}))

	require.Eventually(t, func() bool { return len(s.Received()) == 1 }, 3*time.Second, 10*time.Millisecond)
	got := s.Received()[0]
	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "list=vip", got.query)
	assert.Empty(t, got.body)
}

func TestFailedDeliveryIsDeadLettered(t *testing.T) {
	s := &sink{status: http.StatusBadRequest}
	srv := httptest.NewServer(s)
	defer srv.Close()

	q := newTestQueue(t)
	runPool(t, q)

	require.NoError(t, q.Enqueue(context.Background(), &db.DeliveryTask{
		JobID:         "job3",
		URL:           srv.URL,
		RequestMethod: "post",
	}))

	var dead []db.DeliveryTask
	require.Eventually(t, func() bool {
		var err error
		dead, err = q.DeadLetters(context.Background(), 10)
		return err == nil && len(dead) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "job3", dead[0].JobID)
	assert.Contains(t, dead[0].Error, "400")
}

func TestFormEncodedPayload(t *testing.T) {
	req, err := newRequest(context.Background(), &db.DeliveryTask{
		URL:           "https://example.com/hook",
		RequestMethod: "patch",
		ContentType:   "application/x-www-form-urlencoded",
		Payload:       map[string]interface{}{"a": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, req.Method)
	body, err := req.BodyBytes()
	require.NoError(t, err)
	assert.Equal(t, "a=1", string(body))
}

func TestShutdownFinishesInFlightDelivery(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	var completed int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		time.Sleep(200 * time.Millisecond)
		mu.Lock()
		completed++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	wp := NewWorkerPool(q, testDeliveryConfig(), logger.Nop())
	wp.Run(ctx)

	require.NoError(t, q.Enqueue(context.Background(), &db.DeliveryTask{JobID: "job4", URL: srv.URL, RequestMethod: "post"}))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery did not start")
	}
	cancel()
	wp.Wait()

	mu.Lock()
	assert.Equal(t, int32(1), completed)
	mu.Unlock()
	dead, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

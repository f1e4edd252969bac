package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/dispatchcore/internal/dispatch"
	"github.com/fluxgate/dispatchcore/internal/dispatch/admission"
	"github.com/fluxgate/dispatchcore/internal/dispatch/registry"
	"github.com/fluxgate/dispatchcore/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New("dev")
	require.NoError(t, err)
	return log
}

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger(t)
	q := dispatch.NewQueue(log, nil, 2)
	reg := registry.New(log, registry.DefaultConfig())
	reg.SetQueue(q)
	return &Deps{
		Log:         log,
		Queue:       q,
		Limiter:     admission.NewLimiter(log, nil),
		Registry:    reg,
		MaxAttempts: 3,
		StartedAt:   time.Now(),
	}
}

func doRequest(d *Deps, method, path string, body any, register func(*gin.Engine)) *httptest.ResponseRecorder {
	r := gin.New()
	register(r)
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestEnqueueCreatesJob(t *testing.T) {
	d := newTestDeps(t)
	w := doRequest(d, http.MethodPost, "/queue/enqueue", map[string]any{"url": "https://example.com", "priority": "high"}, func(r *gin.Engine) {
		r.POST("/queue/enqueue", d.Enqueue)
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	item := resp["item"].(map[string]any)
	assert.Equal(t, "high", item["priority"])
	assert.Equal(t, "pending", item["status"])
}

func TestEnqueueRejectsInvalidPriority(t *testing.T) {
	d := newTestDeps(t)
	w := doRequest(d, http.MethodPost, "/queue/enqueue", map[string]any{"url": "https://example.com", "priority": "urgent"}, func(r *gin.Engine) {
		r.POST("/queue/enqueue", d.Enqueue)
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEnqueueRejectsMissingURL(t *testing.T) {
	d := newTestDeps(t)
	w := doRequest(d, http.MethodPost, "/queue/enqueue", map[string]any{}, func(r *gin.Engine) {
		r.POST("/queue/enqueue", d.Enqueue)
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEnqueueReturns429AtCapacity(t *testing.T) {
	d := newTestDeps(t)
	register := func(r *gin.Engine) { r.POST("/queue/enqueue", d.Enqueue) }

	for i := 0; i < 2; i++ {
		w := doRequest(d, http.MethodPost, "/queue/enqueue", map[string]any{"url": "https://example.com"}, register)
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := doRequest(d, http.MethodPost, "/queue/enqueue", map[string]any{"url": "https://example.com"}, register)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestGetItemNotFound(t *testing.T) {
	d := newTestDeps(t)
	w := doRequest(d, http.MethodGet, "/queue/item/00000000-0000-0000-0000-000000000000", nil, func(r *gin.Engine) {
		r.GET("/queue/item/:id", d.GetItem)
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetItemInvalidID(t *testing.T) {
	d := newTestDeps(t)
	w := doRequest(d, http.MethodGet, "/queue/item/not-a-uuid", nil, func(r *gin.Engine) {
		r.GET("/queue/item/:id", d.GetItem)
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelThenGetItemRoundTrip(t *testing.T) {
	d := newTestDeps(t)
	job := dispatch.NewJob(dispatch.PriorityNormal, dispatch.Payload{TargetURL: "https://example.com"}, 3, "c1", "/queue/enqueue")
	require.NoError(t, d.Queue.Enqueue(job))

	w := doRequest(d, http.MethodDelete, "/queue/item/"+job.ID.String(), nil, func(r *gin.Engine) {
		r.DELETE("/queue/item/:id", d.CancelItem)
	})
	require.Equal(t, http.StatusOK, w.Code)

	w2 := doRequest(d, http.MethodGet, "/queue/item/"+job.ID.String(), nil, func(r *gin.Engine) {
		r.GET("/queue/item/:id", d.GetItem)
	})
	assert.Equal(t, http.StatusNotFound, w2.Code)
}

func TestDLQListAndRetry(t *testing.T) {
	d := newTestDeps(t)
	job := dispatch.NewJob(dispatch.PriorityLow, dispatch.Payload{TargetURL: "https://example.com"}, 1, "c1", "/queue/enqueue")
	require.NoError(t, d.Queue.Enqueue(job))
	j, ok := d.Queue.Status(job.ID)
	require.True(t, ok)
	_ = j

	// Fail only acts on a processing job, so hand it to a worker first.
	d.Registry.Register("worker-1", nil, nil)
	disp := dispatch.NewDispatcher(d.Log, d.Queue, d.Registry, nil, nil, dispatch.DefaultDispatcherConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = disp.Run(ctx) }()
	require.Eventually(t, func() bool { return d.Queue.ProcessingCount() == 1 }, time.Second, time.Millisecond)
	cancel()

	require.NoError(t, d.Queue.Fail(job.ID, dispatch.JobError{Message: "boom"}))

	w := doRequest(d, http.MethodGet, "/queue/dlq", nil, func(r *gin.Engine) {
		r.GET("/queue/dlq", d.ListDLQ)
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["count"])

	w2 := doRequest(d, http.MethodPost, "/queue/dlq/"+job.ID.String()+"/retry", nil, func(r *gin.Engine) {
		r.POST("/queue/dlq/:id/retry", d.RetryDLQItem)
	})
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestLiveAndReady(t *testing.T) {
	d := newTestDeps(t)
	w := doRequest(d, http.MethodGet, "/health/live", nil, func(r *gin.Engine) { r.GET("/health/live", d.Live) })
	assert.Equal(t, http.StatusOK, w.Code)

	w2 := doRequest(d, http.MethodGet, "/health/ready", nil, func(r *gin.Engine) { r.GET("/health/ready", d.Ready) })
	assert.Equal(t, http.StatusOK, w2.Code)

	job1 := dispatch.NewJob(dispatch.PriorityNormal, dispatch.Payload{}, 1, "c1", "/queue/enqueue")
	job2 := dispatch.NewJob(dispatch.PriorityNormal, dispatch.Payload{}, 1, "c2", "/queue/enqueue")
	require.NoError(t, d.Queue.Enqueue(job1))
	require.NoError(t, d.Queue.Enqueue(job2))

	w3 := doRequest(d, http.MethodGet, "/health/ready", nil, func(r *gin.Engine) { r.GET("/health/ready", d.Ready) })
	assert.Equal(t, http.StatusServiceUnavailable, w3.Code)
}

// Package handlers implements the HTTP surface of spec §6: job admission,
// status/cancel, DLQ management, worker-side completion callbacks, and the
// three health endpoints.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fluxgate/dispatchcore/internal/dispatch"
	"github.com/fluxgate/dispatchcore/internal/dispatch/admission"
	"github.com/fluxgate/dispatchcore/internal/dispatch/registry"
	"github.com/fluxgate/dispatchcore/internal/logging"
	"github.com/fluxgate/dispatchcore/internal/platform/ctxutil"
)

// Deps bundles the dispatch-core components the HTTP layer fronts.
type Deps struct {
	Log         *logging.Logger
	Queue       *dispatch.Queue
	Limiter     *admission.Limiter
	Registry    *registry.Registry
	MaxAttempts int
	StartedAt   time.Time
}

type enqueueRequest struct {
	URL         string            `json:"url" binding:"required"`
	Priority    string            `json:"priority"`
	Headers     map[string]string `json:"headers"`
	Metadata    map[string]any    `json:"metadata"`
	AddonID     string            `json:"addon_id"`
	CallbackURL string            `json:"callback_url"`
	Tool        string            `json:"tool"`
}

// Enqueue handles POST /queue/enqueue (spec §6).
func (d *Deps) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "detail": err.Error()})
		return
	}

	priority := dispatch.PriorityNormal
	if req.Priority != "" {
		p, ok := dispatch.ParsePriority(req.Priority)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "detail": "priority must be one of high|normal|low"})
			return
		}
		priority = p
	}

	identifier := clientIdentifier(c)
	endpoint := "/queue/enqueue"
	tier := clientTier(c)

	decision := d.Limiter.Admit(c.Request.Context(), identifier, endpoint, tier)
	if !decision.Accepted {
		td := ctxutil.GetTraceData(c.Request.Context())
		d.Log.WithTrace(td).Warn("admission rejected", "identifier", identifier, "endpoint", endpoint, "reason", decision.Reason)
		c.Header("Retry-After", itoa(decision.RetryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "capacity", "reason": decision.Reason, "retry_after": decision.RetryAfter})
		return
	}

	job := dispatch.NewJob(priority, dispatch.Payload{
		TargetURL:   req.URL,
		Headers:     req.Headers,
		Metadata:    req.Metadata,
		AddonID:     req.AddonID,
		CallbackURL: req.CallbackURL,
		Tool:        req.Tool,
	}, d.MaxAttempts, identifier, endpoint)

	if err := d.Queue.Enqueue(job); err != nil {
		d.Limiter.Release(identifier, endpoint)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"item": job.Snapshot(), "timestamp": time.Now()})
}

// Status handles GET /queue/status.
func (d *Deps) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": d.Queue.Metrics(), "timestamp": time.Now()})
}

// GetItem handles GET /queue/item/:id.
func (d *Deps) GetItem(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "detail": "invalid job id"})
		return
	}
	job, ok := d.Queue.Status(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": job.Snapshot()})
}

// CancelItem handles DELETE /queue/item/:id.
func (d *Deps) CancelItem(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "detail": "invalid job id"})
		return
	}
	if !d.Queue.Cancel(id) {
		if _, ok := d.Queue.Status(id); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conflict", "detail": "job is processing or terminal"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// ListDLQ handles GET /queue/dlq.
func (d *Deps) ListDLQ(c *gin.Context) {
	items := d.Queue.DLQList()
	snaps := make([]dispatch.Snapshot, 0, len(items))
	for _, j := range items {
		snaps = append(snaps, j.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"items": snaps, "count": len(snaps)})
}

// RetryDLQItem handles POST /queue/dlq/:id/retry.
func (d *Deps) RetryDLQItem(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "detail": "invalid job id"})
		return
	}
	ok, err := d.Queue.DLQRetry(id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": true})
}

// ClearDLQ handles DELETE /queue/dlq.
func (d *Deps) ClearDLQ(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cleared": d.Queue.DLQClear()})
}

type completeRequest struct {
	Result any `json:"result"`
}

// CompleteItem handles POST /queue/process/:id/complete (worker callback).
func (d *Deps) CompleteItem(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "detail": "invalid job id"})
		return
	}
	var req completeRequest
	_ = c.ShouldBindJSON(&req)
	if err := d.Queue.Complete(id, req.Result); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"completed": true})
}

type failRequest struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
		Trace   string `json:"trace"`
	} `json:"error"`
}

// FailItem handles POST /queue/process/:id/fail (worker callback).
func (d *Deps) FailItem(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "detail": "invalid job id"})
		return
	}
	var req failRequest
	_ = c.ShouldBindJSON(&req)
	jobErr := dispatch.JobError{Message: req.Error.Message, Code: req.Error.Code, Trace: req.Error.Trace}
	if jobErr.Message == "" {
		jobErr.Message = "worker reported failure"
	}
	if err := d.Queue.Fail(id, jobErr); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failed": true})
}

// Live handles GET /health/live.
func (d *Deps) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "live"})
}

// Ready handles GET /health/ready. Not ready once the queue is pinned at
// capacity, since admission would reject everything anyway.
func (d *Deps) Ready(c *gin.Context) {
	m := d.Queue.Metrics()
	if m.HighDepth+m.NormalDepth+m.LowDepth >= d.Queue.MaxSize() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "reason": "queue at capacity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// Detailed handles GET /health/detailed.
func (d *Deps) Detailed(c *gin.Context) {
	m := d.Queue.Metrics()
	status := "healthy"
	if m.DLQSize > 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"checks": gin.H{
			"server": gin.H{"healthy": true, "uptime_s": time.Since(d.StartedAt).Seconds()},
			"queue":  gin.H{"healthy": true, "metrics": m},
			"workers": gin.H{"healthy": true, "count": len(d.Registry.Snapshot())},
		},
	})
}

func writeError(c *gin.Context, err error) {
	var derr *dispatch.Error
	if e, ok := err.(*dispatch.Error); ok {
		derr = e
	}
	if derr == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "detail": err.Error()})
		return
	}
	switch derr.Kind {
	case dispatch.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": string(derr.Kind), "detail": derr.Detail})
	case dispatch.KindCapacity:
		c.Header("Retry-After", itoa(derr.RetryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": string(derr.Kind), "detail": derr.Detail, "retry_after": derr.RetryAfter})
	case dispatch.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": string(derr.Kind), "detail": derr.Detail})
	case dispatch.KindConflict:
		c.JSON(http.StatusConflict, gin.H{"error": string(derr.Kind), "detail": derr.Detail})
	case dispatch.KindWorkerUnavailable:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": string(derr.Kind), "detail": derr.Detail})
	case dispatch.KindTimeout:
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": string(derr.Kind), "detail": derr.Detail})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(derr.Kind), "detail": derr.Detail})
	}
}

func clientIdentifier(c *gin.Context) string {
	if id := c.GetHeader("X-Client-Id"); id != "" {
		return id
	}
	return c.ClientIP()
}

func clientTier(c *gin.Context) admission.Tier {
	switch c.GetHeader("X-Client-Tier") {
	case "premium":
		return admission.TierPremium
	case "enterprise":
		return admission.TierEnterprise
	default:
		return admission.TierFree
	}
}

func itoa(n int) string {
	if n <= 0 {
		n = 1
	}
	return strconv.Itoa(n)
}

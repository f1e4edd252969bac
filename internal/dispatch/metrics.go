package dispatch

import (
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromMetrics wraps the dispatch core's Prometheus instrumentation. It is
// constructed once per process and fed from Queue.Metrics() on a ticker;
// JobsTotal is also driven by the queue's own events via MetricsPublisher.
// DispatchLatency receives samples only through Observe, which the
// dispatcher and handoff paths do not call.
type PromMetrics struct {
	QueueDepth       *prometheus.GaugeVec
	Processing       prometheus.Gauge
	DLQSize          prometheus.Gauge
	DispatchLatency  prometheus.Histogram
	JobsTotal        *prometheus.CounterVec
	WorkersByStatus  *prometheus.GaugeVec
	EventDeadLetters prometheus.Gauge
}

// NewPromMetrics registers every dispatch-core series against reg (pass
// prometheus.NewRegistry() per test, or prometheus.DefaultRegisterer in
// production).
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	factory := promauto.With(reg)
	return &PromMetrics{
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatchcore",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of jobs waiting in a priority bucket.",
		}, []string{"priority"}),
		Processing: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchcore",
			Subsystem: "queue",
			Name:      "processing",
			Help:      "Number of jobs currently owned by a worker.",
		}),
		DLQSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchcore",
			Subsystem: "queue",
			Name:      "dlq_size",
			Help:      "Number of jobs currently dead-lettered.",
		}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatchcore",
			Subsystem: "dispatcher",
			Name:      "job_processing_seconds",
			Help:      "Time from dispatch to terminal completion/failure.",
			Buckets:   prometheus.DefBuckets,
		}),
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchcore",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Total jobs reaching a terminal or retry outcome, by outcome.",
		}, []string{"outcome"}),
		WorkersByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatchcore",
			Subsystem: "registry",
			Name:      "workers",
			Help:      "Number of registered workers by status.",
		}, []string{"status"}),
		EventDeadLetters: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchcore",
			Subsystem: "events",
			Name:      "dead_letters",
			Help:      "Number of events parked in the event bus's dead-letter list after exhausting retries.",
		}),
	}
}

// Observe records a single processing-time sample and outcome counter.
func (m *PromMetrics) Observe(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.DispatchLatency.Observe(latency.Seconds())
	m.JobsTotal.WithLabelValues(outcome).Inc()
}

// Sync pushes a Queue.Metrics() snapshot into the gauges. Call on a ticker
// (e.g. every second) from the app's background loop.
func (m *PromMetrics) Sync(snap Metrics) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(string(PriorityHigh)).Set(float64(snap.HighDepth))
	m.QueueDepth.WithLabelValues(string(PriorityNormal)).Set(float64(snap.NormalDepth))
	m.QueueDepth.WithLabelValues(string(PriorityLow)).Set(float64(snap.LowDepth))
	m.Processing.Set(float64(snap.Processing))
	m.DLQSize.Set(float64(snap.DLQSize))
}

// SyncWorkers pushes worker counts by status (registry.Registry.CountsByStatus)
// into WorkersByStatus. Takes a plain map rather than the registry package's
// own type since dispatch cannot import registry without a cycle.
func (m *PromMetrics) SyncWorkers(countsByStatus map[string]int) {
	if m == nil {
		return
	}
	for status, n := range countsByStatus {
		m.WorkersByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SyncEventDeadLetters pushes the event bus's current dead-letter count
// (events.Bus.DeadLetters()) into EventDeadLetters.
func (m *PromMetrics) SyncEventDeadLetters(n int) {
	if m == nil {
		return
	}
	m.EventDeadLetters.Set(float64(n))
}

// MetricsPublisher adapts PromMetrics into an EventPublisher so the queue's
// own completion/retry/dlq events drive the outcome counter without the
// queue importing Prometheus directly. Wrap the real event bus publisher
// with this the same way the dispatcher wraps it for timer cancellation.
type MetricsPublisher struct {
	Metrics *PromMetrics
	Next    EventPublisher
}

func (p *MetricsPublisher) Publish(eventType string, jobID uuid.UUID, workerID string, data map[string]any) {
	switch eventType {
	case EventItemCompleted:
		p.Metrics.JobsTotal.WithLabelValues("completed").Inc()
	case EventItemRetry:
		p.Metrics.JobsTotal.WithLabelValues("retry").Inc()
	case EventItemDLQ:
		p.Metrics.JobsTotal.WithLabelValues("dead").Inc()
	}
	if p.Next != nil {
		p.Next.Publish(eventType, jobID, workerID, data)
	}
}

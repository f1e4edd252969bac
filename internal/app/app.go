package app

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fluxgate/dispatchcore/internal/dispatch"
	"github.com/fluxgate/dispatchcore/internal/dispatch/admission"
	"github.com/fluxgate/dispatchcore/internal/dispatch/events"
	"github.com/fluxgate/dispatchcore/internal/dispatch/registry"
	"github.com/fluxgate/dispatchcore/internal/dispatch/wsbridge"
	"github.com/fluxgate/dispatchcore/internal/handlers"
	"github.com/fluxgate/dispatchcore/internal/logging"
	"github.com/fluxgate/dispatchcore/internal/observability"
	"github.com/fluxgate/dispatchcore/internal/server"

	"github.com/prometheus/client_golang/prometheus"
)

// App owns every long-lived dispatch-core component and the HTTP server
// fronting them.
type App struct {
	cfg Config
	log *logging.Logger

	Queue      *dispatch.Queue
	Dispatcher *dispatch.Dispatcher
	Limiter    *admission.Limiter
	Registry   *registry.Registry
	Bus        *events.Bus
	Hub        *wsbridge.Hub
	Metrics    *dispatch.PromMetrics
	Snapshots  *dispatch.SnapshotStore

	httpServer *http.Server
	shutdownOTel func(context.Context) error
}

// New wires every component per the teacher's constructor-injection style.
// The components themselves are not package-level singletons, but New
// registers its Prometheus series on prometheus.DefaultRegisterer, so only
// one App can be constructed per process.
func New(log *logging.Logger, cfg Config) (*App, error) {
	reg := prometheus.DefaultRegisterer
	metrics := dispatch.NewPromMetrics(reg)

	bus := events.New(log, cfg.DLQThreshold)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	}
	limiter := admission.NewLimiter(log, rdb)

	queue := dispatch.NewQueue(log, nil, cfg.MaxQueueSize)
	queue.SetRetryPolicy(cfg.retryPolicy())
	queue.SetRateReleaser(limiter)

	reg2 := registry.New(log, cfg.registryConfig())
	queue.SetWorkerStats(reg2)

	metricsPub := &dispatch.MetricsPublisher{Metrics: metrics, Next: bus}
	dispatcher := dispatch.NewDispatcher(log, queue, reg2, nil, metricsPub, cfg.dispatcherConfig())

	var jwtKey []byte
	if cfg.JWTSecret != "" {
		jwtKey = []byte(cfg.JWTSecret)
	}
	hub := wsbridge.NewHub(log, reg2, queue, jwtKey)
	bus.SetWorkerSender(hub)
	reg2.SetQueue(queue)
	reg2.SetHandoff(hub)

	a := &App{cfg: cfg, log: log, Queue: queue, Dispatcher: dispatcher, Limiter: limiter,
		Registry: reg2, Bus: bus, Hub: hub, Metrics: metrics}

	// the dispatcher was constructed with a nil Handoff (hub didn't exist
	// yet); rewire it now that it does.
	dispatcher.SetHandoff(hub)

	if cfg.SnapshotEnabled {
		store, err := dispatch.OpenSnapshotStore(log, cfg.SnapshotPath)
		if err != nil {
			return nil, err
		}
		a.Snapshots = store
	}

	deps := &handlers.Deps{Log: log, Queue: queue, Limiter: limiter, Registry: reg2, MaxAttempts: cfg.MaxAttempts, StartedAt: time.Now()}
	engine := server.New(deps, hub)
	a.httpServer = &http.Server{Addr: ":" + cfg.Port, Handler: engine}

	return a, nil
}

// Run starts every background activity (dispatcher loop, heartbeat sweep,
// optional snapshotter, HTTP server) and blocks until ctx is cancelled or
// one of them fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.shutdownOTel = observability.InitOTel(ctx, a.log, observability.OtelConfig{
		ServiceName: a.cfg.OtelServiceName,
		Environment: a.cfg.OtelEnvironment,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Dispatcher.Run(gctx) })
	g.Go(func() error { return a.Registry.Run(gctx) })

	if a.Snapshots != nil {
		g.Go(func() error { return a.Snapshots.Run(gctx, a.Queue, a.cfg.SnapshotInterval) })
	}

	g.Go(func() error {
		metricsTicker := time.NewTicker(time.Second)
		defer metricsTicker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-metricsTicker.C:
				a.Metrics.Sync(a.Queue.Metrics())
				a.Metrics.SyncWorkers(a.Registry.CountsByStatus())
				a.Metrics.SyncEventDeadLetters(len(a.Bus.DeadLetters()))
			}
		}
	})

	g.Go(func() error {
		a.log.Info("http server starting", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if a.shutdownOTel != nil {
		_ = a.shutdownOTel(context.Background())
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}

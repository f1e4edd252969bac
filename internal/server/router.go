// Package server wires the gin HTTP surface of spec §6 and the WebSocket
// worker channel onto a single router.
package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxgate/dispatchcore/internal/dispatch/wsbridge"
	"github.com/fluxgate/dispatchcore/internal/handlers"
)

// New builds the gin engine: CORS, the queue/DLQ/health REST surface, and
// the worker WebSocket channel at /ws/worker.
func New(deps *handlers.Deps, hub *wsbridge.Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(tracing())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AddAllowHeaders("Authorization", "X-Client-Id", "X-Client-Tier")
	r.Use(cors.New(corsCfg))

	queue := r.Group("/queue")
	{
		queue.POST("/enqueue", deps.Enqueue)
		queue.GET("/status", deps.Status)
		queue.GET("/item/:id", deps.GetItem)
		queue.DELETE("/item/:id", deps.CancelItem)
		queue.GET("/dlq", deps.ListDLQ)
		queue.POST("/dlq/:id/retry", deps.RetryDLQItem)
		queue.DELETE("/dlq", deps.ClearDLQ)
		queue.POST("/process/:id/complete", deps.CompleteItem)
		queue.POST("/process/:id/fail", deps.FailItem)
	}

	health := r.Group("/health")
	{
		health.GET("/live", deps.Live)
		health.GET("/ready", deps.Ready)
		health.GET("/detailed", deps.Detailed)
	}

	r.GET("/ws/worker", func(c *gin.Context) { hub.ServeHTTP(c.Writer, c.Request) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoRoute(func(c *gin.Context) { c.JSON(http.StatusNotFound, gin.H{"error": "not_found"}) })
	return r
}

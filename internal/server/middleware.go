package server

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxgate/dispatchcore/internal/platform/ctxutil"
)

// tracing starts a span for every request using the process-wide tracer
// provider (internal/observability.InitOTel installs it; absent that, the
// no-op provider still yields a usable, zero-valued trace id) and stashes
// both ids in the request context so handlers can log them without
// threading *gin.Context through the dispatch core.
func tracing() gin.HandlerFunc {
	tracer := otel.Tracer("dispatchcore/server")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.FullPath())
		defer span.End()

		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		td := &ctxutil.TraceData{TraceID: span.SpanContext().TraceID().String(), RequestID: requestID}
		ctx = ctxutil.WithTraceData(ctx, td)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-Id", requestID)

		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

package middleware

import (
	"net/http"

	"rillcall/pkg/logger"
	"rillcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a span per control API request. Routes with a
// :id parameter are tagged with the call id so API spans line up with the
// negotiation spans of the same call.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.client_ip", c.ClientIP()),
			attribute.String("http.request_id", c.Writer.Header().Get(RequestIDHeader)),
		)
		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}
		if id := c.Param("id"); id != "" {
			span.SetAttributes(tracing.CallIDKey.String(id))
			ctx = logger.WithCallID(ctx, id)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if peer, ok := PeerFromContext(c); ok {
			span.SetAttributes(tracing.PeerIDKey.String(string(peer)))
		}
		for _, ginErr := range c.Errors {
			span.RecordError(ginErr.Err)
		}

		// client mistakes are not span failures
		if status >= http.StatusInternalServerError {
			tracing.SetSpanStatus(ctx, codes.Error, http.StatusText(status))
		}
	}
}

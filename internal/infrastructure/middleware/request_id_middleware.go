package middleware

import (
	"time"

	"rillcall/pkg/logger"
	"rillcall/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware propagates or assigns a request id and logs each
// request once it completes, with whatever ids later middleware put on the
// request context.
func RequestIDMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	requests := logger.NewContextLogger(log.Desugar())

	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))

		start := time.Now()
		c.Next()

		requests.LogRequest(c.Request.Context(),
			c.Request.Method,
			c.FullPath(),
			c.Writer.Status(),
			time.Since(start).Milliseconds(),
		)
	}
}

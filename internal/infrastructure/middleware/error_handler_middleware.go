package middleware

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"rillcall/internal/core/domain"
	"rillcall/pkg/errors"
	"rillcall/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AsAppError maps call errors onto API errors. Errors it does not know
// become internal errors.
func AsAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrCallNotFound):
		return errors.NewNotFoundError("call", err)
	case stderrors.Is(err, domain.ErrRecordNotFound):
		return errors.NewNotFoundError("call record", err)
	case stderrors.Is(err, domain.ErrDuplicateCall),
		stderrors.Is(err, domain.ErrPeerBusy):
		return errors.WrapError(err, errors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrSelfCall):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrInvalidTransition),
		stderrors.Is(err, domain.ErrNotConnected),
		stderrors.Is(err, domain.ErrSessionClosed),
		stderrors.Is(err, domain.ErrAudioOnlyCall):
		return errors.NewInvalidStateError(err)
	case stderrors.Is(err, domain.ErrMediaAcquisition),
		stderrors.Is(err, domain.ErrScreenShareFailed):
		return errors.NewMediaUnavailableError(err)
	case stderrors.Is(err, domain.ErrSignalingUnavailable),
		stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "signaling unavailable", http.StatusServiceUnavailable)
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
}

// ErrorHandlerMiddleware handles application errors and returns appropriate HTTP responses
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	requests := logger.NewContextLogger(log.Desugar())

	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		appErr := AsAppError(c.Errors.Last().Err)

		ctx := c.Request.Context()
		fields := []zap.Field{
			zap.String("code", string(appErr.Code)),
			zap.Int("status", appErr.HTTPStatus),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		}
		cause := error(appErr)
		if appErr.Cause != nil {
			cause = appErr.Cause
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			requests.LogError(ctx, cause, "request failed", fields...)
		} else {
			requests.WithContext(ctx).Info("request rejected", append(fields, zap.Error(cause))...)
		}

		writeAppError(c, appErr)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	requests := logger.NewContextLogger(log.Desugar())

	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				requests.LogError(c.Request.Context(), fmt.Errorf("panic: %v", rec), "panic recovered",
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				abortWithAppError(c, errors.NewInternalError("Internal server error"))
			}
		}()

		c.Next()
	}
}

func writeAppError(c *gin.Context, appErr *errors.AppError) {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	if id := logger.RequestIDFromContext(c.Request.Context()); id != "" {
		body["request_id"] = id
	}
	c.JSON(appErr.HTTPStatus, body)
}

func abortWithAppError(c *gin.Context, appErr *errors.AppError) {
	writeAppError(c, appErr)
	c.Abort()
}

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"multicam/internal/camera"
	"multicam/internal/host"
)

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// statusFor はエラーの種類をHTTPステータスとエラーコードに変換する
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrSessionNotFound), errors.Is(err, camera.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, camera.ErrDuplicateCamera):
		return http.StatusConflict, "duplicate_camera"
	case errors.Is(err, camera.ErrCaptureAlreadyActive):
		return http.StatusConflict, "capture_already_active"
	case errors.Is(err, camera.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, camera.ErrUnresolvedCamera):
		return http.StatusUnprocessableEntity, "unresolved_camera"
	case errors.Is(err, camera.ErrUnsupportedConfig):
		return http.StatusUnprocessableEntity, "unsupported_config"
	case camera.IsValidationError(err):
		return http.StatusUnprocessableEntity, "invalid_settings"
	case errors.Is(err, camera.ErrIO):
		return http.StatusBadGateway, "io_error"
	case errors.Is(err, host.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// abortWithError はエラーをレスポンスとして返す
func abortWithError(c *gin.Context, err error) {
	status, code := statusFor(err)
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// badRequest は不正なリクエストボディに対するレスポンスを返す
func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:     "bad_request",
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"worktally/internal/core/apperror"
	"worktally/pkg/logger"
)

// ErrorHandler middleware is the single writer of error responses:
//
//	{"success": false, "code": "...", "message": "...", "details": {...}}
//
// Internal causes are logged, never returned.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		writeError(c, c.Errors.Last().Err)
	}
}

func writeError(c *gin.Context, err error) {
	if c.Writer.Written() {
		return
	}

	appErr, ok := apperror.AsAppError(err)
	if !ok {
		logger.Error(c.Request.Context(), "unhandled error", "error", err)
		appErr = apperror.NewInternal(err)
	} else if appErr.Err != nil {
		logger.Error(c.Request.Context(), "request error",
			"code", appErr.Code,
			"cause", appErr.Err,
		)
	}

	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}

	details := appErr.Details
	if status >= http.StatusInternalServerError {
		details = map[string]any{"request_id": c.GetString("request_id")}
	}

	body := gin.H{
		"success": false,
		"code":    appErr.Code,
		"message": appErr.Message,
	}
	if len(details) > 0 {
		body["details"] = details
	}

	failIdempotency(c, status, body)
	c.JSON(status, body)
}

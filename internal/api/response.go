package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/annel0/trial-replay/internal/broadcast"
	"github.com/annel0/trial-replay/internal/replay"
	"github.com/gin-gonic/gin"
)

// Response конверт всех ответов API: {code, message, timestamp, data}.
type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

func respond(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:      http.StatusOK,
		Message:   "success",
		Timestamp: time.Now(),
		Data:      data,
	})
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, Response{
		Code:      status,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// failErr отвечает статусом, соответствующим ошибке сервиса.
func failErr(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= 500 {
		_ = c.Error(err)
	}
	fail(c, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, replay.ErrTrialNotFound), errors.Is(err, replay.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, replay.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, replay.ErrShuttingDown), errors.Is(err, broadcast.ErrHubClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veltalk/roomsync/domain"
)

// Response is the facade's envelope for every JSON reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo carries a stable machine code plus a human message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Success: true, Data: data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error:   &ErrorInfo{Code: code, Message: message},
	})
}

func badRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, "BAD_REQUEST", message)
}

// failErr maps the core's error taxonomy onto HTTP statuses.
func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrEmptyMessage), errors.Is(err, domain.ErrEmptyEmoji), errors.Is(err, domain.ErrNotOneEmoji):
		badRequest(c, err.Error())
	case errors.Is(err, domain.ErrEditNotAllowed):
		fail(c, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, domain.ErrUnknownMessage):
		fail(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrNotSynced):
		fail(c, http.StatusConflict, "NOT_SYNCED", err.Error())
	case errors.Is(err, domain.ErrRoomClosed):
		fail(c, http.StatusConflict, "ROOM_CLOSED", err.Error())
	case domain.IsConflict(err):
		fail(c, http.StatusConflict, "CONFLICT", err.Error())
	case domain.IsTransient(err):
		fail(c, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

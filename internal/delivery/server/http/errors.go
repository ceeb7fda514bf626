package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	sherrors "github.com/walkerhughes/agent-sandboxing/internal/shared/errors"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
)

// errorResponse is the body of every non-2xx JSON reply.
type errorResponse struct {
	Error string `json:"error"`
}

// mapDomainError translates a domain error into an HTTP status and a
// user-facing message. It returns (0, "") for errors it does not recognise.
func mapDomainError(err error) (status int, message string) {
	if err == nil {
		return 0, ""
	}

	switch {
	case errors.Is(err, task.ErrInvalidInput), errors.Is(err, task.ErrBadRequest):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, task.ErrUnauthorized):
		return http.StatusUnauthorized, "invalid signature"

	case errors.Is(err, task.ErrUnknownTask), errors.Is(err, task.ErrUnknownSession):
		return http.StatusNotFound, err.Error()

	case errors.Is(err, task.ErrNotAwaitingInput),
		errors.Is(err, task.ErrMissingSession),
		errors.Is(err, task.ErrStatusConflict),
		errors.Is(err, task.ErrTerminalState):
		return http.StatusConflict, err.Error()

	case errors.Is(err, task.ErrStoreUnavailable), sherrors.IsTransient(err):
		return http.StatusServiceUnavailable, "store unavailable"

	default:
		return 0, ""
	}
}

// writeError replies with the mapped status, or 500 for unrecognised errors.
func writeError(c *gin.Context, logger logging.Logger, err error) {
	status, msg := mapDomainError(err)
	if status == 0 {
		status, msg = http.StatusInternalServerError, "internal error"
	}
	log := logging.FromContext(c.Request.Context(), logger)
	if status >= http.StatusInternalServerError {
		log.Error("[HTTP] %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	} else {
		log.Debug("[HTTP] %s %s rejected (%d): %v", c.Request.Method, c.Request.URL.Path, status, err)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: msg})
}

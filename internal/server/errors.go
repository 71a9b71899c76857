package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/straja-ai/phiwatch/internal/engine"
	"github.com/straja-ai/phiwatch/internal/redact"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Field   string `json:"field,omitempty"`
}

func abortError(c *gin.Context, status int, message, typ string) {
	c.AbortWithStatusJSON(status, errorBody{Error: errorDetail{Message: message, Type: typ}})
}

// writeEngineError maps engine errors onto HTTP statuses.
func writeEngineError(c *gin.Context, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: errorDetail{
			Message: verr.Error(),
			Type:    "invalid_request_error",
			Field:   verr.Field,
		}})
	case errors.Is(err, engine.ErrNotFound):
		abortError(c, http.StatusNotFound, "not found", "not_found_error")
	case errors.Is(err, engine.ErrAlreadyResolved):
		abortError(c, http.StatusConflict, "alert is already resolved", "conflict_error")
	case errors.Is(err, engine.ErrPersistence):
		redact.Logf("http: %s %s: %v", c.Request.Method, c.FullPath(), err)
		abortError(c, http.StatusServiceUnavailable, "storage unavailable", "storage_error")
	default:
		redact.Logf("http: %s %s: %v", c.Request.Method, c.FullPath(), err)
		abortError(c, http.StatusInternalServerError, "internal error", "server_error")
	}
}

// writeBindError reports a body that could not be decoded, with 413 for oversized bodies.
func writeBindError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		abortError(c, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request_error")
		return
	}
	abortError(c, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
}

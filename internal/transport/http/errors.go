package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/parcel-service/internal/model"
	"github.com/richardliu001/parcel-service/internal/service"
	"go.uber.org/zap"
)

type errorKind struct {
	target  error
	status  int
	code    string
	message string
}

// order matters: wrapped causes may match several kinds
var errorKinds = []errorKind{
	{service.ErrAlreadyClaimed, http.StatusConflict, "ALREADY_CLAIMED", "This delivery was just accepted by someone else"},
	{service.ErrInsufficientBalance, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", "Insufficient balance"},
	{service.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be positive"},
	{service.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request"},
	{service.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "Not found"},
	{service.ErrForbidden, http.StatusForbidden, "FORBIDDEN", "You are not allowed to do this"},
	{service.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION", "Status change not allowed"},
	{service.ErrInvalidState, http.StatusConflict, "INVALID_STATE", "Operation not allowed in the current state"},
	{service.ErrOperationFailed, http.StatusServiceUnavailable, "OPERATION_FAILED", "Please try again"},
}

// writeError maps err to a status and stable code. Causes of unexpected
// failures are logged, never returned.
func writeError(c *gin.Context, log *zap.SugaredLogger, err error) {
	for _, k := range errorKinds {
		if !errors.Is(err, k.target) {
			continue
		}
		body := gin.H{"code": k.code, "error": k.message}
		var verr *model.ValidationError
		switch {
		case errors.As(err, &verr):
			body["fields"] = verr.Fields
		case k.status < http.StatusInternalServerError:
			body["detail"] = err.Error()
		default:
			log.Warnw("request failed", "path", c.Request.URL.Path, "error", err)
		}
		c.AbortWithStatusJSON(k.status, body)
		return
	}
	log.Errorw("unexpected error", "path", c.Request.URL.Path, "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": "internal error"})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": "Invalid request", "detail": err.Error()})
}

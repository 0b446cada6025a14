package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rl1809/travel-planner/internal/core/domain"
)

// retryAfterSeconds is advertised on every 503.
const retryAfterSeconds = 1

type ErrorResponse struct {
	Error          string `json:"error"`
	Code           string `json:"code"`
	CurrentVersion *int   `json:"current_version,omitempty"`
}

// httpStatus maps a service error onto a status and a stable machine code.
func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidAttributes):
		return http.StatusBadRequest, "invalid_attributes"
	case errors.Is(err, domain.ErrPlanNotFound):
		return http.StatusNotFound, "plan_not_found"
	case errors.Is(err, domain.ErrItemNotFound):
		return http.StatusNotFound, "item_not_found"
	case errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, domain.ErrPositionTaken):
		return http.StatusConflict, "position_taken"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate_request"
	case errors.Is(err, domain.ErrCascadeTooLarge):
		return http.StatusConflict, "cascade_too_large"
	case errors.Is(err, domain.ErrOrderingConflict):
		return http.StatusServiceUnavailable, "ordering_conflict"
	case errors.Is(err, domain.ErrContention):
		return http.StatusServiceUnavailable, "contention"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(c *gin.Context, err error) {
	status, code := httpStatus(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var conflict *domain.VersionConflictError
	if errors.As(err, &conflict) {
		resp.CurrentVersion = &conflict.Current
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	c.AbortWithStatusJSON(status, resp)
}

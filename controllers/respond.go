package controllers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"quantlab_backend/middleware"
	"quantlab_backend/models"
	"quantlab_backend/services/archive"
	"quantlab_backend/services/dataset"
	"quantlab_backend/services/jobs"
)

// SubmitResponse acknowledges an admitted job.
type SubmitResponse struct {
	JobID   string           `json:"jobId"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	var (
		validation *jobs.ValidationError
		conflict   *jobs.ConflictError
		notFound   *jobs.NotFoundError
		invalid    *jobs.InvalidStateError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &notFound), errors.Is(err, dataset.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, archive.ErrDisabled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes err as the error envelope. Unexpected errors are
// attached to the context so the request logger records them.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	middleware.AbortWithError(c, status, err.Error())
}

// bindJSON decodes the body into v, answering 400 on malformed input.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

func accepted(c *gin.Context, job models.Job, message string) {
	c.JSON(http.StatusAccepted, SubmitResponse{
		JobID:   job.ID,
		Status:  job.Status(),
		Message: message,
	})
}

package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Status        string `json:"status"`
	Error         string `json:"error"`
	Message       string `json:"message"`
	Timestamp     string `json:"timestamp"`
	CorrelationID string `json:"correlationId"`
}

// AbortWithError writes the error envelope and stops the handler chain.
func AbortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Status:        "error",
		Error:         http.StatusText(status),
		Message:       message,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		CorrelationID: CorrelationID(c),
	})
}

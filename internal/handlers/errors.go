package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// apiError carries the status code a handler wants to answer with.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return e.Message
}

func newAPIError(status int, message string) *apiError {
	return &apiError{Status: status, Message: message}
}

var (
	errTooLarge       = newAPIError(http.StatusRequestEntityTooLarge, "image file is too large")
	errUnreadableFile = newAPIError(http.StatusBadRequest, "unable to open image")
)

// errorHandler turns errors pushed with c.Error into JSON responses.
func errorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			c.JSON(apiErr.Status, gin.H{"error": apiErr.Message})
			return
		}

		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"docuflow/agreement"
	"docuflow/template"
	"docuflow/threshold"
)

// respondError maps domain sentinels onto HTTP statuses. Anything unmapped is
// a 500 with the detail kept out of the response body.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, agreement.ErrNotFound), errors.Is(err, template.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, agreement.ErrPaymentRequired):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case errors.Is(err, agreement.ErrInvalidTransition),
		errors.Is(err, agreement.ErrSignerRevert),
		errors.Is(err, template.ErrTemplateInUse):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, template.ErrInvalidField),
		errors.Is(err, threshold.ErrUnsupportedOperator),
		errors.Is(err, threshold.ErrInvalidValue),
		errors.Is(err, agreement.ErrUndeclaredField):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.deps.Logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tendant/tom-education/internal/alerts"
	"github.com/tendant/tom-education/internal/products"
	"github.com/tendant/tom-education/internal/runner"
	"github.com/tendant/tom-education/internal/store"
	"github.com/tendant/tom-education/internal/templates"
)

// fail writes the status err maps to. Unexpected errors are logged and hidden.
func (s *Server) fail(c *gin.Context, err error) {
	var (
		ve *runner.ValidationError
		fe *templates.FieldError
		nf *alerts.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Message})
	case errors.As(err, &fe):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fields", "detail": fe.Problems})
	case errors.As(err, &nf):
		c.JSON(http.StatusNotFound, gin.H{"error": nf.Message})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "already exists"})
	case errors.Is(err, products.ErrWrongOwner), errors.Is(err, products.ErrGroupName),
		errors.Is(err, templates.ErrUnsupportedFacility):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

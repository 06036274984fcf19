package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleBillingWebhook ingests one provider delivery. Duplicate and ignored
// deliveries answer 200 so the provider stops retrying.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.paymentSvc.IngestWebhook(c.Request.Context(), payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HandlePaymentWebhook ingests gateway notifications. The gateway retries on
// any non-2xx answer, so the endpoint always acknowledges with 200: bad
// signatures, malformed payloads and processing failures are logged and
// recorded internally, never surfaced to the sender.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		s.log.Warn("webhook body read failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err := s.reconcilerSvc.HandleWebhook(c.Request.Context(), payload, c.Request.Header); err != nil {
		s.log.Warn("webhook processing failed", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

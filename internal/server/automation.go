package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RunAutomation triggers one full scheduler sweep on demand. Partial job
// failures are reported but still answer 200: each job is independent and
// the next interval retries whatever failed.
func (s *Server) RunAutomation(c *gin.Context) {
	if err := s.scheduler.RunOnce(c.Request.Context()); err != nil {
		s.log.Warn("manual automation run finished with errors", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "partial", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

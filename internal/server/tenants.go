package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// TenantOverview reports the tenant's outstanding receivables.
func (s *Server) TenantOverview(c *gin.Context) {
	tenantID, err := parseSnowflakeID(c.Param("tenant_id"))
	if err != nil {
		AbortWithError(c, newValidationError("tenant_id", "invalid_tenant_id", "invalid tenant id"))
		return
	}

	summary, err := s.invoiceSvc.Summary(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

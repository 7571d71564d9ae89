package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	policydomain "github.com/tatamipay/billing/internal/policy/domain"
)

func (s *Server) GetPolicy(c *gin.Context) {
	tenantID, err := parseSnowflakeID(c.Param("tenant_id"))
	if err != nil {
		AbortWithError(c, newValidationError("tenant_id", "invalid_tenant_id", "invalid tenant id"))
		return
	}

	policy, err := s.policySvc.ForTenant(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": policy})
}

type upsertPolicyRequest struct {
	FinePercent          float64  `json:"fine_percent"`
	DailyInterestPercent float64  `json:"daily_interest_percent"`
	DelinquencyThreshold int      `json:"delinquency_threshold"`
	ReminderLeadDays     int      `json:"reminder_lead_days"`
	RemindersEnabled     *bool    `json:"reminders_enabled"`
	AcceptedMethods      []string `json:"accepted_methods"`
}

func (s *Server) UpsertPolicy(c *gin.Context) {
	tenantID, err := parseSnowflakeID(c.Param("tenant_id"))
	if err != nil {
		AbortWithError(c, newValidationError("tenant_id", "invalid_tenant_id", "invalid tenant id"))
		return
	}

	var req upsertPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	remindersEnabled := true
	if req.RemindersEnabled != nil {
		remindersEnabled = *req.RemindersEnabled
	}

	policy, err := s.policySvc.Upsert(c.Request.Context(), policydomain.Policy{
		TenantID:             tenantID,
		FinePercent:          req.FinePercent,
		DailyInterestPercent: req.DailyInterestPercent,
		DelinquencyThreshold: req.DelinquencyThreshold,
		ReminderLeadDays:     req.ReminderLeadDays,
		RemindersEnabled:     remindersEnabled,
		AcceptedMethods:      datatypes.NewJSONSlice(req.AcceptedMethods),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": policy})
}

package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
	subscriptiondomain "github.com/tatamipay/billing/internal/subscription/domain"
)

type createSubscriptionRequest struct {
	TenantID      string         `json:"tenant_id" binding:"required"`
	PayerID       string         `json:"payer_id" binding:"required"`
	PlanName      string         `json:"plan_name" binding:"required"`
	Amount        int64          `json:"amount" binding:"required"`
	PaymentMethod string         `json:"payment_method"`
	BillingDay    int            `json:"billing_day" binding:"required"`
	StartDate     string         `json:"start_date"`
	Metadata      map[string]any `json:"metadata"`
}

func (s *Server) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tenantID, err := parseSnowflakeID(req.TenantID)
	if err != nil {
		AbortWithError(c, newValidationError("tenant_id", "invalid_tenant_id", "invalid tenant id"))
		return
	}
	payerID, err := parseSnowflakeID(req.PayerID)
	if err != nil {
		AbortWithError(c, newValidationError("payer_id", "invalid_payer_id", "invalid payer id"))
		return
	}

	start := nowDate()
	if strings.TrimSpace(req.StartDate) != "" {
		parsed, err := parseDate(req.StartDate)
		if err != nil {
			AbortWithError(c, newValidationError("start_date", "invalid_start_date", "expected YYYY-MM-DD or RFC3339"))
			return
		}
		start = parsed
	}

	item, err := s.subscriptionSvc.Create(c.Request.Context(), subscriptiondomain.CreateRequest{
		TenantID:      tenantID,
		PayerID:       payerID,
		PlanName:      req.PlanName,
		Amount:        req.Amount,
		PaymentMethod: invoicedomain.PaymentMethod(strings.ToUpper(req.PaymentMethod)),
		BillingDay:    req.BillingDay,
		StartDate:     start,
		Metadata:      req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": item})
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	req := subscriptiondomain.ListRequest{}

	if id, err := parseOptionalSnowflakeID(c.Query("tenant_id")); err != nil {
		AbortWithError(c, newValidationError("tenant_id", "invalid_tenant_id", "invalid tenant id"))
		return
	} else if id != nil {
		req.TenantID = *id
	}
	if id, err := parseOptionalSnowflakeID(c.Query("payer_id")); err != nil {
		AbortWithError(c, newValidationError("payer_id", "invalid_payer_id", "invalid payer id"))
		return
	} else if id != nil {
		req.PayerID = *id
	}
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		req.Status = subscriptiondomain.SubscriptionStatus(strings.ToUpper(status))
	}
	req.Limit, req.Offset = parsePagination(c)

	items, err := s.subscriptionSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetSubscription(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	item, err := s.subscriptionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) PauseSubscription(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	item, err := s.subscriptionSvc.Pause(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) ResumeSubscription(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	item, err := s.subscriptionSvc.Resume(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	item, err := s.subscriptionSvc.Cancel(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

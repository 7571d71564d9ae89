package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
)

type createInvoiceRequest struct {
	TenantID        string         `json:"tenant_id" binding:"required"`
	PayerID         string         `json:"payer_id" binding:"required"`
	Description     string         `json:"description"`
	OriginalAmount  int64          `json:"original_amount" binding:"required"`
	DiscountAmount  int64          `json:"discount_amount"`
	SurchargeAmount int64          `json:"surcharge_amount"`
	DueDate         string         `json:"due_date" binding:"required"`
	PaymentMethod   string         `json:"payment_method"`
	Metadata        map[string]any `json:"metadata"`
}

func (s *Server) CreateInvoice(c *gin.Context) {
	var req createInvoiceRequest
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
	dueDate, err := parseDate(req.DueDate)
	if err != nil {
		AbortWithError(c, newValidationError("due_date", "invalid_due_date", "expected YYYY-MM-DD or RFC3339"))
		return
	}

	item, err := s.invoiceSvc.Issue(c.Request.Context(), invoicedomain.IssueRequest{
		TenantID:        tenantID,
		PayerID:         payerID,
		Description:     req.Description,
		OriginalAmount:  req.OriginalAmount,
		DiscountAmount:  req.DiscountAmount,
		SurchargeAmount: req.SurchargeAmount,
		DueDate:         dueDate,
		PaymentMethod:   invoicedomain.PaymentMethod(strings.ToUpper(req.PaymentMethod)),
		Metadata:        req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": item})
}

func (s *Server) ListInvoices(c *gin.Context) {
	req := invoicedomain.ListRequest{}

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
		req.Status = invoicedomain.InvoiceStatus(strings.ToUpper(status))
	}
	if t, err := parseOptionalTime(c.Query("due_before"), true); err != nil {
		AbortWithError(c, newValidationError("due_before", "invalid_due_before", "expected YYYY-MM-DD or RFC3339"))
		return
	} else {
		req.DueBefore = t
	}
	if t, err := parseOptionalTime(c.Query("due_after"), false); err != nil {
		AbortWithError(c, newValidationError("due_after", "invalid_due_after", "expected YYYY-MM-DD or RFC3339"))
		return
	} else {
		req.DueAfter = t
	}
	req.Limit, req.Offset = parsePagination(c)

	items, err := s.invoiceSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetInvoice(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	item, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

type settleInvoiceRequest struct {
	Amount           int64   `json:"amount"`
	PaymentMethod    string  `json:"payment_method"`
	PaidAt           string  `json:"paid_at"`
	ExternalChargeID *string `json:"external_charge_id"`
	Description      string  `json:"description"`
}

func (s *Server) SettleInvoice(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	var req settleInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	paidAt := time.Now().UTC()
	if strings.TrimSpace(req.PaidAt) != "" {
		parsed, err := time.Parse(time.RFC3339, req.PaidAt)
		if err != nil {
			AbortWithError(c, newValidationError("paid_at", "invalid_paid_at", "expected RFC3339"))
			return
		}
		paidAt = parsed
	}

	item, err := s.invoiceSvc.Settle(c.Request.Context(), invoicedomain.SettleRequest{
		InvoiceID:        id,
		Amount:           req.Amount,
		PaymentMethod:    invoicedomain.PaymentMethod(strings.ToUpper(req.PaymentMethod)),
		PaidAt:           paidAt,
		ExternalChargeID: req.ExternalChargeID,
		Description:      req.Description,
	})
	if err != nil {
		// A recognized duplicate is not a failure: the charge already
		// credited, so answer with the invoice as it stands.
		if errors.Is(err, invoicedomain.ErrDuplicateSettlement) {
			s.respondCurrentInvoice(c, id, err)
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

// respondCurrentInvoice resolves an idempotent duplicate to the invoice's
// current state. When even the re-read fails, the original error surfaces.
func (s *Server) respondCurrentInvoice(c *gin.Context, id snowflake.ID, dupErr error) {
	current, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, dupErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": current})
}

type reverseInvoiceRequest struct {
	Amount           int64  `json:"amount"`
	ExternalChargeID string `json:"external_charge_id" binding:"required"`
	Reason           string `json:"reason"`
}

func (s *Server) ReverseInvoice(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	var req reverseInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	item, err := s.invoiceSvc.Reverse(c.Request.Context(), invoicedomain.ReverseRequest{
		InvoiceID:        id,
		Amount:           req.Amount,
		ExternalChargeID: req.ExternalChargeID,
		Reason:           req.Reason,
		OccurredAt:       time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, invoicedomain.ErrDuplicateReversal) {
			s.respondCurrentInvoice(c, id, err)
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CancelInvoice(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	item, err := s.invoiceSvc.Cancel(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

type splitInvoiceRequest struct {
	Parts int `json:"parts" binding:"required"`
}

func (s *Server) SplitInvoice(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	var req splitInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	items, err := s.invoiceSvc.SplitInstallments(c.Request.Context(), id, req.Parts)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": items})
}

func parseSnowflakeID(value string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(value)
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, ErrInvalidRequest
	}
	return *id, nil
}

package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tatamipay/billing/internal/charge"
	"github.com/tatamipay/billing/internal/gateway"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
)

type createChargeRequest struct {
	Method string `json:"method" binding:"required"`
	Payer  struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Document  string `json:"document"`
		Email     string `json:"email"`
		Phone     string `json:"phone"`
	} `json:"payer"`
	Card *struct {
		Number       string `json:"number"`
		HolderName   string `json:"holder_name"`
		ExpMonth     string `json:"exp_month"`
		ExpYear      string `json:"exp_year"`
		CVV          string `json:"cvv"`
		Installments int    `json:"installments"`
	} `json:"card"`
}

func (s *Server) CreateCharge(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	var req createChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	chargeReq := charge.CreateRequest{
		InvoiceID: id,
		Method:    invoicedomain.PaymentMethod(strings.ToUpper(req.Method)),
		Payer: gateway.Payer{
			FirstName: req.Payer.FirstName,
			LastName:  req.Payer.LastName,
			Document:  req.Payer.Document,
			Email:     req.Payer.Email,
			Phone:     req.Payer.Phone,
		},
	}
	if req.Card != nil {
		chargeReq.Card = &gateway.CardDetails{
			Number:       req.Card.Number,
			HolderName:   req.Card.HolderName,
			ExpMonth:     req.Card.ExpMonth,
			ExpYear:      req.Card.ExpYear,
			CVV:          req.Card.CVV,
			Installments: req.Card.Installments,
		}
	}

	result, err := s.chargeSvc.Create(c.Request.Context(), chargeReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": result})
}

func (s *Server) GetCharge(c *gin.Context) {
	externalID := strings.TrimSpace(c.Param("external_id"))
	if externalID == "" {
		AbortWithError(c, newValidationError("external_id", "invalid_external_id", "invalid external id"))
		return
	}

	result, err := s.chargeSvc.Status(c.Request.Context(), externalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

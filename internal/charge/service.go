// Package charge turns invoices into gateway charges. It registers the
// local PENDING transaction first, so a webhook can always find something
// to confirm, then asks the gateway to create the charge.
package charge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tatamipay/billing/internal/clock"
	"github.com/tatamipay/billing/internal/gateway"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidCharge  = errors.New("invalid charge request")
	ErrChargeNotFound = errors.New("charge not found")
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Gateway    *gateway.Client
	InvoiceSvc invoicedomain.Service
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	gateway    *gateway.Client
	invoiceSvc invoicedomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("charge.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		gateway:    p.Gateway,
		invoiceSvc: p.InvoiceSvc,
	}
}

// CreateRequest opens a gateway charge for the outstanding balance of an
// invoice.
type CreateRequest struct {
	InvoiceID snowflake.ID
	Method    invoicedomain.PaymentMethod
	Payer     gateway.Payer
	Card      *gateway.CardDetails
}

// Result is what the API hands back to the caller: the local transaction,
// the gateway charge id and the raw provider payload (QR code, barcode...).
type Result struct {
	TransactionID    snowflake.ID   `json:"transaction_id"`
	ExternalChargeID string         `json:"external_charge_id"`
	Status           string         `json:"status"`
	AmountCents      int64          `json:"amount_cents"`
	Reused           bool           `json:"reused"`
	Payload          map[string]any `json:"payload,omitempty"`
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	invoice, err := s.invoiceSvc.Get(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	switch invoice.Status {
	case invoicedomain.InvoiceStatusPending,
		invoicedomain.InvoiceStatusOverdue,
		invoicedomain.InvoiceStatusPartiallyPaid:
	default:
		return nil, invoicedomain.ErrInvalidState
	}

	remaining := invoice.TotalAmount - invoice.PaidAmount
	if remaining <= 0 {
		return nil, ErrInvalidCharge
	}

	// PIX charges stay payable until they expire; hand the open one back
	// instead of stacking a second charge on the same invoice.
	if req.Method == invoicedomain.PaymentMethodPix {
		if reused, err := s.findOpenPixCharge(ctx, invoice.ID, remaining); err != nil {
			return nil, err
		} else if reused != nil {
			return reused, nil
		}
	}

	method, err := chargeMethod(req.Method)
	if err != nil {
		return nil, err
	}

	movement := invoicedomain.Transaction{
		ID:            s.genID.Generate(),
		TenantID:      invoice.TenantID,
		PayerID:       invoice.PayerID,
		InvoiceID:     &invoice.ID,
		Direction:     invoicedomain.TransactionDirectionIn,
		Origin:        invoicedomain.TransactionOriginInvoice,
		Status:        invoicedomain.TransactionStatusPending,
		Description:   "charge for invoice " + invoice.InvoiceNumber,
		Amount:        remaining,
		PaymentMethod: req.Method,
		OccurredAt:    s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&movement).Error; err != nil {
		return nil, err
	}

	var dueDate *time.Time
	if req.Method == invoicedomain.PaymentMethodBoleto {
		due := invoice.DueDate
		dueDate = &due
	}

	created, err := s.gateway.CreateCharge(ctx, gateway.ChargeRequest{
		Method:      method,
		AmountCents: remaining,
		Description: invoice.Description,
		ReferenceID: movement.ID.String(),
		DueDate:     dueDate,
		Payer:       req.Payer,
		Card:        req.Card,
	})
	if err != nil {
		if _, rejected := gateway.AsRejected(err); rejected {
			// Definitive refusal: the charge will never exist, close the
			// local movement.
			if cancelErr := s.db.WithContext(ctx).
				Model(&invoicedomain.Transaction{}).
				Where("id = ?", movement.ID).
				Updates(map[string]any{
					"status":     invoicedomain.TransactionStatusCancelled,
					"updated_at": s.clock.Now(),
				}).Error; cancelErr != nil {
				s.log.Error("failed to cancel rejected charge transaction",
					zap.Int64("transaction_id", int64(movement.ID)),
					zap.Error(cancelErr),
				)
			}
			return nil, err
		}
		// Transport failure or 5xx: the gateway may or may not have created
		// the charge. Leave the movement PENDING so a later webhook or
		// status poll can resolve it.
		return nil, err
	}

	if err := s.db.WithContext(ctx).
		Model(&invoicedomain.Transaction{}).
		Where("id = ?", movement.ID).
		Updates(map[string]any{
			"external_charge_id": created.ExternalID,
			"metadata":           datatypes.JSONMap(created.Payload),
			"updated_at":         s.clock.Now(),
		}).Error; err != nil {
		return nil, err
	}

	// The invoice tracks its most recent open charge.
	if err := s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ?", invoice.ID).
		Updates(map[string]any{
			"external_charge_id": created.ExternalID,
			"updated_at":         s.clock.Now(),
		}).Error; err != nil {
		return nil, err
	}

	return &Result{
		TransactionID:    movement.ID,
		ExternalChargeID: created.ExternalID,
		Status:           created.Status,
		AmountCents:      remaining,
		Payload:          created.Payload,
	}, nil
}

// Status returns the gateway's current view of a charge together with the
// local transaction it maps to.
func (s *Service) Status(ctx context.Context, externalChargeID string) (*Result, error) {
	var movement invoicedomain.Transaction
	err := s.db.WithContext(ctx).
		Where("external_charge_id = ?", externalChargeID).
		First(&movement).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChargeNotFound
		}
		return nil, err
	}

	remote, err := s.gateway.GetCharge(ctx, externalChargeID)
	if err != nil {
		return nil, err
	}

	return &Result{
		TransactionID:    movement.ID,
		ExternalChargeID: externalChargeID,
		Status:           remote.Status,
		AmountCents:      movement.Amount,
		Payload:          remote.Payload,
	}, nil
}

func (s *Service) findOpenPixCharge(ctx context.Context, invoiceID snowflake.ID, amount int64) (*Result, error) {
	var movement invoicedomain.Transaction
	err := s.db.WithContext(ctx).
		Where("invoice_id = ? AND payment_method = ? AND status = ? AND external_charge_id IS NOT NULL",
			invoiceID,
			invoicedomain.PaymentMethodPix,
			invoicedomain.TransactionStatusPending,
		).
		Order("created_at DESC").
		First(&movement).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if movement.Amount != amount {
		// The outstanding balance changed since the charge was created;
		// the stale charge is abandoned and a fresh one issued.
		return nil, nil
	}

	return &Result{
		TransactionID:    movement.ID,
		ExternalChargeID: *movement.ExternalChargeID,
		Status:           "pending",
		AmountCents:      movement.Amount,
		Reused:           true,
		Payload:          map[string]any(movement.Metadata),
	}, nil
}

func chargeMethod(m invoicedomain.PaymentMethod) (gateway.ChargeMethod, error) {
	switch m {
	case invoicedomain.PaymentMethodPix:
		return gateway.ChargeMethodPix, nil
	case invoicedomain.PaymentMethodCard:
		return gateway.ChargeMethodCard, nil
	case invoicedomain.PaymentMethodBoleto:
		return gateway.ChargeMethodBoleto, nil
	default:
		return "", fmt.Errorf("%w: method %q", ErrInvalidCharge, m)
	}
}

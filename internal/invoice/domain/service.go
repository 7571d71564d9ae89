package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidInvoice      = errors.New("invalid invoice")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidState        = errors.New("invalid invoice state")
	ErrDuplicateSettlement = errors.New("settlement already applied")
	ErrDuplicateReversal   = errors.New("reversal already applied")
	ErrInvalidInstallments = errors.New("invalid installment count")
)

// IssueRequest creates a new receivable.
type IssueRequest struct {
	TenantID        snowflake.ID
	PayerID         snowflake.ID
	SubscriptionID  *snowflake.ID
	Description     string
	OriginalAmount  int64
	DiscountAmount  int64
	SurchargeAmount int64
	DueDate         time.Time
	PaymentMethod   PaymentMethod
	Metadata        map[string]any
}

// SettleRequest applies a payment to an invoice. ExternalChargeID, when set,
// makes the settlement idempotent across webhook redeliveries.
type SettleRequest struct {
	InvoiceID        snowflake.ID
	Amount           int64
	PaymentMethod    PaymentMethod
	PaidAt           time.Time
	ExternalChargeID *string
	Description      string
}

// ReverseRequest undoes a prior settlement identified by its gateway charge.
type ReverseRequest struct {
	InvoiceID        snowflake.ID
	Amount           int64
	ExternalChargeID string
	Reason           string
	OccurredAt       time.Time
}

// ListRequest filters invoices. Zero values mean "no filter".
type ListRequest struct {
	TenantID  snowflake.ID
	PayerID   snowflake.ID
	Status    InvoiceStatus
	DueBefore *time.Time
	DueAfter  *time.Time
	Limit     int
	Offset    int
}

// TenantSummary aggregates a tenant's outstanding receivables. Amounts are
// the unpaid remainder (total minus what was already settled).
type TenantSummary struct {
	TenantID      snowflake.ID `json:"tenant_id"`
	OpenCount     int64        `json:"open_count"`
	OpenAmount    int64        `json:"open_amount"`
	OverdueCount  int64        `json:"overdue_count"`
	OverdueAmount int64        `json:"overdue_amount"`
}

// LateChargeTerms are the policy inputs for overdue surcharges.
type LateChargeTerms struct {
	FinePercent          float64
	DailyInterestPercent float64
}

// Service is the invoice ledger. It owns invoices and their transactions.
type Service interface {
	Issue(ctx context.Context, req IssueRequest) (*Invoice, error)
	Get(ctx context.Context, id snowflake.ID) (*Invoice, error)
	List(ctx context.Context, req ListRequest) ([]Invoice, error)
	Summary(ctx context.Context, tenantID snowflake.ID) (*TenantSummary, error)
	Settle(ctx context.Context, req SettleRequest) (*Invoice, error)
	Reverse(ctx context.Context, req ReverseRequest) (*Invoice, error)
	Cancel(ctx context.Context, id snowflake.ID, reason string) (*Invoice, error)
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
	ApplyLateCharges(ctx context.Context, id snowflake.ID, terms LateChargeTerms, asOf time.Time) (*Invoice, error)
	SplitInstallments(ctx context.Context, id snowflake.ID, parts int) ([]Invoice, error)
}

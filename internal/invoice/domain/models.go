// Package domain contains persistence models for the invoice ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusPending       InvoiceStatus = "PENDING"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusOverdue       InvoiceStatus = "VENCIDA"
	InvoiceStatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoiceStatusCancelled     InvoiceStatus = "CANCELLED"
)

// Terminal reports whether the status accepts no further transitions.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceStatusCancelled
}

// PaymentMethod identifies how an invoice is expected to be settled.
type PaymentMethod string

const (
	PaymentMethodPix    PaymentMethod = "PIX"
	PaymentMethodCard   PaymentMethod = "CARD"
	PaymentMethodBoleto PaymentMethod = "BOLETO"
	PaymentMethodCash   PaymentMethod = "CASH"
)

// Invoice represents one receivable. All amounts are integer cents.
// TotalAmount is always OriginalAmount - DiscountAmount + SurchargeAmount,
// clamped at zero.
type Invoice struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID         snowflake.ID      `gorm:"not null;index" json:"tenant_id"`
	PayerID          snowflake.ID      `gorm:"not null;index" json:"payer_id"`
	SubscriptionID   *snowflake.ID     `gorm:"index" json:"subscription_id,omitempty"`
	InvoiceNumber    string            `gorm:"type:text;not null;uniqueIndex" json:"invoice_number"`
	NumberSeq        int64             `gorm:"not null;default:0" json:"-"`
	Description      string            `gorm:"type:text" json:"description"`
	Status           InvoiceStatus     `gorm:"type:text;not null;default:'PENDING';index" json:"status"`
	OriginalAmount   int64             `gorm:"not null" json:"original_amount"`
	DiscountAmount   int64             `gorm:"not null;default:0" json:"discount_amount"`
	SurchargeAmount  int64             `gorm:"not null;default:0" json:"surcharge_amount"`
	TotalAmount      int64             `gorm:"not null" json:"total_amount"`
	PaidAmount       int64             `gorm:"not null;default:0" json:"paid_amount"`
	PaymentMethod    PaymentMethod     `gorm:"type:text" json:"payment_method"`
	DueDate          time.Time         `gorm:"not null;index" json:"due_date"`
	PaidAt           *time.Time        `json:"paid_at,omitempty"`
	ReminderSentAt   *time.Time        `json:"reminder_sent_at,omitempty"`
	CancelledAt      *time.Time        `json:"cancelled_at,omitempty"`
	CancelReason     string            `gorm:"type:text" json:"cancel_reason,omitempty"`
	ExternalChargeID *string           `gorm:"type:text;index" json:"external_charge_id,omitempty"`
	Metadata         datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// TransactionStatus represents money movement states.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusConfirmed TransactionStatus = "CONFIRMED"
	TransactionStatusCancelled TransactionStatus = "CANCELLED"
	TransactionStatusReversed  TransactionStatus = "REVERSED"
)

// TransactionDirection distinguishes inbound settlements from outbound reversals.
type TransactionDirection string

const (
	TransactionDirectionIn  TransactionDirection = "IN"
	TransactionDirectionOut TransactionDirection = "OUT"
)

// TransactionOrigin records what produced the movement.
type TransactionOrigin string

const (
	TransactionOriginInvoice  TransactionOrigin = "INVOICE"
	TransactionOriginReversal TransactionOrigin = "REVERSAL"
	TransactionOriginManual   TransactionOrigin = "MANUAL"
)

// Transaction represents a single money movement against the ledger.
// ExternalChargeID is unique when present: at most one row may reference a
// given gateway charge, which is what makes webhook settlement idempotent.
type Transaction struct {
	ID               snowflake.ID         `gorm:"primaryKey" json:"id"`
	TenantID         snowflake.ID         `gorm:"not null;index" json:"tenant_id"`
	PayerID          snowflake.ID         `gorm:"not null;index" json:"payer_id"`
	InvoiceID        *snowflake.ID        `gorm:"index" json:"invoice_id,omitempty"`
	Direction        TransactionDirection `gorm:"type:text;not null" json:"direction"`
	Origin           TransactionOrigin    `gorm:"type:text;not null" json:"origin"`
	Status           TransactionStatus    `gorm:"type:text;not null;default:'PENDING';index" json:"status"`
	Description      string               `gorm:"type:text" json:"description"`
	Amount           int64                `gorm:"not null" json:"amount"`
	PaymentMethod    PaymentMethod        `gorm:"type:text" json:"payment_method"`
	ExternalChargeID *string              `gorm:"type:text;uniqueIndex" json:"external_charge_id,omitempty"`
	Disputed         bool                 `gorm:"not null;default:false" json:"disputed"`
	OccurredAt       time.Time            `gorm:"not null" json:"occurred_at"`
	Metadata         datatypes.JSONMap    `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt        time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }

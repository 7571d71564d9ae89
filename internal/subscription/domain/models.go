// Package domain contains persistence models for recurring subscriptions.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
	"gorm.io/datatypes"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidSubscription  = errors.New("invalid subscription")
	ErrInvalidState         = errors.New("invalid subscription state")
)

// SubscriptionStatus represents subscription lifecycle states.
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPaused     SubscriptionStatus = "PAUSED"
	SubscriptionStatusDelinquent SubscriptionStatus = "DELINQUENT"
	SubscriptionStatusCancelled  SubscriptionStatus = "CANCELLED"
)

// Subscription is a recurring billing agreement. Amount is integer cents per
// cycle; BillingDay is the anchor day-of-month, clamped to shorter months.
type Subscription struct {
	ID              snowflake.ID                `gorm:"primaryKey" json:"id"`
	TenantID        snowflake.ID                `gorm:"not null;index" json:"tenant_id"`
	PayerID         snowflake.ID                `gorm:"not null;index" json:"payer_id"`
	PlanName        string                      `gorm:"type:text;not null" json:"plan_name"`
	Status          SubscriptionStatus          `gorm:"type:text;not null;default:'ACTIVE';index" json:"status"`
	Amount          int64                       `gorm:"not null" json:"amount"`
	PaymentMethod   invoicedomain.PaymentMethod `gorm:"type:text" json:"payment_method"`
	BillingDay      int                         `gorm:"not null" json:"billing_day"`
	StartDate       time.Time                   `gorm:"not null" json:"start_date"`
	NextBillingDate time.Time                   `gorm:"not null;index" json:"next_billing_date"`
	EndDate         *time.Time                  `json:"end_date,omitempty"`
	CancelledAt     *time.Time                  `json:"cancelled_at,omitempty"`
	CancelReason    string                      `gorm:"type:text" json:"cancel_reason,omitempty"`
	Metadata        datatypes.JSONMap           `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt       time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// CreateRequest opens a new subscription.
type CreateRequest struct {
	TenantID      snowflake.ID
	PayerID       snowflake.ID
	PlanName      string
	Amount        int64
	PaymentMethod invoicedomain.PaymentMethod
	BillingDay    int
	StartDate     time.Time
	Metadata      map[string]any
}

// ListRequest filters subscriptions. Zero values mean "no filter".
type ListRequest struct {
	TenantID snowflake.ID
	PayerID  snowflake.ID
	Status   SubscriptionStatus
	Limit    int
	Offset   int
}

// Service manages subscriptions and turns due cycles into invoices.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Subscription, error)
	Get(ctx context.Context, id snowflake.ID) (*Subscription, error)
	List(ctx context.Context, req ListRequest) ([]Subscription, error)
	Pause(ctx context.Context, id snowflake.ID) (*Subscription, error)
	Resume(ctx context.Context, id snowflake.ID) (*Subscription, error)
	Cancel(ctx context.Context, id snowflake.ID, reason string) (*Subscription, error)
	FlagDelinquent(ctx context.Context, id snowflake.ID) error
	MaterializeDueInvoices(ctx context.Context, asOf time.Time, batchSize int) (int, error)
}

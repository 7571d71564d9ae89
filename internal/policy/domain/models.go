// Package domain contains persistence models for tenant billing policies.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrInvalidPolicy = errors.New("invalid billing policy")
	ErrInvalidTenant = errors.New("invalid tenant")
)

// Policy holds the collection rules for one tenant. Tenants without a row
// fall back to the file-configured defaults.
type Policy struct {
	ID                   snowflake.ID                `gorm:"primaryKey" json:"id"`
	TenantID             snowflake.ID                `gorm:"not null;uniqueIndex" json:"tenant_id"`
	FinePercent          float64                     `gorm:"not null;default:0" json:"fine_percent"`
	DailyInterestPercent float64                     `gorm:"not null;default:0" json:"daily_interest_percent"`
	DelinquencyThreshold int                         `gorm:"not null;default:2" json:"delinquency_threshold"`
	ReminderLeadDays     int                         `gorm:"not null;default:3" json:"reminder_lead_days"`
	RemindersEnabled     bool                        `gorm:"not null;default:true" json:"reminders_enabled"`
	AcceptedMethods      datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"accepted_methods"`
	CreatedAt            time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt            time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Policy) TableName() string { return "billing_policies" }

// Service resolves and maintains per-tenant billing policies.
type Service interface {
	ForTenant(ctx context.Context, tenantID snowflake.ID) (Policy, error)
	Upsert(ctx context.Context, policy Policy) (Policy, error)
}

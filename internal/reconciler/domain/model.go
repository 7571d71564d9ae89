// Package domain contains models for gateway webhook reconciliation.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
)

// EventKind is the normalized meaning of a gateway event. Everything the
// gateway can send maps onto one of these; unknown names become
// EventUnhandled and are acknowledged without side effects.
type EventKind string

const (
	EventPaid       EventKind = "paid"
	EventFailed     EventKind = "failed"
	EventRefunded   EventKind = "refunded"
	EventChargeback EventKind = "chargeback"
	EventDisputed   EventKind = "disputed"
	EventUnhandled  EventKind = "unhandled"
)

// Event is one parsed gateway notification.
type Event struct {
	Kind             EventKind
	Type             string
	ExternalChargeID string
	AmountCents      int64
	Reason           string
	OccurredAt       time.Time
}

// EventRecord is the stored copy of a received webhook. Orphaned marks
// events whose charge had no local transaction yet; a scheduler job retries
// them once the transaction appears.
type EventRecord struct {
	ID               snowflake.ID   `gorm:"primaryKey" json:"id"`
	EventType        string         `gorm:"type:text;not null" json:"event_type"`
	ExternalChargeID string         `gorm:"type:text;not null;index" json:"external_charge_id"`
	Amount           int64          `gorm:"not null;default:0" json:"amount"`
	Payload          datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	Orphaned         bool           `gorm:"not null;default:false;index" json:"orphaned"`
	ReceivedAt       time.Time      `gorm:"not null" json:"received_at"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty"`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "webhook_events" }

// Service ingests gateway webhooks and reconciles them with the ledger.
type Service interface {
	HandleWebhook(ctx context.Context, payload []byte, headers http.Header) error
	RetryOrphans(ctx context.Context, limit int) (int, error)
}

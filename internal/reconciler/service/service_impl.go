package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tatamipay/billing/internal/clock"
	"github.com/tatamipay/billing/internal/config"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
	obsmetrics "github.com/tatamipay/billing/internal/observability/metrics"
	reconcilerdomain "github.com/tatamipay/billing/internal/reconciler/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	InvoiceSvc invoicedomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	secret     string
	invoiceSvc invoicedomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) reconcilerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reconciler.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		secret:     p.Cfg.Gateway.WebhookSecret,
		invoiceSvc: p.InvoiceSvc,
		obsMetrics: p.ObsMetrics,
	}
}

// HandleWebhook verifies, records and applies one gateway notification.
// Unknown event types and charges with no local transaction are recorded
// and acknowledged; only signature and payload problems are errors.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	if err := s.verifySignature(payload, headers); err != nil {
		s.incMetric("unknown", "bad_signature")
		return err
	}

	event, err := parseEvent(payload)
	if err != nil {
		s.incMetric("unknown", "bad_payload")
		return err
	}

	record := reconcilerdomain.EventRecord{
		ID:               s.genID.Generate(),
		EventType:        event.Type,
		ExternalChargeID: event.ExternalChargeID,
		Amount:           event.AmountCents,
		Payload:          payload,
		ReceivedAt:       s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return err
	}

	return s.resolve(ctx, &record, event)
}

// resolve applies the event to the ledger and marks the record accordingly.
func (s *Service) resolve(ctx context.Context, record *reconcilerdomain.EventRecord, event reconcilerdomain.Event) error {
	if event.Kind == reconcilerdomain.EventUnhandled {
		s.log.Info("ignoring unhandled gateway event",
			zap.String("event_type", event.Type),
			zap.String("external_charge_id", event.ExternalChargeID),
		)
		s.incMetric(event.Type, "unhandled")
		return s.markProcessed(ctx, record.ID, false)
	}

	movement, err := s.findTransaction(ctx, event.ExternalChargeID)
	if err != nil {
		return err
	}
	if movement == nil {
		// The gateway knows a charge we do not. Park the event; the
		// retry job replays it once the transaction shows up.
		s.log.Warn("webhook references unknown charge",
			zap.String("event_type", event.Type),
			zap.String("external_charge_id", event.ExternalChargeID),
		)
		s.incMetric(event.Type, "orphaned")
		return s.markOrphaned(ctx, record.ID)
	}

	if err := s.apply(ctx, movement, event); err != nil {
		if errors.Is(err, invoicedomain.ErrInvalidState) || errors.Is(err, invoicedomain.ErrTransactionNotFound) {
			// Out of order, e.g. a refund racing ahead of its payment.
			// Parked like an orphan and replayed later.
			s.incMetric(event.Type, "orphaned")
			return s.markOrphaned(ctx, record.ID)
		}
		s.incMetric(event.Type, "error")
		return err
	}

	s.incMetric(event.Type, "ok")
	return s.markProcessed(ctx, record.ID, false)
}

func (s *Service) apply(ctx context.Context, movement *invoicedomain.Transaction, event reconcilerdomain.Event) error {
	switch event.Kind {
	case reconcilerdomain.EventPaid:
		return s.applyPaid(ctx, movement, event)
	case reconcilerdomain.EventFailed:
		return s.applyFailed(ctx, movement, event)
	case reconcilerdomain.EventRefunded, reconcilerdomain.EventChargeback:
		return s.applyReversal(ctx, movement, event)
	case reconcilerdomain.EventDisputed:
		return s.db.WithContext(ctx).
			Model(&invoicedomain.Transaction{}).
			Where("id = ?", movement.ID).
			Updates(map[string]any{
				"disputed":   true,
				"updated_at": s.clock.Now(),
			}).Error
	default:
		return nil
	}
}

func (s *Service) applyPaid(ctx context.Context, movement *invoicedomain.Transaction, event reconcilerdomain.Event) error {
	amount := event.AmountCents
	if amount <= 0 {
		amount = movement.Amount
	}
	paidAt := event.OccurredAt
	if paidAt.IsZero() {
		paidAt = s.clock.Now()
	}

	if movement.InvoiceID != nil {
		externalID := event.ExternalChargeID
		_, err := s.invoiceSvc.Settle(ctx, invoicedomain.SettleRequest{
			InvoiceID:        *movement.InvoiceID,
			Amount:           amount,
			PaymentMethod:    movement.PaymentMethod,
			PaidAt:           paidAt,
			ExternalChargeID: &externalID,
		})
		if errors.Is(err, invoicedomain.ErrDuplicateSettlement) {
			// Redelivery of an already-applied payment is a no-op.
			return nil
		}
		return err
	}

	// Charge without an invoice link: just confirm the movement.
	if movement.Status == invoicedomain.TransactionStatusConfirmed {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&invoicedomain.Transaction{}).
		Where("id = ? AND status = ?", movement.ID, invoicedomain.TransactionStatusPending).
		Updates(map[string]any{
			"status":      invoicedomain.TransactionStatusConfirmed,
			"amount":      amount,
			"occurred_at": paidAt.UTC(),
			"updated_at":  s.clock.Now(),
		}).Error
}

// applyFailed cancels the pending movement. Confirmed movements are left
// alone: a failure notification after a success is gateway noise.
func (s *Service) applyFailed(ctx context.Context, movement *invoicedomain.Transaction, event reconcilerdomain.Event) error {
	if movement.Status != invoicedomain.TransactionStatusPending {
		return nil
	}
	updates := map[string]any{
		"status":     invoicedomain.TransactionStatusCancelled,
		"updated_at": s.clock.Now(),
	}
	if event.Reason != "" {
		updates["description"] = movement.Description + " (failed: " + event.Reason + ")"
	}
	return s.db.WithContext(ctx).
		Model(&invoicedomain.Transaction{}).
		Where("id = ? AND status = ?", movement.ID, invoicedomain.TransactionStatusPending).
		Updates(updates).Error
}

func (s *Service) applyReversal(ctx context.Context, movement *invoicedomain.Transaction, event reconcilerdomain.Event) error {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}

	if movement.InvoiceID != nil {
		_, err := s.invoiceSvc.Reverse(ctx, invoicedomain.ReverseRequest{
			InvoiceID:        *movement.InvoiceID,
			Amount:           event.AmountCents,
			ExternalChargeID: event.ExternalChargeID,
			Reason:           string(event.Kind),
			OccurredAt:       occurredAt,
		})
		if errors.Is(err, invoicedomain.ErrDuplicateReversal) {
			return nil
		}
		return err
	}

	if movement.Status == invoicedomain.TransactionStatusReversed {
		return nil
	}
	if movement.Status != invoicedomain.TransactionStatusConfirmed {
		return invoicedomain.ErrInvalidState
	}
	return s.db.WithContext(ctx).
		Model(&invoicedomain.Transaction{}).
		Where("id = ?", movement.ID).
		Updates(map[string]any{
			"status":     invoicedomain.TransactionStatusReversed,
			"updated_at": s.clock.Now(),
		}).Error
}

// RetryOrphans replays parked events whose transaction has since appeared.
func (s *Service) RetryOrphans(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}

	var records []reconcilerdomain.EventRecord
	err := s.db.WithContext(ctx).
		Where("orphaned = ? AND processed_at IS NULL", true).
		Order("received_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return 0, err
	}

	resolved := 0
	var errs error
	for i := range records {
		record := &records[i]
		event, err := parseEvent(record.Payload)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("event %d: %w", record.ID, err))
			continue
		}

		movement, err := s.findTransaction(ctx, event.ExternalChargeID)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("event %d: %w", record.ID, err))
			continue
		}
		if movement == nil {
			continue
		}

		if err := s.apply(ctx, movement, event); err != nil {
			if errors.Is(err, invoicedomain.ErrInvalidState) || errors.Is(err, invoicedomain.ErrTransactionNotFound) {
				continue
			}
			errs = errors.Join(errs, fmt.Errorf("event %d: %w", record.ID, err))
			continue
		}
		if err := s.markProcessed(ctx, record.ID, true); err != nil {
			errs = errors.Join(errs, fmt.Errorf("event %d: %w", record.ID, err))
			continue
		}
		resolved++
	}
	return resolved, errs
}

// verifySignature checks the t=<unix>,v1=<hex> HMAC-SHA256 header over
// "<timestamp>.<payload>". An empty configured secret disables verification,
// which is only acceptable for local development.
func (s *Service) verifySignature(payload []byte, headers http.Header) error {
	if s.secret == "" {
		s.log.Warn("webhook secret not configured, accepting unsigned payload")
		return nil
	}

	sigHeader := strings.TrimSpace(headers.Get("X-Webhook-Signature"))
	if sigHeader == "" {
		return reconcilerdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return reconcilerdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(s.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return reconcilerdomain.ErrInvalidSignature
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	var signatures []string

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "t="):
			timestamp = strings.TrimPrefix(part, "t=")
		case strings.HasPrefix(part, "v1="):
			signatures = append(signatures, strings.TrimPrefix(part, "v1="))
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, reconcilerdomain.ErrInvalidSignature
	}
	if _, err := strconv.ParseInt(timestamp, 10, 64); err != nil {
		return "", nil, reconcilerdomain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}

type gatewayEvent struct {
	Event string `json:"event"`
	Data  struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Reason    string `json:"reason"`
		Timestamp int64  `json:"timestamp"`
	} `json:"data"`
}

func parseEvent(payload []byte) (reconcilerdomain.Event, error) {
	var raw gatewayEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return reconcilerdomain.Event{}, reconcilerdomain.ErrInvalidPayload
	}
	eventType := strings.TrimSpace(raw.Event)
	chargeID := strings.TrimSpace(raw.Data.ID)
	if eventType == "" || chargeID == "" {
		return reconcilerdomain.Event{}, reconcilerdomain.ErrInvalidPayload
	}

	event := reconcilerdomain.Event{
		Kind:             kindOf(eventType),
		Type:             eventType,
		ExternalChargeID: chargeID,
		AmountCents:      raw.Data.Amount,
		Reason:           strings.TrimSpace(raw.Data.Reason),
	}
	if raw.Data.Timestamp > 0 {
		event.OccurredAt = time.Unix(raw.Data.Timestamp, 0).UTC()
	}
	return event, nil
}

func kindOf(eventType string) reconcilerdomain.EventKind {
	switch eventType {
	case "charge.paid", "charge.approved":
		return reconcilerdomain.EventPaid
	case "charge.failed", "charge.canceled", "charge.expired":
		return reconcilerdomain.EventFailed
	case "charge.refunded":
		return reconcilerdomain.EventRefunded
	case "charge.chargeback":
		return reconcilerdomain.EventChargeback
	case "charge.disputed":
		return reconcilerdomain.EventDisputed
	default:
		return reconcilerdomain.EventUnhandled
	}
}

func (s *Service) findTransaction(ctx context.Context, externalChargeID string) (*invoicedomain.Transaction, error) {
	var movement invoicedomain.Transaction
	err := s.db.WithContext(ctx).
		Where("external_charge_id = ?", externalChargeID).
		First(&movement).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &movement, nil
}

func (s *Service) markProcessed(ctx context.Context, id snowflake.ID, clearOrphan bool) error {
	updates := map[string]any{
		"processed_at": s.clock.Now(),
	}
	if clearOrphan {
		updates["orphaned"] = false
	}
	return s.db.WithContext(ctx).
		Model(&reconcilerdomain.EventRecord{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (s *Service) markOrphaned(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).
		Model(&reconcilerdomain.EventRecord{}).
		Where("id = ?", id).
		Update("orphaned", true).Error
}

func (s *Service) incMetric(eventType, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.IncWebhookEvent(eventType, outcome)
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tatamipay/billing/internal/clock"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
	subscriptiondomain "github.com/tatamipay/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	InvoiceSvc invoicedomain.Service
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	invoiceSvc invoicedomain.Service
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		invoiceSvc: p.InvoiceSvc,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (*subscriptiondomain.Subscription, error) {
	if req.TenantID == 0 || req.PayerID == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	if req.Amount <= 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	if req.BillingDay < 1 || req.BillingDay > 31 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}

	start := req.StartDate
	if start.IsZero() {
		start = s.clock.Now()
	}
	start = startOfDay(start)

	sub := subscriptiondomain.Subscription{
		ID:              s.genID.Generate(),
		TenantID:        req.TenantID,
		PayerID:         req.PayerID,
		PlanName:        strings.TrimSpace(req.PlanName),
		Status:          subscriptiondomain.SubscriptionStatusActive,
		Amount:          req.Amount,
		PaymentMethod:   req.PaymentMethod,
		BillingDay:      req.BillingDay,
		StartDate:       start,
		NextBillingDate: firstBillingDate(start, req.BillingDay),
		Metadata:        datatypes.JSONMap(req.Metadata),
	}
	if err := s.db.WithContext(ctx).Create(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subscriptiondomain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Service) List(ctx context.Context, req subscriptiondomain.ListRequest) ([]subscriptiondomain.Subscription, error) {
	query := s.db.WithContext(ctx).Model(&subscriptiondomain.Subscription{})
	if req.TenantID != 0 {
		query = query.Where("tenant_id = ?", req.TenantID)
	}
	if req.PayerID != 0 {
		query = query.Where("payer_id = ?", req.PayerID)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var subs []subscriptiondomain.Subscription
	err := query.Order("id ASC").Limit(limit).Offset(req.Offset).Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *Service) Pause(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, id, subscriptiondomain.SubscriptionStatusPaused, "",
		subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusDelinquent,
	)
}

func (s *Service) Resume(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, id, subscriptiondomain.SubscriptionStatusActive, "",
		subscriptiondomain.SubscriptionStatusPaused,
		subscriptiondomain.SubscriptionStatusDelinquent,
	)
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID, reason string) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, id, subscriptiondomain.SubscriptionStatusCancelled, reason,
		subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusPaused,
		subscriptiondomain.SubscriptionStatusDelinquent,
	)
}

// FlagDelinquent is called by the delinquency job once a payer crosses the
// overdue-invoice threshold. Only active subscriptions are flagged.
func (s *Service) FlagDelinquent(ctx context.Context, id snowflake.ID) error {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		subscriptiondomain.SubscriptionStatusDelinquent,
		s.clock.Now(),
		id,
		subscriptiondomain.SubscriptionStatusActive,
	)
	return res.Error
}

func (s *Service) transition(
	ctx context.Context,
	id snowflake.ID,
	to subscriptiondomain.SubscriptionStatus,
	reason string,
	from ...subscriptiondomain.SubscriptionStatus,
) (*subscriptiondomain.Subscription, error) {
	var result *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status == to {
			result = sub
			return nil
		}
		allowed := false
		for _, f := range from {
			if sub.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return subscriptiondomain.ErrInvalidState
		}

		now := s.clock.Now()
		updates := map[string]any{
			"status":     to,
			"updated_at": now,
		}
		if to == subscriptiondomain.SubscriptionStatusCancelled {
			updates["cancelled_at"] = now
			updates["cancel_reason"] = strings.TrimSpace(reason)
			updates["end_date"] = now
		}
		if err := tx.Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", id).
			Updates(updates).Error; err != nil {
			return err
		}

		result, err = s.reload(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MaterializeDueInvoices issues one invoice per due billing cycle and
// advances next_billing_date by a month. Each subscription is handled in its
// own transaction so one bad row cannot stall the batch, and a cycle that
// already has an invoice is advanced without issuing a second one.
func (s *Service) MaterializeDueInvoices(ctx context.Context, asOf time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	cutoff := startOfDay(asOf).AddDate(0, 0, 1)

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT id FROM subscriptions
		 WHERE status IN (?, ?) AND next_billing_date < ?
		 ORDER BY next_billing_date ASC
		 LIMIT ?`,
		subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusDelinquent,
		cutoff,
		batchSize,
	).Scan(&ids).Error
	if err != nil {
		return 0, err
	}

	issued := 0
	var errs error
	for _, id := range ids {
		ok, err := s.materializeOne(ctx, id, cutoff)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("subscription %d: %w", id, err))
			continue
		}
		if ok {
			issued++
		}
	}
	return issued, errs
}

func (s *Service) materializeOne(ctx context.Context, id snowflake.ID, cutoff time.Time) (bool, error) {
	var (
		sub      *subscriptiondomain.Subscription
		dueDate  time.Time
		needsNew bool
	)
	// Decide under lock, then issue outside the transaction: Issue runs its
	// own transaction and must not nest inside this one. If the process dies
	// between issuing and advancing, the next run finds the invoice by
	// (subscription_id, due_date) and only advances.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if loaded == nil {
			return nil
		}
		switch loaded.Status {
		case subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusDelinquent:
		default:
			return nil
		}
		if !loaded.NextBillingDate.Before(cutoff) {
			// Another worker advanced it between the scan and the lock.
			return nil
		}

		sub = loaded
		dueDate = startOfDay(loaded.NextBillingDate)

		var existing int64
		if err := tx.Model(&invoicedomain.Invoice{}).
			Where("subscription_id = ? AND due_date = ?", loaded.ID, dueDate).
			Count(&existing).Error; err != nil {
			return err
		}
		needsNew = existing == 0
		return nil
	})
	if err != nil || sub == nil {
		return false, err
	}

	issued := false
	if needsNew {
		// Carry the subscription metadata (payer contact details and the
		// like) onto the invoice so downstream consumers see it.
		meta := make(map[string]any, len(sub.Metadata)+1)
		for k, v := range sub.Metadata {
			meta[k] = v
		}
		meta["billing_cycle"] = dueDate.Format("2006-01")

		_, err := s.invoiceSvc.Issue(ctx, invoicedomain.IssueRequest{
			TenantID:       sub.TenantID,
			PayerID:        sub.PayerID,
			SubscriptionID: &sub.ID,
			Description:    fmt.Sprintf("%s %s", sub.PlanName, dueDate.Format("2006-01")),
			OriginalAmount: sub.Amount,
			DueDate:        dueDate,
			PaymentMethod:  sub.PaymentMethod,
			Metadata:       meta,
		})
		if err != nil {
			return false, err
		}
		issued = true
	}

	next := nextBillingDate(sub.NextBillingDate, sub.BillingDay)
	err = s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ? AND next_billing_date = ?", sub.ID, sub.NextBillingDate).
		Updates(map[string]any{
			"next_billing_date": next,
			"updated_at":        s.clock.Now(),
		}).Error
	return issued, err
}

func (s *Service) loadForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions
		 WHERE id = ?
		 FOR UPDATE`,
		id,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (s *Service) reload(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// firstBillingDate anchors the first cycle on the billing day at or after
// the start date.
func firstBillingDate(start time.Time, billingDay int) time.Time {
	candidate := clampedDate(start.Year(), start.Month(), billingDay)
	if candidate.Before(start) {
		candidate = clampedDate(start.Year(), start.Month()+1, billingDay)
	}
	return candidate
}

// nextBillingDate advances one calendar month, clamping the anchor day to
// months that are too short. A day-31 anchor billed in February returns to
// day 31 in March because the anchor, not the previous date, drives the clamp.
func nextBillingDate(from time.Time, billingDay int) time.Time {
	return clampedDate(from.Year(), from.Month()+1, billingDay)
}

func clampedDate(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

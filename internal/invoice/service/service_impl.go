package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tatamipay/billing/internal/clock"
	"github.com/tatamipay/billing/internal/config"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
	"github.com/tatamipay/billing/internal/money"
	obsmetrics "github.com/tatamipay/billing/internal/observability/metrics"
	"github.com/tatamipay/billing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// numberAttempts bounds the retry loop when two issuers race for the same
// invoice number.
const numberAttempts = 3

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	numberScheme string
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p Params) invoicedomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("invoice.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		numberScheme: p.Cfg.InvoiceNumberScheme,
		obsMetrics:   p.ObsMetrics,
	}
}

// invoiceNumber formats the allocated sequence under the configured scheme.
// The sequence itself stays global either way; the yearly scheme only
// prefixes the issue year.
func (s *Service) invoiceNumber(seq int64) string {
	if s.numberScheme == "yearly" {
		return fmt.Sprintf("FAT%d%06d", s.clock.Now().Year(), seq)
	}
	return fmt.Sprintf("FAT-%06d", seq)
}

func (s *Service) Issue(ctx context.Context, req invoicedomain.IssueRequest) (*invoicedomain.Invoice, error) {
	if req.TenantID == 0 || req.PayerID == 0 {
		return nil, invoicedomain.ErrInvalidInvoice
	}
	if req.OriginalAmount <= 0 || req.DiscountAmount < 0 || req.SurchargeAmount < 0 {
		return nil, invoicedomain.ErrInvalidAmount
	}
	if req.DueDate.IsZero() {
		return nil, invoicedomain.ErrInvalidInvoice
	}

	total := money.Total(req.OriginalAmount, req.DiscountAmount, req.SurchargeAmount)
	metadata := datatypes.JSONMap(req.Metadata)
	if req.OriginalAmount-req.DiscountAmount+req.SurchargeAmount < 0 {
		if metadata == nil {
			metadata = datatypes.JSONMap{}
		}
		metadata["total_clamped"] = true
		s.log.Warn("invoice total clamped at zero",
			zap.Int64("tenant_id", int64(req.TenantID)),
			zap.Int64("original", req.OriginalAmount),
			zap.Int64("discount", req.DiscountAmount),
		)
	}

	invoice := invoicedomain.Invoice{
		ID:              s.genID.Generate(),
		TenantID:        req.TenantID,
		PayerID:         req.PayerID,
		SubscriptionID:  req.SubscriptionID,
		Description:     strings.TrimSpace(req.Description),
		Status:          invoicedomain.InvoiceStatusPending,
		OriginalAmount:  req.OriginalAmount,
		DiscountAmount:  req.DiscountAmount,
		SurchargeAmount: req.SurchargeAmount,
		TotalAmount:     total,
		PaymentMethod:   req.PaymentMethod,
		DueDate:         req.DueDate.UTC(),
		Metadata:        metadata,
	}

	if err := s.createWithNumber(ctx, &invoice); err != nil {
		return nil, err
	}
	if s.obsMetrics != nil {
		s.obsMetrics.IncInvoiceIssued()
	}
	return &invoice, nil
}

// createWithNumber allocates the next sequential invoice number and inserts
// the row. Concurrent issuers can race on MAX()+1, so a duplicate number is
// retried with a fresh allocation.
func (s *Service) createWithNumber(ctx context.Context, invoice *invoicedomain.Invoice) error {
	var lastErr error
	for attempt := 0; attempt < numberAttempts; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var next int64
			if err := tx.Raw(
				`SELECT COALESCE(MAX(number_seq), 0) + 1 FROM invoices`,
			).Scan(&next).Error; err != nil {
				return err
			}
			invoice.NumberSeq = next
			invoice.InvoiceNumber = s.invoiceNumber(next)
			return tx.Create(invoice).Error
		})
		if err == nil {
			return nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&invoice).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListRequest) ([]invoicedomain.Invoice, error) {
	query := s.db.WithContext(ctx).Model(&invoicedomain.Invoice{})
	if req.TenantID != 0 {
		query = query.Where("tenant_id = ?", req.TenantID)
	}
	if req.PayerID != 0 {
		query = query.Where("payer_id = ?", req.PayerID)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.DueBefore != nil {
		query = query.Where("due_date < ?", req.DueBefore.UTC())
	}
	if req.DueAfter != nil {
		query = query.Where("due_date >= ?", req.DueAfter.UTC())
	}
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var invoices []invoicedomain.Invoice
	err := query.Order("due_date ASC, id ASC").
		Limit(limit).
		Offset(req.Offset).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

// Summary rolls up a tenant's open receivables in one aggregate scan.
func (s *Service) Summary(ctx context.Context, tenantID snowflake.ID) (*invoicedomain.TenantSummary, error) {
	if tenantID == 0 {
		return nil, invoicedomain.ErrInvalidInvoice
	}

	var row struct {
		OpenCount     int64
		OpenAmount    int64
		OverdueCount  int64
		OverdueAmount int64
	}
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			COUNT(*) AS open_count,
			COALESCE(SUM(total_amount - paid_amount), 0) AS open_amount,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS overdue_count,
			COALESCE(SUM(CASE WHEN status = ? THEN total_amount - paid_amount ELSE 0 END), 0) AS overdue_amount
		FROM invoices
		WHERE tenant_id = ? AND status IN (?, ?, ?)`,
		invoicedomain.InvoiceStatusOverdue,
		invoicedomain.InvoiceStatusOverdue,
		tenantID,
		invoicedomain.InvoiceStatusPending,
		invoicedomain.InvoiceStatusOverdue,
		invoicedomain.InvoiceStatusPartiallyPaid,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}

	return &invoicedomain.TenantSummary{
		TenantID:      tenantID,
		OpenCount:     row.OpenCount,
		OpenAmount:    row.OpenAmount,
		OverdueCount:  row.OverdueCount,
		OverdueAmount: row.OverdueAmount,
	}, nil
}

func (s *Service) Settle(ctx context.Context, req invoicedomain.SettleRequest) (*invoicedomain.Invoice, error) {
	if req.Amount <= 0 {
		return nil, invoicedomain.ErrInvalidAmount
	}
	paidAt := req.PaidAt
	if paidAt.IsZero() {
		paidAt = s.clock.Now()
	}

	var result *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, req.InvoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if invoice.Status == invoicedomain.InvoiceStatusCancelled {
			return invoicedomain.ErrInvalidState
		}

		if req.ExternalChargeID != nil && *req.ExternalChargeID != "" {
			if err := s.confirmChargeTransaction(ctx, tx, invoice, req, paidAt); err != nil {
				result = invoice
				return err
			}
		} else {
			movement := invoicedomain.Transaction{
				ID:            s.genID.Generate(),
				TenantID:      invoice.TenantID,
				PayerID:       invoice.PayerID,
				InvoiceID:     &invoice.ID,
				Direction:     invoicedomain.TransactionDirectionIn,
				Origin:        invoicedomain.TransactionOriginManual,
				Status:        invoicedomain.TransactionStatusConfirmed,
				Description:   settleDescription(req.Description, invoice.InvoiceNumber),
				Amount:        req.Amount,
				PaymentMethod: req.PaymentMethod,
				OccurredAt:    paidAt.UTC(),
			}
			if err := tx.Create(&movement).Error; err != nil {
				return err
			}
		}

		updated, err := s.applyCredit(ctx, tx, invoice, req.Amount, paidAt)
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return result, err
	}
	if s.obsMetrics != nil {
		s.obsMetrics.IncInvoiceSettled()
	}
	return result, nil
}

// confirmChargeTransaction flips the pending gateway transaction to CONFIRMED,
// or inserts a confirmed one when the charge was never registered locally.
// A charge that is already confirmed short-circuits with ErrDuplicateSettlement
// so redelivered webhooks never credit twice.
func (s *Service) confirmChargeTransaction(
	ctx context.Context,
	tx *gorm.DB,
	invoice *invoicedomain.Invoice,
	req invoicedomain.SettleRequest,
	paidAt time.Time,
) error {
	existing, err := s.loadTransactionForUpdate(ctx, tx, *req.ExternalChargeID)
	if err != nil {
		return err
	}

	if existing != nil {
		switch existing.Status {
		case invoicedomain.TransactionStatusConfirmed, invoicedomain.TransactionStatusReversed:
			return invoicedomain.ErrDuplicateSettlement
		}
		return tx.Model(&invoicedomain.Transaction{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"status":      invoicedomain.TransactionStatusConfirmed,
				"amount":      req.Amount,
				"occurred_at": paidAt.UTC(),
				"updated_at":  s.clock.Now(),
			}).Error
	}

	movement := invoicedomain.Transaction{
		ID:               s.genID.Generate(),
		TenantID:         invoice.TenantID,
		PayerID:          invoice.PayerID,
		InvoiceID:        &invoice.ID,
		Direction:        invoicedomain.TransactionDirectionIn,
		Origin:           invoicedomain.TransactionOriginInvoice,
		Status:           invoicedomain.TransactionStatusConfirmed,
		Description:      settleDescription(req.Description, invoice.InvoiceNumber),
		Amount:           req.Amount,
		PaymentMethod:    req.PaymentMethod,
		ExternalChargeID: req.ExternalChargeID,
		OccurredAt:       paidAt.UTC(),
	}
	if err := tx.Create(&movement).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return invoicedomain.ErrDuplicateSettlement
		}
		return err
	}
	return nil
}

func (s *Service) Reverse(ctx context.Context, req invoicedomain.ReverseRequest) (*invoicedomain.Invoice, error) {
	if strings.TrimSpace(req.ExternalChargeID) == "" {
		return nil, invoicedomain.ErrTransactionNotFound
	}
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}

	var result *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, req.InvoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}

		original, err := s.loadTransactionForUpdate(ctx, tx, req.ExternalChargeID)
		if err != nil {
			return err
		}
		if original == nil {
			return invoicedomain.ErrTransactionNotFound
		}
		if original.Status == invoicedomain.TransactionStatusReversed {
			result = invoice
			return invoicedomain.ErrDuplicateReversal
		}
		if original.Status != invoicedomain.TransactionStatusConfirmed {
			return invoicedomain.ErrInvalidState
		}

		amount := req.Amount
		if amount <= 0 {
			amount = original.Amount
		}
		if amount > original.Amount {
			return invoicedomain.ErrInvalidAmount
		}

		now := s.clock.Now()
		if err := tx.Model(&invoicedomain.Transaction{}).
			Where("id = ?", original.ID).
			Updates(map[string]any{
				"status":     invoicedomain.TransactionStatusReversed,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		pairExternalID := "refund_" + req.ExternalChargeID
		pair := invoicedomain.Transaction{
			ID:               s.genID.Generate(),
			TenantID:         invoice.TenantID,
			PayerID:          invoice.PayerID,
			InvoiceID:        &invoice.ID,
			Direction:        invoicedomain.TransactionDirectionOut,
			Origin:           invoicedomain.TransactionOriginReversal,
			Status:           invoicedomain.TransactionStatusConfirmed,
			Description:      reversalDescription(req.Reason, invoice.InvoiceNumber),
			Amount:           amount,
			PaymentMethod:    original.PaymentMethod,
			ExternalChargeID: &pairExternalID,
			OccurredAt:       occurredAt.UTC(),
			Metadata: datatypes.JSONMap{
				"reversal_of": original.ID.String(),
			},
		}
		if err := tx.Create(&pair).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return invoicedomain.ErrDuplicateReversal
			}
			return err
		}

		paid := invoice.PaidAmount - amount
		if paid < 0 {
			paid = 0
		}

		updates := map[string]any{
			"paid_amount": paid,
			"updated_at":  now,
		}
		if invoice.Status != invoicedomain.InvoiceStatusCancelled {
			switch {
			case paid == 0:
				updates["status"] = invoicedomain.InvoiceStatusPending
				updates["paid_at"] = nil
			case paid < invoice.TotalAmount:
				updates["status"] = invoicedomain.InvoiceStatusPartiallyPaid
				updates["paid_at"] = nil
			}
		}
		if err := tx.Model(&invoicedomain.Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(updates).Error; err != nil {
			return err
		}

		result, err = s.reload(ctx, tx, invoice.ID)
		return err
	})
	if err != nil {
		return result, err
	}
	if s.obsMetrics != nil {
		s.obsMetrics.IncInvoiceReversed()
	}
	return result, nil
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID, reason string) (*invoicedomain.Invoice, error) {
	var result *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if invoice.Status == invoicedomain.InvoiceStatusCancelled {
			result = invoice
			return nil
		}
		// Only a fully settled invoice is immune to cancellation; a
		// partially paid one can still be written off.
		if invoice.Status == invoicedomain.InvoiceStatusPaid {
			return invoicedomain.ErrInvalidState
		}

		now := s.clock.Now()
		if err := tx.Model(&invoicedomain.Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(map[string]any{
				"status":        invoicedomain.InvoiceStatusCancelled,
				"cancelled_at":  now,
				"cancel_reason": strings.TrimSpace(reason),
				"updated_at":    now,
			}).Error; err != nil {
			return err
		}

		result, err = s.reload(ctx, tx, invoice.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, updated_at = ?
		 WHERE status = ? AND due_date < ?`,
		invoicedomain.InvoiceStatusOverdue,
		s.clock.Now(),
		invoicedomain.InvoiceStatusPending,
		startOfDay(asOf),
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// ApplyLateCharges recomputes the overdue surcharge from scratch for the
// given day. Because the value is absolute rather than incremental, running
// the job twice on the same day converges instead of double-charging.
func (s *Service) ApplyLateCharges(
	ctx context.Context,
	id snowflake.ID,
	terms invoicedomain.LateChargeTerms,
	asOf time.Time,
) (*invoicedomain.Invoice, error) {
	var result *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		switch invoice.Status {
		case invoicedomain.InvoiceStatusPending,
			invoicedomain.InvoiceStatusOverdue,
			invoicedomain.InvoiceStatusPartiallyPaid:
		default:
			return invoicedomain.ErrInvalidState
		}

		days := money.DaysLate(invoice.DueDate, asOf)
		surcharge := money.LateCharges(invoice.OriginalAmount, terms.FinePercent, terms.DailyInterestPercent, days)
		if surcharge == invoice.SurchargeAmount {
			result = invoice
			return nil
		}

		total := money.Total(invoice.OriginalAmount, invoice.DiscountAmount, surcharge)
		if err := tx.Model(&invoicedomain.Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(map[string]any{
				"surcharge_amount": surcharge,
				"total_amount":     total,
				"updated_at":       s.clock.Now(),
			}).Error; err != nil {
			return err
		}

		result, err = s.reload(ctx, tx, invoice.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SplitInstallments replaces a pending invoice with parts equal monthly
// invoices. Cent remainders land on the first installment so the sum always
// matches the parent total.
func (s *Service) SplitInstallments(ctx context.Context, id snowflake.ID, parts int) ([]invoicedomain.Invoice, error) {
	if parts < 2 || parts > 12 {
		return nil, invoicedomain.ErrInvalidInstallments
	}

	var children []invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parent, err := s.loadInvoiceForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if parent == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if parent.Status != invoicedomain.InvoiceStatusPending || parent.PaidAmount != 0 {
			return invoicedomain.ErrInvalidState
		}

		base := parent.TotalAmount / int64(parts)
		remainder := parent.TotalAmount - base*int64(parts)

		var next int64
		if err := tx.Raw(
			`SELECT COALESCE(MAX(number_seq), 0) + 1 FROM invoices`,
		).Scan(&next).Error; err != nil {
			return err
		}

		for i := 0; i < parts; i++ {
			amount := base
			if i == 0 {
				amount += remainder
			}
			seq := next + int64(i)
			child := invoicedomain.Invoice{
				ID:             s.genID.Generate(),
				TenantID:       parent.TenantID,
				PayerID:        parent.PayerID,
				SubscriptionID: parent.SubscriptionID,
				InvoiceNumber:  s.invoiceNumber(seq),
				NumberSeq:      seq,
				Description:    fmt.Sprintf("%s (%d/%d)", parent.Description, i+1, parts),
				Status:         invoicedomain.InvoiceStatusPending,
				OriginalAmount: amount,
				TotalAmount:    amount,
				PaymentMethod:  parent.PaymentMethod,
				DueDate:        parent.DueDate.AddDate(0, i, 0),
				Metadata: datatypes.JSONMap{
					"installment_of": parent.ID.String(),
					"installment":    fmt.Sprintf("%d/%d", i+1, parts),
				},
			}
			if err := tx.Create(&child).Error; err != nil {
				return err
			}
			children = append(children, child)
		}

		now := s.clock.Now()
		return tx.Model(&invoicedomain.Invoice{}).
			Where("id = ?", parent.ID).
			Updates(map[string]any{
				"status":        invoicedomain.InvoiceStatusCancelled,
				"cancelled_at":  now,
				"cancel_reason": "split into installments",
				"updated_at":    now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}

func (s *Service) applyCredit(
	ctx context.Context,
	tx *gorm.DB,
	invoice *invoicedomain.Invoice,
	amount int64,
	paidAt time.Time,
) (*invoicedomain.Invoice, error) {
	paid := invoice.PaidAmount + amount

	updates := map[string]any{
		"paid_amount": paid,
		"updated_at":  s.clock.Now(),
	}
	if paid >= invoice.TotalAmount {
		updates["status"] = invoicedomain.InvoiceStatusPaid
		updates["paid_at"] = paidAt.UTC()
	} else {
		updates["status"] = invoicedomain.InvoiceStatusPartiallyPaid
	}

	if err := tx.Model(&invoicedomain.Invoice{}).
		Where("id = ?", invoice.ID).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.reload(ctx, tx, invoice.ID)
}

func (s *Service) loadInvoiceForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM invoices
		 WHERE id = ?
		 FOR UPDATE`,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (s *Service) loadTransactionForUpdate(ctx context.Context, tx *gorm.DB, externalChargeID string) (*invoicedomain.Transaction, error) {
	var movement invoicedomain.Transaction
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM transactions
		 WHERE external_charge_id = ?
		 FOR UPDATE`,
		externalChargeID,
	).Scan(&movement).Error
	if err != nil {
		return nil, err
	}
	if movement.ID == 0 {
		return nil, nil
	}
	return &movement, nil
}

func (s *Service) reload(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&invoice).Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

func settleDescription(custom, number string) string {
	custom = strings.TrimSpace(custom)
	if custom != "" {
		return custom
	}
	return "payment for invoice " + number
}

func reversalDescription(reason, number string) string {
	reason = strings.TrimSpace(reason)
	if reason != "" {
		return reason
	}
	return "reversal for invoice " + number
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

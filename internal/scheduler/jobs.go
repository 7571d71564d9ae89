package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
	"github.com/tatamipay/billing/internal/notify"
	policydomain "github.com/tatamipay/billing/internal/policy/domain"
	subscriptiondomain "github.com/tatamipay/billing/internal/subscription/domain"
	"go.uber.org/zap"
)

// MarkOverdueJob flips PENDING invoices past their due date to VENCIDA.
func (s *Scheduler) MarkOverdueJob(ctx context.Context) error {
	now := s.clock.Now()
	flagged, err := s.invoiceSvc.MarkOverdue(ctx, now)
	if err != nil {
		return err
	}
	if flagged > 0 {
		s.log.Info("flagged overdue invoices", zap.Int64("count", flagged))
	}
	s.obsMetrics.AddJobItems("mark_overdue", int(flagged))
	return nil
}

type lateChargeRow struct {
	ID       snowflake.ID
	TenantID snowflake.ID
}

// LateChargesJob recomputes the overdue surcharge on every open invoice past
// its due date, using each tenant's fine and daily interest terms. The
// surcharge is recalculated from scratch every run, so re-running is safe.
func (s *Scheduler) LateChargesJob(ctx context.Context) error {
	now := s.clock.Now()

	var rows []lateChargeRow
	err := s.db.WithContext(ctx).
		Raw(`SELECT id, tenant_id FROM invoices
		     WHERE status IN (?, ?) AND due_date < ?
		     ORDER BY due_date ASC
		     LIMIT ?`,
			invoicedomain.InvoiceStatusOverdue,
			invoicedomain.InvoiceStatusPartiallyPaid,
			now,
			s.cfg.BatchSize,
		).
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("scan overdue invoices: %w", err)
	}

	terms := map[snowflake.ID]invoicedomain.LateChargeTerms{}
	var jobErr error
	applied := 0
	for _, row := range rows {
		t, ok := terms[row.TenantID]
		if !ok {
			policy, err := s.policySvc.ForTenant(ctx, row.TenantID)
			if err != nil {
				jobErr = errors.Join(jobErr, fmt.Errorf("policy for tenant %s: %w", row.TenantID, err))
				continue
			}
			t = invoicedomain.LateChargeTerms{
				FinePercent:          policy.FinePercent,
				DailyInterestPercent: policy.DailyInterestPercent,
			}
			terms[row.TenantID] = t
		}

		if _, err := s.invoiceSvc.ApplyLateCharges(ctx, row.ID, t, now); err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("invoice %s: %w", row.ID, err))
			continue
		}
		applied++
	}

	s.obsMetrics.AddJobItems("late_charges", applied)
	return jobErr
}

type delinquencyRow struct {
	SubscriptionID snowflake.ID
	TenantID       snowflake.ID
	PayerID        snowflake.ID
	PlanName       string
	OverdueCount   int
}

// DelinquencyJob flags ACTIVE subscriptions whose payers have accumulated
// at least the tenant's threshold of overdue invoices.
func (s *Scheduler) DelinquencyJob(ctx context.Context) error {
	var rows []delinquencyRow
	err := s.db.WithContext(ctx).
		Raw(`SELECT s.id AS subscription_id, s.tenant_id, s.payer_id, s.plan_name,
		            COUNT(i.id) AS overdue_count
		     FROM subscriptions s
		     JOIN invoices i ON i.subscription_id = s.id AND i.status = ?
		     WHERE s.status = ?
		     GROUP BY s.id, s.tenant_id, s.payer_id, s.plan_name
		     LIMIT ?`,
			invoicedomain.InvoiceStatusOverdue,
			subscriptiondomain.SubscriptionStatusActive,
			s.cfg.BatchSize,
		).
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("scan delinquency candidates: %w", err)
	}

	thresholds := map[snowflake.ID]int{}
	var jobErr error
	flagged := 0
	for _, row := range rows {
		threshold, ok := thresholds[row.TenantID]
		if !ok {
			policy, err := s.policySvc.ForTenant(ctx, row.TenantID)
			if err != nil {
				jobErr = errors.Join(jobErr, fmt.Errorf("policy for tenant %s: %w", row.TenantID, err))
				continue
			}
			threshold = policy.DelinquencyThreshold
			thresholds[row.TenantID] = threshold
		}
		if threshold <= 0 || row.OverdueCount < threshold {
			continue
		}

		if err := s.subscriptionSvc.FlagDelinquent(ctx, row.SubscriptionID); err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("subscription %s: %w", row.SubscriptionID, err))
			continue
		}
		flagged++
		s.log.Info("subscription flagged delinquent",
			zap.String("subscription_id", row.SubscriptionID.String()),
			zap.String("tenant_id", row.TenantID.String()),
			zap.Int("overdue_invoices", row.OverdueCount),
		)
		s.notifyDelinquency(ctx, row)
	}

	s.obsMetrics.AddJobItems("delinquency", flagged)
	return jobErr
}

func (s *Scheduler) notifyDelinquency(ctx context.Context, row delinquencyRow) {
	if s.notifier == nil {
		return
	}
	sub, err := s.subscriptionSvc.Get(ctx, row.SubscriptionID)
	if err != nil {
		s.log.Warn("load subscription for delinquency notice", zap.Error(err))
		return
	}
	to := recipient(sub.Metadata)
	if to == "" {
		return
	}
	msg := notify.Message{
		To:      []string{to},
		Subject: fmt.Sprintf("Subscription %s suspended for non-payment", row.PlanName),
		Body: fmt.Sprintf(
			"<p>Your subscription <strong>%s</strong> was suspended: %d invoices are overdue.</p>"+
				"<p>Settle the outstanding invoices to resume service.</p>",
			row.PlanName, row.OverdueCount,
		),
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.log.Warn("send delinquency notice", zap.Error(err))
	}
}

// MaterializeJob turns due subscription cycles into invoices.
func (s *Scheduler) MaterializeJob(ctx context.Context) error {
	issued, err := s.subscriptionSvc.MaterializeDueInvoices(ctx, s.clock.Now(), s.cfg.BatchSize)
	if issued > 0 {
		s.log.Info("materialized subscription invoices", zap.Int("count", issued))
	}
	s.obsMetrics.AddJobItems("materialize", issued)
	return err
}

// RemindersJob mails payers whose invoices fall due within the tenant's
// reminder lead window. ReminderSentAt caps delivery at one notice per
// invoice per day.
func (s *Scheduler) RemindersJob(ctx context.Context) error {
	now := s.clock.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	// The widest configurable lead window bounds the scan; per-tenant lead
	// days narrow it below.
	const maxLeadDays = 31
	horizon := today.AddDate(0, 0, maxLeadDays)

	var invoices []invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("status = ? AND due_date >= ? AND due_date < ?",
			invoicedomain.InvoiceStatusPending, today, horizon).
		Where("reminder_sent_at IS NULL OR reminder_sent_at < ?", today).
		Order("due_date ASC").
		Limit(s.cfg.BatchSize).
		Find(&invoices).Error
	if err != nil {
		return fmt.Errorf("scan reminder candidates: %w", err)
	}

	policies := map[snowflake.ID]policydomain.Policy{}
	var jobErr error
	sent := 0
	for i := range invoices {
		inv := &invoices[i]
		policy, ok := policies[inv.TenantID]
		if !ok {
			p, err := s.policySvc.ForTenant(ctx, inv.TenantID)
			if err != nil {
				jobErr = errors.Join(jobErr, fmt.Errorf("policy for tenant %s: %w", inv.TenantID, err))
				continue
			}
			policy = p
			policies[inv.TenantID] = policy
		}
		if !policy.RemindersEnabled || policy.ReminderLeadDays <= 0 {
			continue
		}
		if inv.DueDate.After(today.AddDate(0, 0, policy.ReminderLeadDays)) {
			continue
		}

		if err := s.sendReminder(ctx, inv, now); err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("invoice %s: %w", inv.ID, err))
			continue
		}
		sent++
	}

	s.obsMetrics.AddJobItems("reminders", sent)
	return jobErr
}

func (s *Scheduler) sendReminder(ctx context.Context, inv *invoicedomain.Invoice, now time.Time) error {
	if s.notifier != nil {
		if to := recipient(inv.Metadata); to != "" {
			msg := notify.Message{
				To:      []string{to},
				Subject: fmt.Sprintf("Invoice %s due on %s", inv.InvoiceNumber, inv.DueDate.Format("2006-01-02")),
				Body: fmt.Sprintf(
					"<p>Invoice <strong>%s</strong> for %s is due on %s.</p>",
					inv.InvoiceNumber,
					formatCents(inv.TotalAmount),
					inv.DueDate.Format("2006-01-02"),
				),
			}
			if err := s.notifier.Send(ctx, msg); err != nil {
				return err
			}
		}
	}

	// Record the send even without a recipient so the row is not rescanned
	// every run.
	return s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ?", inv.ID).
		Update("reminder_sent_at", now).Error
}

// RetryOrphansJob replays webhook events that arrived before the charge they
// reference existed locally.
func (s *Scheduler) RetryOrphansJob(ctx context.Context) error {
	resolved, err := s.reconcilerSvc.RetryOrphans(ctx, s.cfg.BatchSize)
	if resolved > 0 {
		s.log.Info("resolved orphaned webhook events", zap.Int("count", resolved))
	}
	s.obsMetrics.AddJobItems("retry_orphans", resolved)
	return err
}

func recipient(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata["payer_email"].(string); ok {
		return v
	}
	return ""
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%sR$ %d.%02d", sign, cents/100, cents%100)
}

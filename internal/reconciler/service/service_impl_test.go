package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tatamipay/billing/internal/clock"
	"github.com/tatamipay/billing/internal/config"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
	invoiceservice "github.com/tatamipay/billing/internal/invoice/service"
	reconcilerdomain "github.com/tatamipay/billing/internal/reconciler/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type testEnv struct {
	db         *gorm.DB
	clk        *clock.FakeClock
	node       *snowflake.Node
	invoiceSvc invoicedomain.Service
	svc        reconcilerdomain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// SQLite support hack: remove FOR UPDATE clauses
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&invoicedomain.Invoice{},
		&invoicedomain.Transaction{},
		&reconcilerdomain.EventRecord{},
	))

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	invoiceSvc := invoiceservice.NewService(invoiceservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Cfg: config.Config{
			Gateway: config.GatewayConfig{WebhookSecret: testSecret},
		},
		InvoiceSvc: invoiceSvc,
	})

	return &testEnv{db: db, clk: clk, node: node, invoiceSvc: invoiceSvc, svc: svc}
}

func signedHeaders(payload []byte, timestamp int64) http.Header {
	signed := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(signed))
	sig := hex.EncodeToString(mac.Sum(nil))

	headers := http.Header{}
	headers.Set("X-Webhook-Signature", fmt.Sprintf("t=%d,v1=%s", timestamp, sig))
	return headers
}

func eventPayload(eventType, chargeID string, amount int64) []byte {
	return []byte(fmt.Sprintf(
		`{"event":%q,"data":{"id":%q,"amount":%d}}`,
		eventType, chargeID, amount,
	))
}

// issueWithCharge creates an invoice plus the PENDING gateway movement the
// charge service would have registered before the webhook arrives.
func (e *testEnv) issueWithCharge(t *testing.T, amount int64, externalID string) *invoicedomain.Invoice {
	t.Helper()

	invoice, err := e.invoiceSvc.Issue(context.Background(), invoicedomain.IssueRequest{
		TenantID:       1001,
		PayerID:        2001,
		OriginalAmount: amount,
		DueDate:        e.clk.Now().AddDate(0, 0, 10),
		PaymentMethod:  invoicedomain.PaymentMethodPix,
	})
	require.NoError(t, err)

	movement := invoicedomain.Transaction{
		ID:               e.node.Generate(),
		TenantID:         invoice.TenantID,
		PayerID:          invoice.PayerID,
		InvoiceID:        &invoice.ID,
		Direction:        invoicedomain.TransactionDirectionIn,
		Origin:           invoicedomain.TransactionOriginInvoice,
		Status:           invoicedomain.TransactionStatusPending,
		Amount:           amount,
		PaymentMethod:    invoice.PaymentMethod,
		ExternalChargeID: &externalID,
		OccurredAt:       e.clk.Now(),
	}
	require.NoError(t, e.db.Create(&movement).Error)
	return invoice
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	payload := eventPayload("charge.paid", "ch_1", 10_000)
	headers := http.Header{}
	headers.Set("X-Webhook-Signature", "t=1234,v1=deadbeef")

	err := env.svc.HandleWebhook(context.Background(), payload, headers)
	assert.ErrorIs(t, err, reconcilerdomain.ErrInvalidSignature)

	headers = http.Header{}
	err = env.svc.HandleWebhook(context.Background(), payload, headers)
	assert.ErrorIs(t, err, reconcilerdomain.ErrInvalidSignature)
}

func TestHandleWebhookRejectsMalformedPayload(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte(`{"event":"charge.paid"}`) // no charge id
	err := env.svc.HandleWebhook(context.Background(), payload, signedHeaders(payload, 1234))
	assert.ErrorIs(t, err, reconcilerdomain.ErrInvalidPayload)
}

func TestHandleWebhookPaidSettlesInvoice(t *testing.T) {
	env := newTestEnv(t)
	invoice := env.issueWithCharge(t, 10_000, "ch_paid")

	payload := eventPayload("charge.paid", "ch_paid", 10_000)
	err := env.svc.HandleWebhook(context.Background(), payload, signedHeaders(payload, 1234))
	require.NoError(t, err)

	reloaded, err := env.invoiceSvc.Get(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, reloaded.Status)
	assert.Equal(t, int64(10_000), reloaded.PaidAmount)

	var record reconcilerdomain.EventRecord
	require.NoError(t, env.db.Where("external_charge_id = ?", "ch_paid").First(&record).Error)
	assert.False(t, record.Orphaned)
	assert.NotNil(t, record.ProcessedAt)
}

func TestHandleWebhookDuplicatePaidIsAcked(t *testing.T) {
	env := newTestEnv(t)
	invoice := env.issueWithCharge(t, 10_000, "ch_dup")

	payload := eventPayload("charge.paid", "ch_dup", 10_000)
	require.NoError(t, env.svc.HandleWebhook(context.Background(), payload, signedHeaders(payload, 1234)))
	require.NoError(t, env.svc.HandleWebhook(context.Background(), payload, signedHeaders(payload, 1235)))

	reloaded, err := env.invoiceSvc.Get(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), reloaded.PaidAmount)

	// Both deliveries are recorded, neither credits twice.
	var records int64
	require.NoError(t, env.db.Model(&reconcilerdomain.EventRecord{}).
		Where("external_charge_id = ?", "ch_dup").
		Count(&records).Error)
	assert.Equal(t, int64(2), records)

	var confirmed int64
	require.NoError(t, env.db.Model(&invoicedomain.Transaction{}).
		Where("status = ?", invoicedomain.TransactionStatusConfirmed).
		Count(&confirmed).Error)
	assert.Equal(t, int64(1), confirmed)
}

func TestHandleWebhookFailedCancelsPendingMovement(t *testing.T) {
	env := newTestEnv(t)
	invoice := env.issueWithCharge(t, 10_000, "ch_fail")

	payload := []byte(`{"event":"charge.failed","data":{"id":"ch_fail","reason":"expired"}}`)
	require.NoError(t, env.svc.HandleWebhook(context.Background(), payload, signedHeaders(payload, 1234)))

	var movement invoicedomain.Transaction
	require.NoError(t, env.db.Where("external_charge_id = ?", "ch_fail").First(&movement).Error)
	assert.Equal(t, invoicedomain.TransactionStatusCancelled, movement.Status)
	assert.Contains(t, movement.Description, "expired")

	reloaded, err := env.invoiceSvc.Get(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, reloaded.Status)
}

func TestHandleWebhookRefundReversesSettlement(t *testing.T) {
	env := newTestEnv(t)
	invoice := env.issueWithCharge(t, 10_000, "ch_refund")

	paid := eventPayload("charge.paid", "ch_refund", 10_000)
	require.NoError(t, env.svc.HandleWebhook(context.Background(), paid, signedHeaders(paid, 1234)))

	refund := eventPayload("charge.refunded", "ch_refund", 10_000)
	require.NoError(t, env.svc.HandleWebhook(context.Background(), refund, signedHeaders(refund, 1235)))

	reloaded, err := env.invoiceSvc.Get(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, reloaded.Status)
	assert.Equal(t, int64(0), reloaded.PaidAmount)

	// A redelivered refund is acknowledged without a second reversal.
	require.NoError(t, env.svc.HandleWebhook(context.Background(), refund, signedHeaders(refund, 1236)))
	var reversals int64
	require.NoError(t, env.db.Model(&invoicedomain.Transaction{}).
		Where("origin = ?", invoicedomain.TransactionOriginReversal).
		Count(&reversals).Error)
	assert.Equal(t, int64(1), reversals)
}

func TestHandleWebhookDisputeFlagsMovement(t *testing.T) {
	env := newTestEnv(t)
	env.issueWithCharge(t, 10_000, "ch_dispute")

	paid := eventPayload("charge.paid", "ch_dispute", 10_000)
	require.NoError(t, env.svc.HandleWebhook(context.Background(), paid, signedHeaders(paid, 1234)))

	dispute := eventPayload("charge.disputed", "ch_dispute", 10_000)
	require.NoError(t, env.svc.HandleWebhook(context.Background(), dispute, signedHeaders(dispute, 1235)))

	var movement invoicedomain.Transaction
	require.NoError(t, env.db.Where("external_charge_id = ?", "ch_dispute").First(&movement).Error)
	assert.True(t, movement.Disputed)
	assert.Equal(t, invoicedomain.TransactionStatusConfirmed, movement.Status)
}

func TestHandleWebhookUnhandledEventIsAcked(t *testing.T) {
	env := newTestEnv(t)

	payload := eventPayload("charge.viewed", "ch_whatever", 0)
	require.NoError(t, env.svc.HandleWebhook(context.Background(), payload, signedHeaders(payload, 1234)))

	var record reconcilerdomain.EventRecord
	require.NoError(t, env.db.Where("external_charge_id = ?", "ch_whatever").First(&record).Error)
	assert.False(t, record.Orphaned)
	assert.NotNil(t, record.ProcessedAt)
}

func TestHandleWebhookUnknownChargeIsParked(t *testing.T) {
	env := newTestEnv(t)

	payload := eventPayload("charge.paid", "ch_unknown", 10_000)
	require.NoError(t, env.svc.HandleWebhook(context.Background(), payload, signedHeaders(payload, 1234)))

	var record reconcilerdomain.EventRecord
	require.NoError(t, env.db.Where("external_charge_id = ?", "ch_unknown").First(&record).Error)
	assert.True(t, record.Orphaned)
	assert.Nil(t, record.ProcessedAt)
}

func TestRetryOrphansResolvesOnceChargeAppears(t *testing.T) {
	env := newTestEnv(t)

	payload := eventPayload("charge.paid", "ch_late", 10_000)
	require.NoError(t, env.svc.HandleWebhook(context.Background(), payload, signedHeaders(payload, 1234)))

	// Nothing to resolve yet.
	resolved, err := env.svc.RetryOrphans(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, resolved)

	invoice := env.issueWithCharge(t, 10_000, "ch_late")

	resolved, err = env.svc.RetryOrphans(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	reloaded, err := env.invoiceSvc.Get(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, reloaded.Status)

	var record reconcilerdomain.EventRecord
	require.NoError(t, env.db.Where("external_charge_id = ?", "ch_late").First(&record).Error)
	assert.False(t, record.Orphaned)
	assert.NotNil(t, record.ProcessedAt)
}

func TestOutOfOrderRefundIsParkedThenReplayed(t *testing.T) {
	env := newTestEnv(t)
	invoice := env.issueWithCharge(t, 10_000, "ch_race")

	// The refund arrives before the payment: the movement is still PENDING,
	// so the reversal cannot apply and is parked.
	refund := eventPayload("charge.refunded", "ch_race", 10_000)
	require.NoError(t, env.svc.HandleWebhook(context.Background(), refund, signedHeaders(refund, 1234)))

	var record reconcilerdomain.EventRecord
	require.NoError(t, env.db.Where("event_type = ?", "charge.refunded").First(&record).Error)
	assert.True(t, record.Orphaned)

	paid := eventPayload("charge.paid", "ch_race", 10_000)
	require.NoError(t, env.svc.HandleWebhook(context.Background(), paid, signedHeaders(paid, 1235)))

	resolved, err := env.svc.RetryOrphans(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	reloaded, err := env.invoiceSvc.Get(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, reloaded.Status)
	assert.Equal(t, int64(0), reloaded.PaidAmount)
}

package charge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tatamipay/billing/internal/clock"
	"github.com/tatamipay/billing/internal/config"
	"github.com/tatamipay/billing/internal/gateway"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
	invoiceservice "github.com/tatamipay/billing/internal/invoice/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type chargeEnv struct {
	db         *gorm.DB
	clk        *clock.FakeClock
	invoiceSvc invoicedomain.Service
	svc        *Service
	charges    *atomic.Int64
}

func newChargeEnv(t *testing.T) *chargeEnv {
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
	))

	var charges atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expires_in": 900})
	})
	mux.HandleFunc("/v1/charges/pix", func(w http.ResponseWriter, r *http.Request) {
		charges.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "ch_pix_1",
			"status":  "pending",
			"qr_code": "00020126...",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	invoiceSvc := invoiceservice.NewService(invoiceservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})
	client := gateway.NewClient(gateway.Params{
		Cfg: config.Config{
			Gateway: config.GatewayConfig{
				BaseURL:         srv.URL,
				APIKey:          "key",
				APISecret:       "secret",
				EstablishmentID: "est-1",
				Timeout:         2 * time.Second,
			},
		},
		Log:   zap.NewNop(),
		Clock: clk,
	})
	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Gateway:    client,
		InvoiceSvc: invoiceSvc,
	})

	return &chargeEnv{db: db, clk: clk, invoiceSvc: invoiceSvc, svc: svc, charges: &charges}
}

func (e *chargeEnv) issueInvoice(t *testing.T, amount int64) *invoicedomain.Invoice {
	t.Helper()

	invoice, err := e.invoiceSvc.Issue(context.Background(), invoicedomain.IssueRequest{
		TenantID:       1001,
		PayerID:        2001,
		Description:    "monthly tuition",
		OriginalAmount: amount,
		DueDate:        e.clk.Now().AddDate(0, 0, 10),
		PaymentMethod:  invoicedomain.PaymentMethodPix,
	})
	require.NoError(t, err)
	return invoice
}

func TestCreateChargeStampsInvoiceAndTransaction(t *testing.T) {
	env := newChargeEnv(t)
	ctx := context.Background()

	invoice := env.issueInvoice(t, 10_000)

	result, err := env.svc.Create(ctx, CreateRequest{
		InvoiceID: invoice.ID,
		Method:    invoicedomain.PaymentMethodPix,
		Payer:     gateway.Payer{FirstName: "Ana", LastName: "Souza", Document: "12345678900"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ch_pix_1", result.ExternalChargeID)
	assert.Equal(t, int64(10_000), result.AmountCents)
	assert.False(t, result.Reused)

	var movement invoicedomain.Transaction
	require.NoError(t, env.db.Where("id = ?", result.TransactionID).First(&movement).Error)
	assert.Equal(t, invoicedomain.TransactionStatusPending, movement.Status)
	require.NotNil(t, movement.ExternalChargeID)
	assert.Equal(t, "ch_pix_1", *movement.ExternalChargeID)

	reloaded, err := env.invoiceSvc.Get(ctx, invoice.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.ExternalChargeID)
	assert.Equal(t, "ch_pix_1", *reloaded.ExternalChargeID)
}

func TestCreatePixChargeReusesOpenCharge(t *testing.T) {
	env := newChargeEnv(t)
	ctx := context.Background()

	invoice := env.issueInvoice(t, 10_000)

	first, err := env.svc.Create(ctx, CreateRequest{
		InvoiceID: invoice.ID,
		Method:    invoicedomain.PaymentMethodPix,
	})
	require.NoError(t, err)

	second, err := env.svc.Create(ctx, CreateRequest{
		InvoiceID: invoice.ID,
		Method:    invoicedomain.PaymentMethodPix,
	})
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.ExternalChargeID, second.ExternalChargeID)
	assert.Equal(t, int64(1), env.charges.Load())

	var count int64
	require.NoError(t, env.db.Model(&invoicedomain.Transaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
	"go.uber.org/zap"
)

type fakeInvoiceService struct {
	settleCalls int
	lastSettle  invoicedomain.SettleRequest
	settleErr   error
	getErr      error
	invoice     *invoicedomain.Invoice
}

func (f *fakeInvoiceService) Issue(ctx context.Context, req invoicedomain.IssueRequest) (*invoicedomain.Invoice, error) {
	_ = ctx
	_ = req
	return f.invoice, nil
}

func (f *fakeInvoiceService) Get(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	_ = ctx
	_ = id
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.invoice, nil
}

func (f *fakeInvoiceService) List(ctx context.Context, req invoicedomain.ListRequest) ([]invoicedomain.Invoice, error) {
	_ = ctx
	_ = req
	return nil, nil
}

func (f *fakeInvoiceService) Summary(ctx context.Context, tenantID snowflake.ID) (*invoicedomain.TenantSummary, error) {
	panic("unimplemented")
}

func (f *fakeInvoiceService) Settle(ctx context.Context, req invoicedomain.SettleRequest) (*invoicedomain.Invoice, error) {
	f.settleCalls++
	f.lastSettle = req
	_ = ctx
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	return f.invoice, nil
}

func (f *fakeInvoiceService) Reverse(ctx context.Context, req invoicedomain.ReverseRequest) (*invoicedomain.Invoice, error) {
	panic("unimplemented")
}

func (f *fakeInvoiceService) Cancel(ctx context.Context, id snowflake.ID, reason string) (*invoicedomain.Invoice, error) {
	panic("unimplemented")
}

func (f *fakeInvoiceService) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	panic("unimplemented")
}

func (f *fakeInvoiceService) ApplyLateCharges(ctx context.Context, id snowflake.ID, terms invoicedomain.LateChargeTerms, asOf time.Time) (*invoicedomain.Invoice, error) {
	panic("unimplemented")
}

func (f *fakeInvoiceService) SplitInstallments(ctx context.Context, id snowflake.ID, parts int) ([]invoicedomain.Invoice, error) {
	panic("unimplemented")
}

func newInvoiceRouter(svc invoicedomain.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)

	srv := &Server{
		log:        zap.NewNop(),
		invoiceSvc: svc,
	}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/v1/invoices", srv.CreateInvoice)
	router.GET("/v1/invoices/:id", srv.GetInvoice)
	router.POST("/v1/invoices/:id/settle", srv.SettleInvoice)
	return router
}

func TestSettleInvoiceHandler(t *testing.T) {
	svc := &fakeInvoiceService{
		invoice: &invoicedomain.Invoice{
			ID:     snowflake.ID(42),
			Status: invoicedomain.InvoiceStatusPaid,
		},
	}
	router := newInvoiceRouter(svc)

	body := `{"amount":50000,"payment_method":"pix","external_charge_id":"ch_999"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/42/settle", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.settleCalls != 1 {
		t.Fatalf("expected one settle call, got %d", svc.settleCalls)
	}
	if svc.lastSettle.InvoiceID != snowflake.ID(42) {
		t.Fatalf("expected invoice id 42, got %s", svc.lastSettle.InvoiceID)
	}
	if svc.lastSettle.Amount != 50_000 {
		t.Fatalf("expected amount 50000, got %d", svc.lastSettle.Amount)
	}
	if svc.lastSettle.PaymentMethod != invoicedomain.PaymentMethodPix {
		t.Fatalf("expected payment method PIX, got %s", svc.lastSettle.PaymentMethod)
	}
	if svc.lastSettle.ExternalChargeID == nil || *svc.lastSettle.ExternalChargeID != "ch_999" {
		t.Fatalf("expected external charge id ch_999, got %v", svc.lastSettle.ExternalChargeID)
	}
}

// A settle that hits an already-credited charge is not a conflict: the
// handler answers with the invoice as it currently stands.
func TestSettleDuplicateChargeResolvesToCurrentState(t *testing.T) {
	svc := &fakeInvoiceService{
		settleErr: invoicedomain.ErrDuplicateSettlement,
		invoice: &invoicedomain.Invoice{
			ID:         snowflake.ID(42),
			Status:     invoicedomain.InvoiceStatusPaid,
			PaidAmount: 10_000,
		},
	}
	router := newInvoiceRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/42/settle", bytes.NewBufferString(`{"amount":10000,"external_charge_id":"ch_dup"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var payload struct {
		Data struct {
			Status     string `json:"status"`
			PaidAmount int64  `json:"paid_amount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected response body %s: %v", resp.Body.String(), err)
	}
	if payload.Data.Status != string(invoicedomain.InvoiceStatusPaid) {
		t.Fatalf("expected current status PAID, got %q", payload.Data.Status)
	}
	if payload.Data.PaidAmount != 10_000 {
		t.Fatalf("expected paid amount 10000, got %d", payload.Data.PaidAmount)
	}
}

func TestSettleInvoiceConflictReturns409(t *testing.T) {
	svc := &fakeInvoiceService{settleErr: invoicedomain.ErrInvalidState}
	router := newInvoiceRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/42/settle", bytes.NewBufferString(`{"amount":100}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
}

func TestGetInvoiceNotFoundReturns404(t *testing.T) {
	svc := &fakeInvoiceService{getErr: invoicedomain.ErrInvoiceNotFound}
	router := newInvoiceRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/invoices/42", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}

	var payload struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected response body %s: %v", resp.Body.String(), err)
	}
	if payload.Error.Type == "" {
		t.Fatal("expected an error type in the response body")
	}
}

func TestCreateInvoiceRejectsBadDueDate(t *testing.T) {
	svc := &fakeInvoiceService{invoice: &invoicedomain.Invoice{}}
	router := newInvoiceRouter(svc)

	body := `{"tenant_id":"1001","payer_id":"2001","original_amount":10000,"due_date":"not-a-date"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/invoices", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	if svc.settleCalls != 0 {
		t.Fatalf("expected no service calls, got %d", svc.settleCalls)
	}
}

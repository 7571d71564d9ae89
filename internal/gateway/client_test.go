package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tatamipay/billing/internal/clock"
	"github.com/tatamipay/billing/internal/config"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, baseURL string, clk clock.Clock) *Client {
	t.Helper()

	return NewClient(Params{
		Cfg: config.Config{
			Gateway: config.GatewayConfig{
				BaseURL:         baseURL,
				APIKey:          "key",
				APISecret:       "secret",
				EstablishmentID: "est-1",
				Timeout:         2 * time.Second,
			},
		},
		Log:   zap.NewNop(),
		Clock: clk,
	})
}

func loginHandler(token string, logins *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      token,
			"expires_in": 900,
		})
	}
}

func TestAuthenticateSharesInFlightLogin(t *testing.T) {
	var logins atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok-1", "expires_in": 900})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	client := newTestClient(t, srv.URL, clk)

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = client.Authenticate(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-1", tokens[i])
	}
	assert.Equal(t, int64(1), logins.Load())

	// The cached token is reused without another login.
	token, err := client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, int64(1), logins.Load())
}

func TestAuthenticateRefreshesExpiredToken(t *testing.T) {
	var logins atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", loginHandler("tok", &logins))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	client := newTestClient(t, srv.URL, clk)

	_, err := client.Authenticate(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), logins.Load())

	// 900s lifetime minus the safety margin: still valid after 10 minutes,
	// expired after 15.
	clk.Advance(10 * time.Minute)
	_, err = client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), logins.Load())

	clk.Advance(5 * time.Minute)
	_, err = client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), logins.Load())
}

func TestAuthenticateWithoutCredentials(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	client := NewClient(Params{
		Cfg:   config.Config{},
		Log:   zap.NewNop(),
		Clock: clk,
	})

	_, err := client.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCreateChargeRetriesOnceOnStaleToken(t *testing.T) {
	var logins, charges atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expires_in": 900})
	})
	mux.HandleFunc("/v1/charges/pix", func(w http.ResponseWriter, r *http.Request) {
		if charges.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "ch_1", "status": "pending"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	client := newTestClient(t, srv.URL, clk)

	charge, err := client.CreateCharge(context.Background(), ChargeRequest{
		Method:      ChargeMethodPix,
		AmountCents: 10_000,
		ReferenceID: "ref-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ch_1", charge.ExternalID)
	assert.Equal(t, "pending", charge.Status)
	assert.Equal(t, int64(2), charges.Load())
	assert.Equal(t, int64(2), logins.Load())
}

func TestCreateChargeSurfacesRepeatedUnauthorized(t *testing.T) {
	var logins atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", loginHandler("tok", &logins))
	mux.HandleFunc("/v1/charges/pix", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	client := newTestClient(t, srv.URL, clk)

	_, err := client.CreateCharge(context.Background(), ChargeRequest{
		Method:      ChargeMethodPix,
		AmountCents: 10_000,
		ReferenceID: "ref-1",
	})
	rejected, ok := AsRejected(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, rejected.StatusCode)
}

func TestCreateChargeKeepsRejectionBodyVerbatim(t *testing.T) {
	var logins atomic.Int64
	providerBody := `{"error":"card_declined","decline_code":"insufficient_funds"}`
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", loginHandler("tok", &logins))
	mux.HandleFunc("/v1/charges/card", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(providerBody))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	client := newTestClient(t, srv.URL, clk)

	_, err := client.CreateCharge(context.Background(), ChargeRequest{
		Method:      ChargeMethodCard,
		AmountCents: 10_000,
		ReferenceID: "ref-1",
		Card:        &CardDetails{Number: "4111111111111111"},
	})
	rejected, ok := AsRejected(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.StatusCode)
	assert.Equal(t, providerBody, string(rejected.Body))
}

func TestCreateChargeServerErrorIsUnavailable(t *testing.T) {
	var logins atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", loginHandler("tok", &logins))
	mux.HandleFunc("/v1/charges/boleto", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	client := newTestClient(t, srv.URL, clk)

	due := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	_, err := client.CreateCharge(context.Background(), ChargeRequest{
		Method:      ChargeMethodBoleto,
		AmountCents: 10_000,
		ReferenceID: "ref-1",
		DueDate:     &due,
	})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestCreateChargeTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	client := newTestClient(t, srv.URL, clk)

	_, err := client.CreateCharge(context.Background(), ChargeRequest{
		Method:      ChargeMethodPix,
		AmountCents: 10_000,
		ReferenceID: "ref-1",
	})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestGetCharge(t *testing.T) {
	var logins atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", loginHandler("tok", &logins))
	mux.HandleFunc("/v1/charges/ch_42", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "ch_42",
			"status": "paid",
			"qr_code": "00020126",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	client := newTestClient(t, srv.URL, clk)

	charge, err := client.GetCharge(context.Background(), "ch_42")
	require.NoError(t, err)
	assert.Equal(t, "ch_42", charge.ExternalID)
	assert.Equal(t, "paid", charge.Status)
	assert.Equal(t, "00020126", charge.Payload["qr_code"])
}

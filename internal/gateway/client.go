// Package gateway is the HTTP client for the payment gateway: charge
// creation, charge lookup and token-based authentication with a shared
// in-flight login.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tatamipay/billing/internal/clock"
	"github.com/tatamipay/billing/internal/config"
	obsmetrics "github.com/tatamipay/billing/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// tokenSafety is subtracted from the advertised token lifetime so a token is
// never used within a minute of expiring.
const tokenSafety = time.Minute

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Client struct {
	cfg        config.GatewayConfig
	log        *zap.Logger
	clock      clock.Clock
	httpClient *http.Client
	obsMetrics *obsmetrics.Metrics

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	pending     *authCall
}

type authCall struct {
	done  chan struct{}
	token string
	err   error
}

func NewClient(p Params) *Client {
	return &Client{
		cfg:        p.Cfg.Gateway,
		log:        p.Log.Named("gateway.client"),
		clock:      p.Clock,
		httpClient: &http.Client{Timeout: p.Cfg.Gateway.Timeout},
		obsMetrics: p.ObsMetrics,
	}
}

// ChargeMethod selects the gateway product used for a charge.
type ChargeMethod string

const (
	ChargeMethodPix    ChargeMethod = "PIX"
	ChargeMethodCard   ChargeMethod = "CARD"
	ChargeMethodBoleto ChargeMethod = "BOLETO"
)

// Payer identifies the person being charged.
type Payer struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Document  string `json:"document"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
}

// CardDetails carries card data for CARD charges.
type CardDetails struct {
	Number       string `json:"number"`
	HolderName   string `json:"holder_name"`
	ExpMonth     string `json:"exp_month"`
	ExpYear      string `json:"exp_year"`
	CVV          string `json:"cvv"`
	Installments int    `json:"installments,omitempty"`
}

// ChargeRequest asks the gateway to create a charge. AmountCents is integer
// cents; ReferenceID doubles as the idempotency key.
type ChargeRequest struct {
	Method      ChargeMethod
	AmountCents int64
	Description string
	ReferenceID string
	DueDate     *time.Time
	Payer       Payer
	Card        *CardDetails
}

// Charge is the gateway's view of a charge. Payload keeps the raw provider
// fields (QR codes, barcode lines, acquirer metadata) for the caller.
type Charge struct {
	ExternalID string         `json:"id"`
	Status     string         `json:"status"`
	Payload    map[string]any `json:"-"`
}

// Authenticate returns a valid bearer token, logging in at most once no
// matter how many goroutines ask concurrently. Waiters share the outcome of
// the in-flight login instead of issuing their own.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	if c.cfg.BaseURL == "" || c.cfg.APIKey == "" {
		return "", ErrNotConfigured
	}

	c.mu.Lock()
	if c.token != "" && c.clock.Now().Before(c.tokenExpiry) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	if c.pending != nil {
		call := c.pending
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &authCall{done: make(chan struct{})}
	c.pending = call
	c.mu.Unlock()

	token, expiresIn, err := c.login(ctx)

	c.mu.Lock()
	if err == nil {
		c.token = token
		c.tokenExpiry = c.clock.Now().Add(expiresIn - tokenSafety)
	}
	c.pending = nil
	c.mu.Unlock()

	call.token, call.err = token, err
	close(call.done)
	return token, err
}

func (c *Client) login(ctx context.Context) (string, time.Duration, error) {
	body := map[string]string{
		"api_key":    c.cfg.APIKey,
		"api_secret": c.cfg.APISecret,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/auth/login", bytes.NewReader(payload))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.EstablishmentID != "" {
		req.Header.Set("X-Establishment-Id", c.cfg.EstablishmentID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.incMetric("login", "unavailable")
		return "", 0, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		c.incMetric("login", "unavailable")
		return "", 0, fmt.Errorf("%w: login status %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		c.incMetric("login", "rejected")
		return "", 0, &RejectedError{StatusCode: resp.StatusCode, Body: data}
	}

	var parsed struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", 0, fmt.Errorf("%w: malformed login response", ErrGatewayUnavailable)
	}
	if strings.TrimSpace(parsed.Token) == "" {
		return "", 0, fmt.Errorf("%w: empty token", ErrGatewayUnavailable)
	}

	expiresIn := time.Duration(parsed.ExpiresIn) * time.Second
	if expiresIn <= tokenSafety {
		expiresIn = 15 * time.Minute
	}
	c.incMetric("login", "ok")
	return parsed.Token, expiresIn, nil
}

// invalidate clears the cached token, but only if it is still the one that
// just failed. A token refreshed by another goroutine survives.
func (c *Client) invalidate(stale string) {
	c.mu.Lock()
	if c.token == stale {
		c.token = ""
		c.tokenExpiry = time.Time{}
	}
	c.mu.Unlock()
}

// CreateCharge creates a PIX, card or boleto charge. Amounts travel as
// integer cents end to end.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if req.AmountCents <= 0 {
		return nil, &RejectedError{StatusCode: http.StatusBadRequest, Body: []byte(`{"error":"amount must be positive"}`)}
	}

	var path string
	body := map[string]any{
		"amount":       req.AmountCents,
		"description":  req.Description,
		"external_ref": req.ReferenceID,
		"payer":        req.Payer,
	}

	switch req.Method {
	case ChargeMethodPix:
		path = "/v1/charges/pix"
	case ChargeMethodCard:
		path = "/v1/charges/card"
		if req.Card != nil {
			body["card"] = req.Card
		}
	case ChargeMethodBoleto:
		path = "/v1/charges/boleto"
		if req.DueDate != nil {
			body["due_date"] = req.DueDate.UTC().Format("2006-01-02")
		}
	default:
		return nil, &RejectedError{StatusCode: http.StatusBadRequest, Body: []byte(`{"error":"unsupported charge method"}`)}
	}

	return c.doCharge(ctx, "create_charge", http.MethodPost, path, body, req.ReferenceID)
}

// GetCharge fetches the current gateway status of a charge.
func (c *Client) GetCharge(ctx context.Context, externalID string) (*Charge, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, &RejectedError{StatusCode: http.StatusBadRequest, Body: []byte(`{"error":"missing charge id"}`)}
	}
	return c.doCharge(ctx, "get_charge", http.MethodGet, "/v1/charges/"+externalID, nil, "")
}

// doCharge performs one authorized call. A single 401 means the cached token
// went stale: drop it, log in again and retry exactly once. A second 401 is
// surfaced as a rejection rather than looping.
func (c *Client) doCharge(
	ctx context.Context,
	operation string,
	method string,
	path string,
	body map[string]any,
	idempotencyKey string,
) (*Charge, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.Authenticate(ctx)
		if err != nil {
			return nil, err
		}

		status, data, err := c.send(ctx, method, path, token, body, idempotencyKey)
		if err != nil {
			c.incMetric(operation, "unavailable")
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}

		if status == http.StatusUnauthorized && attempt == 0 {
			c.log.Warn("gateway token rejected, retrying once",
				zap.String("operation", operation),
			)
			c.invalidate(token)
			continue
		}
		if status >= http.StatusInternalServerError {
			c.incMetric(operation, "unavailable")
			return nil, fmt.Errorf("%w: status %d", ErrGatewayUnavailable, status)
		}
		if status >= http.StatusBadRequest {
			c.incMetric(operation, "rejected")
			return nil, &RejectedError{StatusCode: status, Body: data}
		}

		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			c.incMetric(operation, "unavailable")
			return nil, fmt.Errorf("%w: malformed response", ErrGatewayUnavailable)
		}

		charge := &Charge{Payload: payload}
		if id, ok := payload["id"].(string); ok {
			charge.ExternalID = id
		}
		if st, ok := payload["status"].(string); ok {
			charge.Status = st
		}
		c.incMetric(operation, "ok")
		return charge, nil
	}

	c.incMetric(operation, "rejected")
	return nil, &RejectedError{StatusCode: http.StatusUnauthorized, Body: []byte(`{"error":"unauthorized"}`)}
}

func (c *Client) send(
	ctx context.Context,
	method string,
	path string,
	token string,
	body map[string]any,
	idempotencyKey string,
) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.cfg.EstablishmentID != "" {
		req.Header.Set("X-Establishment-Id", c.cfg.EstablishmentID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *Client) incMetric(operation, outcome string) {
	if c.obsMetrics != nil {
		c.obsMetrics.IncGatewayRequest(operation, outcome)
	}
}

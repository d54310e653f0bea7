package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

const (
	BatzirCode = "batzir"

	batzirSignatureHeader = "X-Batzir-Signature"
	maxErrorBody          = 64 << 10
)

// BatzirConfig holds the hosted-checkout credentials
type BatzirConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// Batzir is the hosted checkout gateway: server-side session creation,
// redirect, then HMAC-signed webhooks.
type Batzir struct {
	cfg     BatzirConfig
	client  *http.Client
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewBatzir creates the Batzir adapter. A nil client gets one bounded by cfg.Timeout.
func NewBatzir(cfg BatzirConfig, client *http.Client) *Batzir {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Batzir{
		cfg:     cfg,
		client:  client,
		breaker: NewCircuitBreaker(5, 30*time.Second),
		logger:  util.GetLogger(),
	}
}

func (b *Batzir) Code() string { return BatzirCode }

func (b *Batzir) Mode() Mode { return ModeAsync }

type batzirSessionRequest struct {
	OrderID    int64       `json:"order_id"`
	Amount     json.Number `json:"amount"`
	Currency   string      `json:"currency"`
	SuccessURL string      `json:"success_url"`
	CancelURL  string      `json:"cancel_url"`
}

type batzirSessionResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// CreateSession opens a hosted checkout session. The idempotency key is sent
// so a retried call returns the session created by the first one.
func (b *Batzir) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "Batzir.CreateSession")
	defer span.End()

	if b.cfg.BaseURL == "" || b.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: batzir credentials not configured", apperr.ErrGatewayUnavailable)
	}

	body, err := json.Marshal(batzirSessionRequest{
		OrderID:    req.OrderID,
		Amount:     json.Number(req.Amount.StringFixed(2)),
		Currency:   req.Currency,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session request: %w", err)
	}

	var session *Session
	start := time.Now()
	err = b.breaker.Execute(func() error {
		var callErr error
		session, callErr = b.createSession(ctx, req.IdempotencyKey, body)
		return callErr
	})
	util.GatewayCallLatency.WithLabelValues(BatzirCode).Observe(time.Since(start).Seconds())

	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %v", apperr.ErrGatewayUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (b *Batzir) createSession(ctx context.Context, idempotencyKey string, body []byte) (*Session, error) {
	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/v1/checkout/sessions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrGatewayUnavailable, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", apperr.ErrGatewayUnavailable, err)
	}

	// Any answer from Batzir is a rejection, 5xx included; only failing to
	// get an answer counts as unavailable.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.logger.Warn("Batzir rejected session call",
			zap.String("idempotency_key", idempotencyKey),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw))
		return nil, &apperr.GatewayError{Gateway: BatzirCode, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out batzirSessionResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.SessionID == "" || out.CheckoutURL == "" {
		return nil, &apperr.GatewayError{Gateway: BatzirCode, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	return &Session{Reference: out.SessionID, CheckoutURL: out.CheckoutURL}, nil
}

// Sign computes the signature header value for body
func (b *Batzir) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(b.cfg.WebhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the webhook HMAC. Without a configured secret nothing verifies.
func (b *Batzir) Verify(headers http.Header, body []byte) error {
	if b.cfg.WebhookSecret == "" {
		return fmt.Errorf("%w: batzir webhook secret not configured", apperr.ErrUnauthorized)
	}

	sig := headers.Get(batzirSignatureHeader)
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", apperr.ErrUnauthorized, batzirSignatureHeader)
	}
	if !hmac.Equal([]byte(sig), []byte(b.Sign(body))) {
		return fmt.Errorf("%w: signature mismatch", apperr.ErrUnauthorized)
	}
	return nil
}

type batzirWebhook struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		SessionID     string `json:"session_id"`
		TransactionID string `json:"transaction_id"`
		OrderID       int64  `json:"order_id"`
		MerchantID    string `json:"merchant_id"`
		Reason        string `json:"reason"`
	} `json:"data"`
}

// ParseEvent translates a webhook body into an Event
func (b *Batzir) ParseEvent(_ http.Header, body []byte) (*Event, error) {
	var hook batzirWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("%w: malformed batzir webhook: %v", apperr.ErrValidation, err)
	}

	var kind EventKind
	switch hook.Type {
	case "checkout.session.completed":
		kind = EventApproved
	case "checkout.session.failed":
		kind = EventDeclined
	case "charge.refunded":
		kind = EventRefunded
	default:
		return nil, fmt.Errorf("%w: %q", ErrIgnoredEvent, hook.Type)
	}

	if hook.Data.SessionID == "" {
		return nil, fmt.Errorf("%w: batzir webhook without session_id", apperr.ErrValidation)
	}

	return &Event{
		ID:            hook.ID,
		Kind:          kind,
		Reference:     hook.Data.SessionID,
		ExternalTxnID: hook.Data.TransactionID,
		OrderID:       hook.Data.OrderID,
		MerchantRef:   hook.Data.MerchantID,
		Reason:        hook.Data.Reason,
	}, nil
}

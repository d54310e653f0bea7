package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CheckoutConfig controls the gateway hand-off
type CheckoutConfig struct {
	Currency  string
	PublicURL string
	Timeout   time.Duration
}

// CheckoutService creates the payment for an order and hands it to a gateway
type CheckoutService struct {
	ledger   store.Ledger
	gateways *gateway.Registry
	cfg      CheckoutConfig
	logger   *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(ledger store.Ledger, gateways *gateway.Registry, cfg CheckoutConfig) *CheckoutService {
	if cfg.Currency == "" {
		cfg.Currency = "GTQ"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &CheckoutService{
		ledger:   ledger,
		gateways: gateways,
		cfg:      cfg,
		logger:   util.GetLogger(),
	}
}

// StartCheckoutRequest asks to pay an order through a gateway
type StartCheckoutRequest struct {
	UserID  string `json:"-"`
	OrderID int64  `json:"-"`
	Gateway string `json:"gateway" binding:"required"`
}

// CheckoutResponse tells the client where to pay
type CheckoutResponse struct {
	PaymentID        int64           `json:"payment_id"`
	OrderID          int64           `json:"order_id"`
	Attempt          int             `json:"attempt"`
	IdempotencyKey   string          `json:"idempotency_key"`
	Status           string          `json:"status"`
	Gateway          string          `json:"gateway"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	CheckoutURL      string          `json:"checkout_url,omitempty"`
	WidgetMerchantID string          `json:"widget_merchant_id,omitempty"`
}

// StartCheckout ensures the order's payment for this attempt and opens a
// gateway session for it. Repeating the call returns the same payment and,
// once stored, the same session.
func (s *CheckoutService) StartCheckout(ctx context.Context, req *StartCheckoutRequest) (*CheckoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.StartCheckout")
	defer span.End()

	gw, err := s.gateways.Get(req.Gateway)
	if err != nil {
		return nil, err
	}

	order, err := s.ledger.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != req.UserID {
		return nil, fmt.Errorf("%w: order %d belongs to another user", apperr.ErrUnauthorized, order.ID)
	}

	if order.Status != models.OrderStatusPending {
		latest, err := s.ledger.GetLatestPaymentForOrder(ctx, order.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load payment: %w", err)
		}
		if latest != nil && latest.Status == models.PaymentStatusApproved {
			return s.response(latest, nil), nil
		}
		return nil, fmt.Errorf("%w: order %d is %s", apperr.ErrValidation, order.ID, order.Status)
	}

	merchant, err := s.ledger.GetMerchantByGateway(ctx, gw.Code())
	if err != nil {
		return nil, fmt.Errorf("failed to load merchant: %w", err)
	}
	if merchant == nil {
		return nil, fmt.Errorf("%w: no merchant configured for %s", apperr.ErrGatewayUnavailable, gw.Code())
	}

	payment, err := ensurePayment(ctx, s.ledger, order, merchant)
	if err != nil {
		return nil, err
	}

	switch payment.Status {
	case models.PaymentStatusApproved, models.PaymentStatusRefunded:
		return s.response(payment, nil), nil
	}
	if payment.Gateway != gw.Code() {
		return nil, fmt.Errorf("%w: order %d already has a pending %s payment",
			apperr.ErrValidation, order.ID, payment.Gateway)
	}

	if gw.Mode() == gateway.ModeAsync && payment.CheckoutURL != "" {
		util.CheckoutSessionsTotal.WithLabelValues(gw.Code(), "reused").Inc()
		return s.response(payment, nil), nil
	}

	session, err := s.openSession(ctx, gw, order, payment)
	if err != nil {
		return nil, err
	}

	if gw.Mode() == gateway.ModeAsync {
		// the reference must be stored before the client is redirected,
		// otherwise the webhook cannot be matched
		if err := s.ledger.SetPaymentSession(ctx, payment.ID, session.Reference, session.CheckoutURL); err != nil {
			return nil, fmt.Errorf("failed to store gateway session: %w", err)
		}
		payment.ExternalRef = session.Reference
		payment.CheckoutURL = session.CheckoutURL
	}

	util.CheckoutSessionsTotal.WithLabelValues(gw.Code(), "created").Inc()
	s.logger.Info("Checkout started",
		zap.Int64("order_id", order.ID),
		zap.Int64("payment_id", payment.ID),
		zap.String("idempotency_key", payment.IdempotencyKey),
		zap.String("gateway", gw.Code()))

	return s.response(payment, session), nil
}

func (s *CheckoutService) openSession(ctx context.Context, gw gateway.Gateway, order *models.Order, payment *models.Payment) (*gateway.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	base := strings.TrimRight(s.cfg.PublicURL, "/")
	session, err := gw.CreateSession(ctx, gateway.SessionRequest{
		OrderID:        order.ID,
		PaymentID:      payment.ID,
		Amount:         payment.Amount,
		Currency:       s.cfg.Currency,
		IdempotencyKey: payment.IdempotencyKey,
		SuccessURL:     fmt.Sprintf("%s/payment-success?orden=%d", base, order.ID),
		CancelURL:      fmt.Sprintf("%s/payment-cancel?orden=%d", base, order.ID),
	})
	if err == nil {
		return session, nil
	}

	var gwErr *apperr.GatewayError
	if errors.As(err, &gwErr) {
		util.CheckoutSessionsTotal.WithLabelValues(gw.Code(), "rejected").Inc()
		s.logger.Error("Gateway rejected checkout session",
			zap.Int64("payment_id", payment.ID),
			zap.String("gateway", gwErr.Gateway),
			zap.Int("status", gwErr.StatusCode),
			zap.String("body", gwErr.Body))
	} else {
		// a timeout does not mean the gateway did nothing; a retry reuses
		// the idempotency key and the webhook stays authoritative
		util.CheckoutSessionsTotal.WithLabelValues(gw.Code(), "unavailable").Inc()
		s.logger.Warn("Gateway unavailable for checkout session",
			zap.Int64("payment_id", payment.ID),
			zap.String("gateway", gw.Code()),
			zap.Error(err))
	}
	return nil, err
}

func (s *CheckoutService) response(p *models.Payment, session *gateway.Session) *CheckoutResponse {
	resp := &CheckoutResponse{
		PaymentID:      p.ID,
		OrderID:        p.OrderID,
		Attempt:        p.Attempt,
		IdempotencyKey: p.IdempotencyKey,
		Status:         p.Status,
		Gateway:        p.Gateway,
		Amount:         p.Amount,
		Currency:       s.cfg.Currency,
		CheckoutURL:    p.CheckoutURL,
	}
	if session != nil {
		resp.WidgetMerchantID = session.WidgetMerchantID
		if session.CheckoutURL != "" {
			resp.CheckoutURL = session.CheckoutURL
		}
	}
	return resp
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/spool"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// Webhook results. Everything except a transient failure is acknowledged
// to the gateway.
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultRejected  = "rejected"
	ResultFailed    = "failed"
	ResultSpooled   = "spooled"
)

const defaultDedupTTL = 72 * time.Hour

// WebhookResult describes what happened to one delivery
type WebhookResult struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	LogID     int64  `json:"log_id,omitempty"`
	PaymentID int64  `json:"payment_id,omitempty"`
}

// WebhookService logs and applies gateway callbacks
type WebhookService struct {
	ledger     store.Ledger
	gateways   *gateway.Registry
	settlement *SettlementEngine
	dedup      WebhookDeduper
	spool      WebhookSpool
	dedupTTL   time.Duration
	logger     *zap.Logger
}

// NewWebhookService creates a webhook service. dedup and spool may be nil.
func NewWebhookService(
	ledger store.Ledger,
	gateways *gateway.Registry,
	settlement *SettlementEngine,
	dedup WebhookDeduper,
	spool WebhookSpool,
	dedupTTL time.Duration,
) *WebhookService {
	if dedupTTL <= 0 {
		dedupTTL = defaultDedupTTL
	}
	return &WebhookService{
		ledger:     ledger,
		gateways:   gateways,
		settlement: settlement,
		dedup:      dedup,
		spool:      spool,
		dedupTTL:   dedupTTL,
		logger:     util.GetLogger(),
	}
}

// Ingest appends the raw delivery to the webhook log, falling back to the
// local spool when the database is down, and then processes it. An error is
// returned only when the payload could not be kept anywhere or processing
// hit a transient failure, so the gateway redelivers.
func (s *WebhookService) Ingest(ctx context.Context, gatewayCode string, headers http.Header, body []byte) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookService.Ingest")
	defer span.End()

	headerJSON, err := json.Marshal(headers)
	if err != nil {
		headerJSON = nil
	}

	log := &models.WebhookLog{
		Gateway: gatewayCode,
		Payload: string(body),
		Headers: headerJSON,
	}
	if err := s.ledger.InsertWebhookLog(ctx, log); err != nil {
		return s.spoolDelivery(gatewayCode, headerJSON, body, err)
	}

	return s.process(ctx, log.ID, gatewayCode, headers, body, true)
}

func (s *WebhookService) spoolDelivery(gatewayCode string, headers, body []byte, logErr error) (*WebhookResult, error) {
	if s.spool == nil {
		return nil, fmt.Errorf("failed to log webhook: %w", logErr)
	}

	entry := &spool.Entry{Gateway: gatewayCode, Payload: string(body), Headers: headers}
	if err := s.spool.Put(entry); err != nil {
		s.logger.Error("Webhook could not be logged or spooled",
			zap.String("gateway", gatewayCode),
			zap.NamedError("log_error", logErr),
			zap.Error(err))
		return nil, fmt.Errorf("failed to log webhook: %w", logErr)
	}

	util.WebhooksSpooledTotal.Inc()
	util.WebhooksReceivedTotal.WithLabelValues(gatewayCode, ResultSpooled).Inc()
	s.logger.Warn("Webhook spooled locally",
		zap.String("gateway", gatewayCode),
		zap.String("spool_key", entry.Key),
		zap.Error(logErr))
	return &WebhookResult{Status: ResultSpooled}, nil
}

// process verifies, parses, resolves and settles one logged delivery
func (s *WebhookService) process(ctx context.Context, logID int64, gatewayCode string, headers http.Header, body []byte, verify bool) (*WebhookResult, error) {
	result, err := s.apply(ctx, logID, gatewayCode, headers, body, verify)
	if err != nil {
		util.RecordError(ctx, err)
		util.WebhooksReceivedTotal.WithLabelValues(gatewayCode, ResultFailed).Inc()
		s.logger.Error("Webhook processing failed",
			zap.String("gateway", gatewayCode),
			zap.Int64("log_id", logID),
			zap.Error(err))
		return nil, err
	}

	result.LogID = logID
	util.WebhooksReceivedTotal.WithLabelValues(gatewayCode, result.Status).Inc()
	s.logger.Info("Webhook processed",
		zap.String("gateway", gatewayCode),
		zap.Int64("log_id", logID),
		zap.Int64("payment_id", result.PaymentID),
		zap.String("status", result.Status),
		zap.String("reason", result.Reason))
	return result, nil
}

func (s *WebhookService) apply(ctx context.Context, logID int64, gatewayCode string, headers http.Header, body []byte, verify bool) (*WebhookResult, error) {
	gw, err := s.gateways.Get(gatewayCode)
	if err != nil {
		return &WebhookResult{Status: ResultIgnored, Reason: err.Error()}, nil
	}

	if verify {
		if err := gw.Verify(headers, body); err != nil {
			return &WebhookResult{Status: ResultRejected, Reason: err.Error()}, nil
		}
	}

	event, err := gw.ParseEvent(headers, body)
	if err != nil {
		return &WebhookResult{Status: ResultIgnored, Reason: err.Error()}, nil
	}

	if event.ID != "" && s.dedup != nil {
		seen, err := s.dedup.WasProcessed(ctx, gw.Code(), event.ID)
		if err != nil {
			s.logger.Warn("Webhook dedup lookup failed", zap.String("event_id", event.ID), zap.Error(err))
		} else if seen {
			return &WebhookResult{Status: ResultDuplicate, Reason: "event already processed"}, nil
		}
	}

	payment, err := s.resolvePayment(ctx, gw, event)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		s.logger.Warn("Webhook for unknown payment",
			zap.String("gateway", gw.Code()),
			zap.String("reference", event.Reference),
			zap.Int64("log_id", logID))
		return &WebhookResult{Status: ResultIgnored, Reason: apperr.ErrUnknownPayment.Error()}, nil
	}

	if logID != 0 {
		if err := s.ledger.AttachWebhookLogPayment(ctx, logID, payment.ID); err != nil {
			s.logger.Warn("Failed to link webhook log to payment",
				zap.Int64("log_id", logID), zap.Int64("payment_id", payment.ID), zap.Error(err))
		}
	}

	if err := s.checkOwnership(ctx, gw, payment, event); err != nil {
		s.logger.Warn("Webhook ownership check failed",
			zap.Int64("payment_id", payment.ID), zap.Error(err))
		return &WebhookResult{Status: ResultRejected, Reason: err.Error(), PaymentID: payment.ID}, nil
	}

	outcome, err := s.dispatch(ctx, payment.ID, event)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrInvalidTransition):
		return &WebhookResult{Status: ResultIgnored, Reason: err.Error(), PaymentID: payment.ID}, nil
	case errors.Is(err, apperr.ErrOutOfStock):
		return &WebhookResult{Status: ResultFailed, Reason: err.Error(), PaymentID: payment.ID}, nil
	default:
		return nil, err
	}

	if event.ID != "" && s.dedup != nil {
		if err := s.dedup.MarkProcessed(ctx, gw.Code(), event.ID, s.dedupTTL); err != nil {
			s.logger.Warn("Failed to mark webhook processed", zap.String("event_id", event.ID), zap.Error(err))
		}
	}

	status := ResultApplied
	if !outcome.Applied {
		status = ResultDuplicate
	}
	return &WebhookResult{Status: status, PaymentID: payment.ID}, nil
}

// resolvePayment returns nil, nil when no payment matches the event
func (s *WebhookService) resolvePayment(ctx context.Context, gw gateway.Gateway, event *gateway.Event) (*models.Payment, error) {
	if !gateway.ReferenceIsPaymentID(gw) {
		return s.ledger.GetPaymentByExternalRef(ctx, gw.Code(), event.Reference)
	}

	id, err := strconv.ParseInt(event.Reference, 10, 64)
	if err != nil {
		return nil, nil
	}
	payment, err := s.ledger.GetPaymentByID(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return payment, err
}

// checkOwnership makes sure the event talks about this payment's order and
// merchant before anything is mutated
func (s *WebhookService) checkOwnership(ctx context.Context, gw gateway.Gateway, payment *models.Payment, event *gateway.Event) error {
	if payment.Gateway != gw.Code() {
		return fmt.Errorf("%w: payment %d belongs to gateway %s", apperr.ErrUnauthorized, payment.ID, payment.Gateway)
	}
	if event.OrderID != 0 && event.OrderID != payment.OrderID {
		return fmt.Errorf("%w: event names order %d, payment belongs to order %d",
			apperr.ErrUnauthorized, event.OrderID, payment.OrderID)
	}
	if event.MerchantRef == "" {
		return nil
	}

	merchant, err := s.ledger.GetMerchantByID(ctx, payment.MerchantID)
	if err != nil {
		return err
	}
	if merchant.ExternalMerchantID != "" && merchant.ExternalMerchantID != event.MerchantRef {
		return fmt.Errorf("%w: event for merchant %s, payment belongs to %s",
			apperr.ErrUnauthorized, event.MerchantRef, merchant.ExternalMerchantID)
	}
	return nil
}

func (s *WebhookService) dispatch(ctx context.Context, paymentID int64, event *gateway.Event) (*Outcome, error) {
	switch event.Kind {
	case gateway.EventApproved:
		return s.settlement.Approve(ctx, paymentID, event.ExternalTxnID)
	case gateway.EventDeclined:
		return s.settlement.Decline(ctx, paymentID, event.Reason)
	case gateway.EventRefunded:
		return s.settlement.Refund(ctx, paymentID, event.Reason)
	default:
		return nil, fmt.Errorf("%w: unsupported event kind %q", apperr.ErrInvalidTransition, event.Kind)
	}
}

// ConfirmRequest is posted by the storefront once the payment widget finishes
type ConfirmRequest struct {
	PaymentID     int64  `json:"payment_id" binding:"required"`
	ExternalTxnID string `json:"external_txn_id"`
	Status        string `json:"status,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ConfirmResponse reports the payment after a confirmation
type ConfirmResponse struct {
	PaymentID int64  `json:"payment_id"`
	OrderID   int64  `json:"order_id"`
	Status    string `json:"status"`
	Applied   bool   `json:"applied"`
}

// ConfirmSync applies the result of a synchronous widget payment on behalf
// of the paying user. The callback is logged like any webhook.
func (s *WebhookService) ConfirmSync(ctx context.Context, userID string, req *ConfirmRequest) (*ConfirmResponse, error) {
	ctx, span := util.StartSpan(ctx, "WebhookService.ConfirmSync")
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode confirmation: %w", err)
	}
	headers, _ := json.Marshal(map[string]string{"X-User-ID": userID})

	log := &models.WebhookLog{Payload: string(body), Headers: headers}
	payment, err := s.ledger.GetPaymentByID(ctx, req.PaymentID)
	if err != nil {
		log.Gateway = "unknown"
	} else {
		log.Gateway = payment.Gateway
		log.PaymentID = &payment.ID
	}
	if logErr := s.ledger.InsertWebhookLog(ctx, log); logErr != nil {
		return nil, fmt.Errorf("failed to log confirmation: %w", logErr)
	}

	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("%w: payment %d", apperr.ErrUnknownPayment, req.PaymentID)
	}
	if err != nil {
		return nil, err
	}

	gw, err := s.gateways.Get(payment.Gateway)
	if err != nil {
		return nil, err
	}
	if gw.Mode() != gateway.ModeSync {
		return nil, fmt.Errorf("%w: %s payments are confirmed by webhook", apperr.ErrValidation, payment.Gateway)
	}

	order, err := s.ledger.GetOrderByID(ctx, payment.OrderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		s.logger.Warn("Confirmation from a user who does not own the order",
			zap.Int64("payment_id", payment.ID), zap.String("user_id", userID))
		return nil, fmt.Errorf("%w: order %d belongs to another user", apperr.ErrUnauthorized, order.ID)
	}

	event, err := gw.ParseEvent(nil, body)
	if err != nil {
		return nil, err
	}

	outcome, err := s.dispatch(ctx, payment.ID, event)
	if err != nil {
		return nil, err
	}

	return &ConfirmResponse{
		PaymentID: outcome.Payment.ID,
		OrderID:   outcome.Payment.OrderID,
		Status:    outcome.Payment.Status,
		Applied:   outcome.Applied,
	}, nil
}

// Replay runs a logged delivery through processing again. Signatures are
// re-checked for webhook gateways; confirmations were tied to a user session
// that no longer exists, so an operator replay stands in for it.
func (s *WebhookService) Replay(ctx context.Context, logID int64) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookService.Replay")
	defer span.End()

	log, err := s.ledger.GetWebhookLog(ctx, logID)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	if len(log.Headers) > 0 {
		if err := json.Unmarshal(log.Headers, &headers); err != nil {
			headers = http.Header{}
		}
	}

	verify := true
	if gw, err := s.gateways.Get(log.Gateway); err == nil && gw.Mode() == gateway.ModeSync {
		verify = false
	}

	s.logger.Info("Replaying webhook", zap.Int64("log_id", logID), zap.String("gateway", log.Gateway))
	return s.process(ctx, log.ID, log.Gateway, headers, []byte(log.Payload), verify)
}

// DrainSpool moves spooled deliveries into the webhook log and processes
// them. It stops at the first entry that still cannot be logged.
func (s *WebhookService) DrainSpool(ctx context.Context) (int, error) {
	if s.spool == nil {
		return 0, nil
	}

	drained := 0
	err := s.spool.Range(func(e spool.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		log := &models.WebhookLog{
			Gateway: e.Gateway,
			Payload: e.Payload,
			Headers: []byte(e.Headers),
		}
		if err := s.ledger.InsertWebhookLog(ctx, log); err != nil {
			return fmt.Errorf("failed to log spooled webhook: %w", err)
		}
		if err := s.spool.Delete(e.Key); err != nil {
			s.logger.Error("Failed to delete spooled webhook", zap.String("spool_key", e.Key), zap.Error(err))
		}
		drained++

		headers := http.Header{}
		if len(e.Headers) > 0 {
			_ = json.Unmarshal(e.Headers, &headers)
		}
		if _, err := s.process(ctx, log.ID, e.Gateway, headers, []byte(e.Payload), true); err != nil {
			s.logger.Warn("Spooled webhook logged but not applied; replay it later",
				zap.Int64("log_id", log.ID), zap.Error(err))
		}
		return nil
	})
	if drained > 0 {
		s.logger.Info("Drained webhook spool", zap.Int("count", drained))
	}
	return drained, err
}

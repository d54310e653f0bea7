package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"checkout-service/internal/apperr"
)

const (
	TikalCode = "tikal"

	// DefaultTikalMerchantID is the widget merchant the storefront is registered under
	DefaultTikalMerchantID = "2006"
)

// Tikal is the embedded card widget. The browser talks to the gateway and
// the paying user confirms the outcome, so there is no remote session and
// no server-to-server webhook to trust.
type Tikal struct {
	merchantID string
}

func NewTikal(merchantID string) *Tikal {
	if merchantID == "" {
		merchantID = DefaultTikalMerchantID
	}
	return &Tikal{merchantID: merchantID}
}

func (t *Tikal) Code() string { return TikalCode }

func (t *Tikal) Mode() Mode { return ModeSync }

// CreateSession returns the widget configuration; no remote call is made
func (t *Tikal) CreateSession(_ context.Context, _ SessionRequest) (*Session, error) {
	return &Session{WidgetMerchantID: t.merchantID}, nil
}

// Verify rejects unauthenticated callbacks. Tikal results are only accepted
// through the confirm flow under the paying user's session.
func (t *Tikal) Verify(_ http.Header, _ []byte) error {
	return fmt.Errorf("%w: tikal results must be confirmed by the paying user", apperr.ErrUnauthorized)
}

// TikalConfirmation is the body the storefront posts after the widget finishes
type TikalConfirmation struct {
	PaymentID     int64  `json:"payment_id"`
	ExternalTxnID string `json:"external_txn_id"`
	Status        string `json:"status,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ParseEvent reads a confirmation body. The reference is the internal payment id.
func (t *Tikal) ParseEvent(_ http.Header, body []byte) (*Event, error) {
	var c TikalConfirmation
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("%w: malformed tikal confirmation: %v", apperr.ErrValidation, err)
	}
	if c.PaymentID <= 0 {
		return nil, fmt.Errorf("%w: payment_id is required", apperr.ErrValidation)
	}

	event := &Event{
		Reference:     strconv.FormatInt(c.PaymentID, 10),
		ExternalTxnID: c.ExternalTxnID,
		Reason:        c.Reason,
	}

	switch c.Status {
	case "", "approved", "APROBADO":
		if c.ExternalTxnID == "" {
			return nil, fmt.Errorf("%w: external_txn_id is required", apperr.ErrValidation)
		}
		event.Kind = EventApproved
	case "declined", "RECHAZADO":
		event.Kind = EventDeclined
	default:
		return nil, fmt.Errorf("%w: unknown status %q", apperr.ErrValidation, c.Status)
	}
	return event, nil
}

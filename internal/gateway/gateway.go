// Package gateway adapts external payment gateways to checkout sessions and
// settlement events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"checkout-service/internal/apperr"

	"github.com/shopspring/decimal"
)

// Mode tells how a gateway reports outcomes
type Mode string

const (
	// ModeSync gateways run a browser widget; the paying user confirms the result
	ModeSync Mode = "sync"
	// ModeAsync gateways redirect to a hosted page and report through signed webhooks
	ModeAsync Mode = "async"
)

// EventKind is the settlement outcome an event asks for
type EventKind string

const (
	EventApproved EventKind = "approved"
	EventDeclined EventKind = "declined"
	EventRefunded EventKind = "refunded"
)

// ErrIgnoredEvent marks a well-formed event of a type nothing reacts to
var ErrIgnoredEvent = errors.New("event type not handled")

// SessionRequest carries what a gateway needs to open a checkout session
type SessionRequest struct {
	OrderID        int64
	PaymentID      int64
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	SuccessURL     string
	CancelURL      string
}

// Session is the gateway's answer to a session request
type Session struct {
	Reference        string
	CheckoutURL      string
	WidgetMerchantID string
}

// Event is a callback or webhook translated to internal terms
type Event struct {
	ID            string
	Kind          EventKind
	Reference     string
	ExternalTxnID string
	OrderID       int64
	MerchantRef   string
	Reason        string
}

// Gateway is implemented once per payment provider
type Gateway interface {
	Code() string
	Mode() Mode
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	Verify(headers http.Header, body []byte) error
	ParseEvent(headers http.Header, body []byte) (*Event, error)
}

// ReferenceIsPaymentID reports whether the gateway's event reference is the
// internal payment id rather than a session reference it issued.
func ReferenceIsPaymentID(g Gateway) bool {
	return g.Mode() == ModeSync
}

// Registry maps gateway codes to implementations
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// NewRegistry creates a registry holding the given gateways
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway)}
	for _, g := range gateways {
		r.Register(g)
	}
	return r
}

// Register adds or replaces a gateway
func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Code()] = g
}

// Get returns the gateway registered under code
func (r *Registry) Get(code string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[code]
	if !ok {
		return nil, fmt.Errorf("%w: unknown gateway %q", apperr.ErrValidation, code)
	}
	return g, nil
}

// Codes lists the registered gateway codes
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.gateways))
	for code := range r.gateways {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

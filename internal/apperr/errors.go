package apperr

import (
	"errors"
	"fmt"
)

// Error families. Handlers map these to HTTP statuses with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrOutOfStock         = errors.New("out of stock")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrUnknownPayment     = errors.New("unknown payment")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrGatewayRejected    = errors.New("gateway rejected request")
	ErrConflict           = errors.New("concurrent update conflict")
)

// Validation sub-kinds.
var (
	ErrEmptyCart       = fmt.Errorf("%w: cart is empty", ErrValidation)
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be greater than zero", ErrValidation)
)

// GatewayError keeps the raw response of a rejected gateway call for diagnostics.
// Its body is logged, never returned to end users.
type GatewayError struct {
	Gateway    string
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: status %d", e.Gateway, e.StatusCode)
}

func (e *GatewayError) Unwrap() error {
	return ErrGatewayRejected
}

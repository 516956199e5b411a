package domain

import (
	"errors"
	"fmt"
)

// Root error classes. Every concrete checkout error wraps exactly one of these.
var (
	ErrClient            = errors.New("client error")
	ErrBusinessRejection = errors.New("business rejection")
	ErrTransient         = errors.New("transient infrastructure failure")
	ErrAmbiguousOutcome  = errors.New("ambiguous outcome")
	ErrFatalInvariant    = errors.New("fatal invariant violation")
)

var (
	ErrInvalidCart            = fmt.Errorf("%w: invalid cart", ErrClient)
	ErrIdempotencyKeyRequired = fmt.Errorf("%w: idempotency key required", ErrClient)
	ErrPaymentMethodRequired  = fmt.Errorf("%w: payment method required", ErrClient)
	ErrUnknownPaymentMethod   = fmt.Errorf("%w: unknown payment method", ErrClient)
	ErrIdempotencyConflict    = fmt.Errorf("%w: idempotency key reused with different payload", ErrClient)
)

var (
	ErrInsufficientStock   = fmt.Errorf("%w: insufficient stock", ErrBusinessRejection)
	ErrPaymentDeclined     = fmt.Errorf("%w: payment declined", ErrBusinessRejection)
	ErrReservationExpired  = fmt.Errorf("%w: reservation expired", ErrBusinessRejection)
	ErrReservationClosed   = fmt.Errorf("%w: reservation already released or consumed", ErrBusinessRejection)
	ErrIntentCaptured      = fmt.Errorf("%w: payment intent already captured", ErrBusinessRejection)
	ErrIntentNotCapturable = fmt.Errorf("%w: payment intent is not capturable", ErrBusinessRejection)
)

var (
	ErrRetriesExhausted = fmt.Errorf("%w: retries exhausted", ErrTransient)
	ErrLedgerConflict   = fmt.Errorf("%w: idempotency ledger holds a different outcome", ErrFatalInvariant)
)

var (
	// ErrLedgerUnavailable means the ledger could not be reached; checkout fails closed.
	ErrLedgerUnavailable = errors.New("idempotency ledger unavailable")
	// ErrCheckoutInProgress means another attempt owns the key; retry later.
	ErrCheckoutInProgress = errors.New("checkout in progress")

	ErrOrderNotFound       = errors.New("order not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrIntentNotFound      = errors.New("payment intent not found")
)

// IsPermanent reports whether retrying err can never succeed:
// client errors and business rejections.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrClient) || errors.Is(err, ErrBusinessRejection)
}

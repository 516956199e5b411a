package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReservationState tracks a hold. A handle is active, released or consumed; never
// both released and consumed.
type ReservationState string

const (
	ReservationActive   ReservationState = "active"
	ReservationReleased ReservationState = "released"
	ReservationConsumed ReservationState = "consumed"
)

// ReservationHandle is the inventory service's token for a time-bounded hold.
type ReservationHandle struct {
	ID        string    `json:"id"`
	Reference string    `json:"reference"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ReserveRequest asks for every line at once. Reference makes the call
// idempotent: repeating it returns the original handle.
type ReserveRequest struct {
	Reference string
	Items     []LineItem
	TTL       time.Duration
}

// IntentStatus is the gateway-side state of a payment intent.
type IntentStatus string

const (
	IntentCreated    IntentStatus = "created"
	IntentAuthorized IntentStatus = "authorized"
	IntentCaptured   IntentStatus = "captured"
	IntentVoided     IntentStatus = "voided"
	IntentFailed     IntentStatus = "failed"
	// IntentNotFound means the gateway never saw the reference.
	IntentNotFound IntentStatus = "not_found"
	IntentUnknown  IntentStatus = "unknown"
)

// PaymentIntent is one authorization attempt against the gateway.
type PaymentIntent struct {
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    IntentStatus    `json:"status"`
}

// AuthorizeRequest carries the caller-assigned reference so a timed-out
// authorization can be looked up with a status query.
type AuthorizeRequest struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Method    PaymentMethod
}

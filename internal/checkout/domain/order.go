package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle status of an Order.
type OrderStatus string

const (
	OrderPending     OrderStatus = "pending"
	OrderReserved    OrderStatus = "reserved"
	OrderAuthorized  OrderStatus = "authorized"
	OrderConfirmed   OrderStatus = "confirmed"
	OrderFailed      OrderStatus = "failed"
	OrderCompensated OrderStatus = "compensated"
)

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderConfirmed, OrderFailed, OrderCompensated:
		return true
	}
	return false
}

// Order is the durable record of a checkout.
type Order struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Cart           Cart            `json:"cart"`
	Total          decimal.Decimal `json:"total"`
	PaymentRef     string          `json:"payment_ref,omitempty"`
	ReservationID  string          `json:"reservation_id,omitempty"`
	Status         OrderStatus     `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ResultKind is the terminal shape of a checkout call.
type ResultKind string

const (
	ResultConfirmed ResultKind = "confirmed"
	ResultRejected  ResultKind = "rejected"
	ResultFailed    ResultKind = "failed"
)

// ReasonCode explains a Rejected or Failed result.
type ReasonCode string

const (
	ReasonNone                   ReasonCode = ""
	ReasonInsufficientStock      ReasonCode = "insufficient_stock"
	ReasonPaymentDeclined        ReasonCode = "payment_declined"
	ReasonUnknownPaymentMethod   ReasonCode = "unknown_payment_method"
	ReasonReservationUnavailable ReasonCode = "reservation_unavailable"
	ReasonPaymentUnavailable     ReasonCode = "payment_unavailable"
	ReasonCanceled               ReasonCode = "canceled"
	ReasonPaymentOutcomeUnknown  ReasonCode = "payment_outcome_unknown"
	ReasonCompensationFailed     ReasonCode = "compensation_failed"
	ReasonReconciliationRequired ReasonCode = "reconciliation_required"
)

// Result is what a checkout call returns and what the ledger stores per key.
type Result struct {
	Kind      ResultKind `json:"kind"`
	Order     *Order     `json:"order,omitempty"`
	Reason    ReasonCode `json:"reason,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	Retryable bool       `json:"retryable,omitempty"`
}

// Confirmed builds a Confirmed result.
func Confirmed(order Order) Result {
	return Result{Kind: ResultConfirmed, Order: &order}
}

// Rejected builds a Rejected result.
func Rejected(reason ReasonCode, detail string) Result {
	return Result{Kind: ResultRejected, Reason: reason, Detail: detail}
}

// Failed builds a Failed result.
func Failed(reason ReasonCode, detail string, retryable bool) Result {
	return Result{Kind: ResultFailed, Reason: reason, Detail: detail, Retryable: retryable}
}

// NeedsReconciliation reports whether an operator has to resolve this attempt.
func (r Result) NeedsReconciliation() bool {
	return r.Kind == ResultFailed && !r.Retryable
}

// OrderID returns the order identifier if the result carries one.
func (r Result) OrderID() string {
	if r.Order == nil {
		return ""
	}
	return r.Order.ID
}

// SameOutcome compares the parts of two results that identify an outcome.
func (r Result) SameOutcome(other Result) bool {
	return r.Kind == other.Kind && r.Reason == other.Reason && r.OrderID() == other.OrderID()
}

// ReasonFor maps a rejection error to its reason code.
func ReasonFor(err error) ReasonCode {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrInsufficientStock):
		return ReasonInsufficientStock
	case errors.Is(err, ErrUnknownPaymentMethod):
		return ReasonUnknownPaymentMethod
	case errors.Is(err, ErrPaymentDeclined), errors.Is(err, ErrIntentNotCapturable):
		return ReasonPaymentDeclined
	case errors.Is(err, ErrReservationExpired), errors.Is(err, ErrReservationClosed):
		return ReasonReservationUnavailable
	}
	return ReasonNone
}

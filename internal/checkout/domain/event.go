package domain

import "time"

// EventType names a checkout lifecycle event.
type EventType string

const (
	EventConfirmed              EventType = "checkout.confirmed"
	EventRejected               EventType = "checkout.rejected"
	EventFailed                 EventType = "checkout.failed"
	EventReconciliationRequired EventType = "checkout.reconciliation_required"
)

// Event is emitted once per terminal checkout result.
type Event struct {
	ID             string     `json:"id"`
	Type           EventType  `json:"type"`
	IdempotencyKey string     `json:"idempotency_key"`
	AttemptID      string     `json:"attempt_id"`
	OrderID        string     `json:"order_id,omitempty"`
	Kind           ResultKind `json:"kind"`
	Reason         ReasonCode `json:"reason,omitempty"`
	Detail         string     `json:"detail,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// EventTypeFor picks the event type for a result.
func EventTypeFor(r Result) EventType {
	switch {
	case r.Kind == ResultConfirmed:
		return EventConfirmed
	case r.Kind == ResultRejected:
		return EventRejected
	case r.NeedsReconciliation():
		return EventReconciliationRequired
	}
	return EventFailed
}

// Reconciliation describes an attempt an operator has to resolve by hand. It
// carries every identifier needed to find the hold and the payment.
type Reconciliation struct {
	AttemptID      string    `json:"attempt_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	OrderID        string    `json:"order_id,omitempty"`
	ReservationID  string    `json:"reservation_id,omitempty"`
	PaymentRef     string    `json:"payment_ref,omitempty"`
	Step           string    `json:"step"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

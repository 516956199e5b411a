package checkout

import (
	"context"
	"time"

	"checkoutd/internal/checkout/domain"
)

// InventoryService holds stock for a checkout. Every call is idempotent:
// Reserve by request reference, Release and Consume by handle.
type InventoryService interface {
	// Reserve holds every line or nothing. Insufficient stock wraps domain.ErrInsufficientStock.
	Reserve(ctx context.Context, req domain.ReserveRequest) (domain.ReservationHandle, error)
	Release(ctx context.Context, handleID string) error
	// Consume turns the hold into a permanent deduction.
	Consume(ctx context.Context, handleID string) error
}

// PaymentGateway moves money. Authorize and Capture are not safe to repeat
// blindly; Status is their query counterpart.
type PaymentGateway interface {
	Authorize(ctx context.Context, req domain.AuthorizeRequest) (domain.PaymentIntent, error)
	Capture(ctx context.Context, reference string) (domain.PaymentIntent, error)
	Void(ctx context.Context, reference string) error
	// Status reports domain.IntentNotFound for a reference the gateway never saw.
	Status(ctx context.Context, reference string) (domain.PaymentIntent, error)
}

// OrderRepository stores orders. Put is last-write-wins on the order ID.
type OrderRepository interface {
	Put(ctx context.Context, order domain.Order) error
	Get(ctx context.Context, orderID string) (domain.Order, error)
}

// Ledger is the idempotency ledger.
type Ledger interface {
	// Begin claims key for attemptID. Exactly one attempt observes Fresh;
	// a repeated Begin by the owner observes Fresh again.
	Begin(ctx context.Context, key, fingerprint, attemptID string) (domain.LedgerEntry, error)
	// Complete stores the terminal result. A different stored outcome wraps
	// domain.ErrLedgerConflict.
	Complete(ctx context.Context, key, attemptID string, result domain.Result) error
	// Abandon releases an in-progress claim owned by attemptID.
	Abandon(ctx context.Context, key, attemptID string) error
}

// LedgerPurger deletes expired ledger entries.
type LedgerPurger interface {
	Purge(ctx context.Context, now time.Time) (int, error)
}

// StepRecorder persists saga step history.
type StepRecorder interface {
	RecordStep(ctx context.Context, rec domain.StepRecord) error
}

// EventPublisher publishes checkout lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// ReconciliationJournal records attempts that need manual resolution.
type ReconciliationJournal interface {
	Record(ctx context.Context, entry domain.Reconciliation) error
}

// CheckoutObserver receives terminal checkout results (metrics).
type CheckoutObserver interface {
	ObserveCheckout(result domain.Result, elapsed time.Duration)
}

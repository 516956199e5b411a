package domain

import (
	"fmt"
	"time"
)

// LedgerState is what begin observed for a key.
type LedgerState string

const (
	LedgerFresh      LedgerState = "fresh"
	LedgerInProgress LedgerState = "in_progress"
	LedgerCompleted  LedgerState = "completed"
)

// LedgerEntry is the idempotency ledger's view of a key.
type LedgerEntry struct {
	Key         string
	Fingerprint string
	AttemptID   string
	State       LedgerState
	Result      *Result
	ExpiresAt   time.Time
}

// StepRecord is one line of a saga attempt's history.
type StepRecord struct {
	AttemptID      string
	IdempotencyKey string
	Step           string
	Status         string
	Detail         string
	At             time.Time
}

// Observe maps a live entry to what a begin by attemptID sees: a fingerprint
// mismatch is a conflict, and the owner of an in-progress entry sees Fresh.
func Observe(entry LedgerEntry, fingerprint, attemptID string) (LedgerEntry, error) {
	if entry.Fingerprint != "" && entry.Fingerprint != fingerprint {
		return LedgerEntry{}, fmt.Errorf("%w: key %s", ErrIdempotencyConflict, entry.Key)
	}
	if entry.State == LedgerInProgress && entry.AttemptID == attemptID {
		entry.State = LedgerFresh
	}
	return entry, nil
}

// CheckComplete validates that attemptID may store result over a live entry.
func CheckComplete(entry LedgerEntry, attemptID string, result Result) error {
	switch entry.State {
	case LedgerCompleted:
		if entry.Result != nil && !entry.Result.SameOutcome(result) {
			return fmt.Errorf("%w: key %s stored %s/%s, got %s/%s", ErrLedgerConflict,
				entry.Key, entry.Result.Kind, entry.Result.Reason, result.Kind, result.Reason)
		}
	case LedgerInProgress:
		if entry.AttemptID != attemptID {
			return fmt.Errorf("%w: key %s is owned by attempt %s", ErrLedgerConflict, entry.Key, entry.AttemptID)
		}
	}
	return nil
}

// ClaimTTL is how long an in-progress claim lives before another attempt may
// take the key over. A non-positive lease, or one longer than retention,
// falls back to retention.
func ClaimTTL(lease, retention time.Duration) time.Duration {
	if lease <= 0 || lease > retention {
		return retention
	}
	return lease
}

package saga

import (
	"context"
	"errors"
	"time"
)

// StepFunc is a forward or compensating action.
type StepFunc func(ctx context.Context) error

// Outcome is how a saga run ended.
type Outcome string

const (
	OutcomeCompleted          Outcome = "completed"
	OutcomeRejected           Outcome = "rejected"
	OutcomeFailed             Outcome = "failed"
	OutcomeCanceled           Outcome = "canceled"
	OutcomeAmbiguous          Outcome = "ambiguous"
	OutcomeCompensationFailed Outcome = "compensation_failed"
	OutcomeEscalated          Outcome = "escalated"
)

// StepStatus captures what happened to one step.
type StepStatus string

const (
	StepSucceeded          StepStatus = "succeeded"
	StepRejected           StepStatus = "rejected"
	StepFailed             StepStatus = "failed"
	StepAmbiguous          StepStatus = "ambiguous"
	StepCanceled           StepStatus = "canceled"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

// Record is one entry of the attempt history.
type Record struct {
	Step   string
	Status StepStatus
	Detail string
	At     time.Time
}

// Report summarizes a run.
type Report struct {
	Outcome Outcome
	// Step is the step whose failure ended the run; empty on success.
	Step string
	Err  error
	// Completed lists forward steps that succeeded, in order.
	Completed []string
	// Compensated lists compensations that succeeded, in execution order.
	Compensated      []string
	CompensationErrs []error
	Records          []Record
	// PivotReached is true once the pivot step has been started.
	PivotReached bool
}

// CompensationErr joins every compensation failure.
func (r Report) CompensationErr() error {
	return errors.Join(r.CompensationErrs...)
}

var (
	ErrNoSteps                = errors.New("saga has no steps")
	ErrDuplicatePivot         = errors.New("saga has more than one pivot step")
	ErrCompensationAfterPivot = errors.New("steps after the pivot cannot be compensated")
	ErrUnnamedStep            = errors.New("saga step requires a name and a forward action")
)

package saga

import (
	"context"
	"errors"
	"time"

	"checkoutd/internal/checkout/domain"
)

type stepKind int

const (
	stepNormal stepKind = iota
	stepPivot
)

type step struct {
	name       string
	forward    StepFunc
	compensate StepFunc
	kind       stepKind
}

// Builder assembles a saga as an explicit list of paired forward and
// compensating actions.
//
// Steps before the pivot may carry a compensation and honour cancellation.
// The pivot (the point of no return) and every step after it run on a
// context that ignores cancellation, and a failure after the pivot is never
// compensated.
type Builder struct {
	steps   []step
	pivoted bool
	err     error
	observe func(Record)
	now     func() time.Time
}

// New starts an empty saga definition.
func New() *Builder {
	return &Builder{now: time.Now}
}

// Step appends a forward action with an optional compensation.
func (b *Builder) Step(name string, forward, compensate StepFunc) *Builder {
	if b.pivoted && compensate != nil {
		b.fail(ErrCompensationAfterPivot)
	}
	return b.add(step{name: name, forward: forward, compensate: compensate, kind: stepNormal})
}

// Pivot appends the step after which the saga only moves forward.
func (b *Builder) Pivot(name string, forward StepFunc) *Builder {
	if b.pivoted {
		b.fail(ErrDuplicatePivot)
	}
	b.pivoted = true
	return b.add(step{name: name, forward: forward, kind: stepPivot})
}

// Observe registers a callback invoked for every history record.
func (b *Builder) Observe(fn func(Record)) *Builder {
	b.observe = fn
	return b
}

// Clock overrides the record timestamp source.
func (b *Builder) Clock(now func() time.Time) *Builder {
	if now != nil {
		b.now = now
	}
	return b
}

// Build validates the definition.
func (b *Builder) Build() (*Saga, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.steps) == 0 {
		return nil, ErrNoSteps
	}
	steps := make([]step, len(b.steps))
	copy(steps, b.steps)
	return &Saga{steps: steps, observe: b.observe, now: b.now}, nil
}

func (b *Builder) add(s step) *Builder {
	if s.name == "" || s.forward == nil {
		b.fail(ErrUnnamedStep)
	}
	b.steps = append(b.steps, s)
	return b
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Saga is an immutable, runnable step list.
type Saga struct {
	steps   []step
	observe func(Record)
	now     func() time.Time
}

// Run executes the steps in order and compensates in reverse order on failure.
func (s *Saga) Run(ctx context.Context) Report {
	detached := context.WithoutCancel(ctx)
	report := Report{Outcome: OutcomeCompleted}
	var undo []step
	postPivot := false

	for _, st := range s.steps {
		runCtx := detached
		if !postPivot {
			if err := ctx.Err(); err != nil {
				report.Step = st.name
				report.Err = err
				s.record(&report, st.name, StepCanceled, err)
				s.compensate(detached, &report, undo, OutcomeCanceled)
				return report
			}
			if st.kind != stepPivot {
				runCtx = ctx
			}
		}
		if st.kind == stepPivot {
			report.PivotReached = true
		}

		err := st.forward(runCtx)
		if err == nil {
			s.record(&report, st.name, StepSucceeded, nil)
			report.Completed = append(report.Completed, st.name)
			if st.kind == stepPivot {
				postPivot = true
			} else if st.compensate != nil && !postPivot {
				undo = append(undo, st)
			}
			continue
		}

		report.Step = st.name
		report.Err = err
		status, outcome := classify(err)

		if postPivot {
			s.record(&report, st.name, status, err)
			report.Outcome = OutcomeEscalated
			return report
		}
		if outcome == OutcomeAmbiguous {
			s.record(&report, st.name, status, err)
			report.Outcome = OutcomeAmbiguous
			return report
		}
		if outcome == OutcomeFailed && st.kind != stepPivot && ctx.Err() != nil {
			status, outcome = StepCanceled, OutcomeCanceled
		}
		s.record(&report, st.name, status, err)
		s.compensate(detached, &report, undo, outcome)
		return report
	}
	return report
}

func (s *Saga) compensate(ctx context.Context, report *Report, undo []step, outcome Outcome) {
	report.Outcome = outcome
	for i := len(undo) - 1; i >= 0; i-- {
		st := undo[i]
		if err := st.compensate(ctx); err != nil {
			report.CompensationErrs = append(report.CompensationErrs, err)
			s.record(report, st.name, StepCompensationFailed, err)
			continue
		}
		report.Compensated = append(report.Compensated, st.name)
		s.record(report, st.name, StepCompensated, nil)
	}
	if len(report.CompensationErrs) > 0 {
		report.Outcome = OutcomeCompensationFailed
	}
}

func (s *Saga) record(report *Report, name string, status StepStatus, err error) {
	rec := Record{Step: name, Status: status, At: s.now()}
	if err != nil {
		rec.Detail = err.Error()
	}
	report.Records = append(report.Records, rec)
	if s.observe != nil {
		s.observe(rec)
	}
}

func classify(err error) (StepStatus, Outcome) {
	switch {
	case errors.Is(err, domain.ErrAmbiguousOutcome):
		return StepAmbiguous, OutcomeAmbiguous
	case domain.IsPermanent(err):
		return StepRejected, OutcomeRejected
	default:
		return StepFailed, OutcomeFailed
	}
}

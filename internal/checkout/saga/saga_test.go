package saga

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"checkoutd/internal/checkout/domain"
)

type trace struct {
	calls []string
}

func (tr *trace) step(name string, err error) StepFunc {
	return func(ctx context.Context) error {
		tr.calls = append(tr.calls, name)
		return err
	}
}

func mustBuild(t *testing.T, b *Builder) *Saga {
	t.Helper()
	s, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return s
}

func TestRun_AllStepsSucceed(t *testing.T) {
	tr := &trace{}
	s := mustBuild(t, New().
		Step("reserve", tr.step("reserve", nil), tr.step("release", nil)).
		Step("authorize", tr.step("authorize", nil), tr.step("void", nil)).
		Pivot("capture", tr.step("capture", nil)).
		Step("persist", tr.step("persist", nil), nil))

	report := s.Run(context.Background())
	if report.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%v)", report.Outcome, report.Err)
	}
	want := []string{"reserve", "authorize", "capture", "persist"}
	if !reflect.DeepEqual(tr.calls, want) {
		t.Fatalf("unexpected calls: %v", tr.calls)
	}
	if !report.PivotReached {
		t.Fatalf("expected pivot reached")
	}
}

func TestRun_RejectionCompensatesInReverseOrder(t *testing.T) {
	tr := &trace{}
	declined := fmt.Errorf("authorize: %w", domain.ErrPaymentDeclined)
	s := mustBuild(t, New().
		Step("reserve", tr.step("reserve", nil), tr.step("release", nil)).
		Step("hold-coupon", tr.step("hold-coupon", nil), tr.step("drop-coupon", nil)).
		Step("authorize", tr.step("authorize", declined), tr.step("void", nil)).
		Pivot("capture", tr.step("capture", nil)))

	report := s.Run(context.Background())
	if report.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", report.Outcome)
	}
	if report.Step != "authorize" || !errors.Is(report.Err, domain.ErrPaymentDeclined) {
		t.Fatalf("unexpected failing step %q err %v", report.Step, report.Err)
	}
	want := []string{"reserve", "hold-coupon", "authorize", "drop-coupon", "release"}
	if !reflect.DeepEqual(tr.calls, want) {
		t.Fatalf("unexpected calls: %v", tr.calls)
	}
	if !reflect.DeepEqual(report.Compensated, []string{"hold-coupon", "reserve"}) {
		t.Fatalf("unexpected compensations: %v", report.Compensated)
	}
}

func TestRun_TransientFailureIsFailedNotRejected(t *testing.T) {
	tr := &trace{}
	s := mustBuild(t, New().
		Step("reserve", tr.step("reserve", nil), tr.step("release", nil)).
		Step("authorize", tr.step("authorize", domain.ErrRetriesExhausted), nil))

	report := s.Run(context.Background())
	if report.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", report.Outcome)
	}
	if !reflect.DeepEqual(report.Compensated, []string{"reserve"}) {
		t.Fatalf("expected reserve compensated, got %v", report.Compensated)
	}
}

func TestRun_CompensationFailureIsReported(t *testing.T) {
	tr := &trace{}
	releaseErr := errors.New("inventory down")
	s := mustBuild(t, New().
		Step("reserve", tr.step("reserve", nil), tr.step("release", releaseErr)).
		Step("authorize", tr.step("authorize", nil), tr.step("void", nil)).
		Pivot("capture", tr.step("capture", domain.ErrIntentNotCapturable)))

	report := s.Run(context.Background())
	if report.Outcome != OutcomeCompensationFailed {
		t.Fatalf("expected compensation failure, got %s", report.Outcome)
	}
	if !errors.Is(report.CompensationErr(), releaseErr) {
		t.Fatalf("expected release error, got %v", report.CompensationErr())
	}
	want := []string{"reserve", "authorize", "capture", "void", "release"}
	if !reflect.DeepEqual(tr.calls, want) {
		t.Fatalf("unexpected calls: %v", tr.calls)
	}
}

func TestRun_AmbiguousIsNeverCompensated(t *testing.T) {
	tr := &trace{}
	ambiguous := fmt.Errorf("authorize: %w", domain.ErrAmbiguousOutcome)
	s := mustBuild(t, New().
		Step("reserve", tr.step("reserve", nil), tr.step("release", nil)).
		Step("authorize", tr.step("authorize", ambiguous), tr.step("void", nil)))

	report := s.Run(context.Background())
	if report.Outcome != OutcomeAmbiguous {
		t.Fatalf("expected ambiguous, got %s", report.Outcome)
	}
	if len(report.Compensated) != 0 || len(tr.calls) != 2 {
		t.Fatalf("expected no compensation, calls=%v", tr.calls)
	}
}

func TestRun_FailureAfterPivotEscalates(t *testing.T) {
	tr := &trace{}
	s := mustBuild(t, New().
		Step("reserve", tr.step("reserve", nil), tr.step("release", nil)).
		Pivot("capture", tr.step("capture", nil)).
		Step("persist", tr.step("persist", domain.ErrRetriesExhausted), nil))

	report := s.Run(context.Background())
	if report.Outcome != OutcomeEscalated {
		t.Fatalf("expected escalated, got %s", report.Outcome)
	}
	if !reflect.DeepEqual(tr.calls, []string{"reserve", "capture", "persist"}) {
		t.Fatalf("unexpected calls: %v", tr.calls)
	}
}

func TestRun_CancellationBeforePivotCompensates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := &trace{}
	var compensateCtxErr error
	s := mustBuild(t, New().
		Step("reserve", func(ctx context.Context) error {
			tr.calls = append(tr.calls, "reserve")
			cancel()
			return nil
		}, func(ctx context.Context) error {
			compensateCtxErr = ctx.Err()
			tr.calls = append(tr.calls, "release")
			return nil
		}).
		Step("authorize", tr.step("authorize", nil), nil).
		Pivot("capture", tr.step("capture", nil)))

	report := s.Run(ctx)
	if report.Outcome != OutcomeCanceled {
		t.Fatalf("expected canceled, got %s", report.Outcome)
	}
	if !reflect.DeepEqual(tr.calls, []string{"reserve", "release"}) {
		t.Fatalf("unexpected calls: %v", tr.calls)
	}
	if compensateCtxErr != nil {
		t.Fatalf("compensation ran on a canceled context: %v", compensateCtxErr)
	}
}

func TestRun_CancellationAfterPivotIsIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var persistCtxErr error
	s := mustBuild(t, New().
		Step("reserve", func(context.Context) error { return nil }, func(context.Context) error { return nil }).
		Pivot("capture", func(context.Context) error {
			cancel()
			return nil
		}).
		Step("persist", func(ctx context.Context) error {
			persistCtxErr = ctx.Err()
			return nil
		}, nil))

	report := s.Run(ctx)
	if report.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed despite cancellation, got %s", report.Outcome)
	}
	if persistCtxErr != nil {
		t.Fatalf("post-pivot step saw cancellation: %v", persistCtxErr)
	}
}

func TestRun_ObserveReceivesRecords(t *testing.T) {
	var seen []Record
	s := mustBuild(t, New().
		Step("reserve", func(context.Context) error { return nil }, func(context.Context) error { return nil }).
		Step("authorize", func(context.Context) error { return domain.ErrPaymentDeclined }, nil).
		Observe(func(r Record) { seen = append(seen, r) }))

	report := s.Run(context.Background())
	if len(seen) != len(report.Records) || len(seen) != 3 {
		t.Fatalf("expected 3 records, got %d/%d", len(seen), len(report.Records))
	}
	if seen[2].Step != "reserve" || seen[2].Status != StepCompensated {
		t.Fatalf("unexpected last record: %+v", seen[2])
	}
}

func TestBuild_Validation(t *testing.T) {
	noop := func(context.Context) error { return nil }
	if _, err := New().Build(); !errors.Is(err, ErrNoSteps) {
		t.Fatalf("expected ErrNoSteps, got %v", err)
	}
	if _, err := New().Pivot("a", noop).Pivot("b", noop).Build(); !errors.Is(err, ErrDuplicatePivot) {
		t.Fatalf("expected ErrDuplicatePivot, got %v", err)
	}
	if _, err := New().Pivot("a", noop).Step("b", noop, noop).Build(); !errors.Is(err, ErrCompensationAfterPivot) {
		t.Fatalf("expected ErrCompensationAfterPivot, got %v", err)
	}
	if _, err := New().Step("", noop, nil).Build(); !errors.Is(err, ErrUnnamedStep) {
		t.Fatalf("expected ErrUnnamedStep, got %v", err)
	}
}

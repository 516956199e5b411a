package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkoutd/internal/checkout/domain"

	"golang.org/x/time/rate"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testPolicy(attempts, statusAttempts int) Policy {
	return Policy{
		Retry:       RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Sleep: noSleep},
		StatusRetry: RetryPolicy{MaxAttempts: statusAttempts, Sleep: noSleep},
	}
}

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicy_DefaultStopsOnPermanentErrors(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{MaxAttempts: 3, Sleep: noSleep}

	err := policy.Do(context.Background(), func() error {
		attempts++
		return domain.ErrPaymentDeclined
	})
	if !errors.Is(err, domain.ErrPaymentDeclined) {
		t.Fatalf("expected decline, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	fail := func() error {
		calls++
		return errors.New("fail")
	}

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}
}

func TestCall_RetriesIdempotentOperation(t *testing.T) {
	s := NewSupervisor(map[OperationClass]Policy{ClassReservation: testPolicy(3, 1)})
	calls := 0
	out := Call(context.Background(), s, ClassReservation, Operation[string]{
		Name: "reserve",
		Do: func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("connection reset")
			}
			return "rsv-1", nil
		},
	})
	if out.Kind != OutcomeSuccess || out.Value != "rsv-1" {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", out.Attempts)
	}
}

func TestCall_ExhaustsRetries(t *testing.T) {
	s := NewSupervisor(map[OperationClass]Policy{ClassReservation: testPolicy(2, 1)})
	boom := errors.New("connection reset")
	out := Call(context.Background(), s, ClassReservation, Operation[string]{
		Do: func(context.Context) (string, error) { return "", boom },
	})
	if out.Kind != OutcomeExhausted || !errors.Is(out.Err, boom) || out.Attempts != 2 {
		t.Fatalf("expected exhausted after 2 attempts, got %+v", out)
	}
}

func TestCall_DeclineIsNotRetried(t *testing.T) {
	s := NewSupervisor(map[OperationClass]Policy{ClassPayment: testPolicy(3, 3)})
	calls, probes := 0, 0
	out := Call(context.Background(), s, ClassPayment, Operation[string]{
		Do: func(context.Context) (string, error) {
			calls++
			return "", domain.ErrPaymentDeclined
		},
		Status: func(context.Context) (Probe[string], error) {
			probes++
			return Probe[string]{}, nil
		},
	})
	if out.Kind != OutcomeDeclined || !errors.Is(out.Err, domain.ErrPaymentDeclined) {
		t.Fatalf("expected declined, got %+v", out)
	}
	if calls != 1 || probes != 0 {
		t.Fatalf("expected 1 call and no probe, got %d/%d", calls, probes)
	}
}

func TestCall_StatusAppliedAfterTimeout(t *testing.T) {
	s := NewSupervisor(map[OperationClass]Policy{ClassPayment: testPolicy(3, 3)})
	calls := 0
	out := Call(context.Background(), s, ClassPayment, Operation[string]{
		Do: func(context.Context) (string, error) {
			calls++
			return "", context.DeadlineExceeded
		},
		Status: func(context.Context) (Probe[string], error) {
			return Probe[string]{State: ProbeApplied, Value: "captured"}, nil
		},
	})
	if out.Kind != OutcomeSuccess || out.Value != "captured" {
		t.Fatalf("expected success from status, got %+v", out)
	}
	if calls != 1 {
		t.Fatalf("mutating call repeated: %d calls", calls)
	}
}

func TestCall_RetriesOnlyWhenNeverAttempted(t *testing.T) {
	s := NewSupervisor(map[OperationClass]Policy{ClassPayment: testPolicy(3, 1)})
	calls := 0
	out := Call(context.Background(), s, ClassPayment, Operation[string]{
		Do: func(context.Context) (string, error) {
			calls++
			if calls == 1 {
				return "", errors.New("connection refused")
			}
			return "authorized", nil
		},
		Status: func(context.Context) (Probe[string], error) {
			return Probe[string]{State: ProbeNotAttempted}, nil
		},
	})
	if out.Kind != OutcomeSuccess || calls != 2 {
		t.Fatalf("expected retry after not-attempted status, got %+v calls=%d", out, calls)
	}
}

func TestCall_UnknownStatusIsAmbiguous(t *testing.T) {
	s := NewSupervisor(map[OperationClass]Policy{ClassPayment: testPolicy(3, 4)})
	calls, probes := 0, 0
	out := Call(context.Background(), s, ClassPayment, Operation[string]{
		Do: func(context.Context) (string, error) {
			calls++
			return "", context.DeadlineExceeded
		},
		Status: func(context.Context) (Probe[string], error) {
			probes++
			if probes%2 == 0 {
				return Probe[string]{State: ProbeUnknown}, nil
			}
			return Probe[string]{}, errors.New("gateway unreachable")
		},
	})
	if out.Kind != OutcomeAmbiguous {
		t.Fatalf("expected ambiguous, got %+v", out)
	}
	if calls != 1 || probes != 4 {
		t.Fatalf("expected 1 call and 4 probes, got %d/%d", calls, probes)
	}
}

func TestCall_StatusRejected(t *testing.T) {
	s := NewSupervisor(map[OperationClass]Policy{ClassPayment: testPolicy(3, 1)})
	out := Call(context.Background(), s, ClassPayment, Operation[string]{
		Do: func(context.Context) (string, error) { return "", context.DeadlineExceeded },
		Status: func(context.Context) (Probe[string], error) {
			return Probe[string]{State: ProbeRejected, Err: domain.ErrPaymentDeclined}, nil
		},
	})
	if out.Kind != OutcomeDeclined || !errors.Is(out.Err, domain.ErrPaymentDeclined) {
		t.Fatalf("expected declined, got %+v", out)
	}
}

func TestCall_StatusIgnoresCallerCancellation(t *testing.T) {
	s := NewSupervisor(map[OperationClass]Policy{ClassPayment: testPolicy(3, 1)})
	ctx, cancel := context.WithCancel(context.Background())
	var probeErr error
	out := Call(ctx, s, ClassPayment, Operation[string]{
		Do: func(context.Context) (string, error) {
			cancel()
			return "", context.Canceled
		},
		Status: func(ctx context.Context) (Probe[string], error) {
			probeErr = ctx.Err()
			return Probe[string]{State: ProbeApplied, Value: "authorized"}, nil
		},
	})
	if probeErr != nil {
		t.Fatalf("status query saw cancellation: %v", probeErr)
	}
	if out.Kind != OutcomeSuccess {
		t.Fatalf("expected success, got %+v", out)
	}
}

func TestCall_RejectionsDoNotTripBreaker(t *testing.T) {
	breaker := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	s := NewSupervisor(map[OperationClass]Policy{ClassPayment: testPolicy(1, 1)}, WithBreaker(ClassPayment, breaker))
	calls := 0
	decline := Operation[string]{Do: func(context.Context) (string, error) {
		calls++
		return "", domain.ErrPaymentDeclined
	}}
	for i := 0; i < 3; i++ {
		if out := Call(context.Background(), s, ClassPayment, decline); out.Kind != OutcomeDeclined {
			t.Fatalf("call %d: expected declined, got %+v", i, out)
		}
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls through a closed breaker, got %d", calls)
	}
}

func TestCall_OpenCircuitIsNeverAttempted(t *testing.T) {
	breaker := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	s := NewSupervisor(map[OperationClass]Policy{ClassPayment: testPolicy(1, 1)}, WithBreaker(ClassPayment, breaker))
	_ = breaker.Execute(func() error { return errors.New("fail") })

	calls, probes := 0, 0
	out := Call(context.Background(), s, ClassPayment, Operation[string]{
		Do: func(context.Context) (string, error) {
			calls++
			return "", nil
		},
		Status: func(context.Context) (Probe[string], error) {
			probes++
			return Probe[string]{State: ProbeUnknown}, nil
		},
	})
	if out.Kind != OutcomeExhausted || !errors.Is(out.Err, ErrCircuitOpen) {
		t.Fatalf("expected exhausted with open circuit, got %+v", out)
	}
	if calls != 0 || probes != 0 {
		t.Fatalf("expected no call and no probe, got %d/%d", calls, probes)
	}
}

func TestCall_LimiterFailureIsNeverAttempted(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	limiter.Allow()
	s := NewSupervisor(map[OperationClass]Policy{ClassPayment: testPolicy(1, 1)}, WithLimiter(ClassPayment, limiter))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	probes := 0
	out := Call(ctx, s, ClassPayment, Operation[string]{
		Do: func(context.Context) (string, error) { return "ok", nil },
		Status: func(context.Context) (Probe[string], error) {
			probes++
			return Probe[string]{State: ProbeUnknown}, nil
		},
	})
	if out.Kind != OutcomeExhausted || probes != 0 {
		t.Fatalf("expected exhausted without probe, got %+v probes=%d", out, probes)
	}
}

func TestCall_AttemptTimeout(t *testing.T) {
	policy := testPolicy(2, 1)
	policy.AttemptTimeout = 5 * time.Millisecond
	policy.Retry.ShouldRetry = func(error) bool { return true }
	s := NewSupervisor(map[OperationClass]Policy{ClassPersistence: policy})

	out := Call(context.Background(), s, ClassPersistence, Operation[struct{}]{
		Do: func(ctx context.Context) (struct{}, error) {
			<-ctx.Done()
			return struct{}{}, ctx.Err()
		},
	})
	if out.Kind != OutcomeExhausted || !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Fatalf("expected exhausted deadline, got %+v", out)
	}
	if out.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", out.Attempts)
	}
}

func TestCall_NotifiesObserver(t *testing.T) {
	var got []OutcomeKind
	s := NewSupervisor(nil, WithCallObserver(func(class OperationClass, op string, kind OutcomeKind, attempts int) {
		if class != ClassLedger || op != "ledger.begin" || attempts != 1 {
			t.Errorf("unexpected observation %s %s %d", class, op, attempts)
		}
		got = append(got, kind)
	}))
	Call(context.Background(), s, ClassLedger, Operation[int]{
		Name: "ledger.begin",
		Do:   func(context.Context) (int, error) { return 1, nil },
	})
	if len(got) != 1 || got[0] != OutcomeSuccess {
		t.Fatalf("unexpected observations: %v", got)
	}
}

package checkout

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"checkoutd/internal/checkout/domain"

	"golang.org/x/time/rate"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// errNotSent marks failures that happened before the request left the process.
var errNotSent = errors.New("request not sent")

// RetryPolicy controls retry behavior for outbound calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do executes the function with retries according to the policy.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool {
			return !errors.Is(err, context.Canceled) &&
				!errors.Is(err, ErrCircuitOpen) &&
				!domain.IsPermanent(err)
		}
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}

		delay := p.BaseDelay
		if delay > 0 {
			shift := attempt - 1
			if shift > 20 {
				shift = 20
			}
			delay = delay << shift
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		delay = jitter(delay)
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops calls after repeated failures.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	state          circuitState
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
}

// NewCircuitBreaker constructs a circuit breaker with sane defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		maxFails:   maxFails,
		resetAfter: resetAfter,
		now:        now,
		state:      circuitClosed,
	}
}

// Execute runs the given function while enforcing breaker state.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}

	now := c.now()

	c.mu.Lock()
	switch c.state {
	case circuitOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
	case circuitHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	if c.state == circuitHalfOpen {
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == circuitHalfOpen {
		c.halfOpenFlight = false
	}

	if err == nil {
		c.state = circuitClosed
		c.failures = 0
		return nil
	}

	if c.state == circuitHalfOpen {
		c.state = circuitOpen
		c.openedAt = now
		c.failures = 0
		return err
	}

	c.failures++
	if c.failures >= c.maxFails {
		c.state = circuitOpen
		c.openedAt = now
	}
	return err
}

// OperationClass groups remote calls that share a reliability policy.
type OperationClass string

const (
	ClassReservation OperationClass = "reservation"
	ClassPayment     OperationClass = "payment"
	ClassPersistence OperationClass = "persistence"
	ClassLedger      OperationClass = "ledger"
)

// Classes lists every operation class.
var Classes = []OperationClass{ClassReservation, ClassPayment, ClassPersistence, ClassLedger}

// Policy is the reliability policy of one operation class.
type Policy struct {
	Retry          RetryPolicy
	AttemptTimeout time.Duration
	// StatusRetry bounds the status queries issued after an unclear mutating call.
	StatusRetry RetryPolicy
}

// OutcomeKind tags a supervised call result.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeDeclined  OutcomeKind = "declined"
	OutcomeAmbiguous OutcomeKind = "ambiguous"
	OutcomeExhausted OutcomeKind = "exhausted_retries"
)

// Outcome is the three-way (plus exhaustion) result of a supervised call.
// Callers must switch on Kind; Ambiguous is never folded into failure.
type Outcome[T any] struct {
	Kind     OutcomeKind
	Value    T
	Err      error
	Attempts int
}

// ProbeState is what a status query learned about a mutating call.
type ProbeState int

const (
	ProbeUnknown ProbeState = iota
	ProbeApplied
	ProbeNotAttempted
	ProbeRejected
)

// Probe is a status query answer.
type Probe[T any] struct {
	State ProbeState
	Value T
	Err   error
}

// Operation is a remote call. Do is the call itself. Status is set for
// non-idempotent calls: after an unclear failure the supervisor asks Status
// instead of repeating Do, and repeats Do only when Status says it never happened.
type Operation[T any] struct {
	Name   string
	Do     func(ctx context.Context) (T, error)
	Status func(ctx context.Context) (Probe[T], error)
}

// CallObserver receives one notification per supervised call.
type CallObserver func(class OperationClass, op string, kind OutcomeKind, attempts int)

// Supervisor wraps collaborator calls with per-class retry, deadline, circuit
// breaker and rate limiting.
type Supervisor struct {
	policies map[OperationClass]Policy
	breakers map[OperationClass]*CircuitBreaker
	limiters map[OperationClass]*rate.Limiter
	observe  CallObserver
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithBreaker guards a class with a circuit breaker.
func WithBreaker(class OperationClass, breaker *CircuitBreaker) SupervisorOption {
	return func(s *Supervisor) {
		s.breakers[class] = breaker
	}
}

// WithLimiter throttles a class.
func WithLimiter(class OperationClass, limiter *rate.Limiter) SupervisorOption {
	return func(s *Supervisor) {
		s.limiters[class] = limiter
	}
}

// WithCallObserver registers a per-call callback (metrics).
func WithCallObserver(fn CallObserver) SupervisorOption {
	return func(s *Supervisor) {
		s.observe = fn
	}
}

// NewSupervisor constructs a Supervisor.
func NewSupervisor(policies map[OperationClass]Policy, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		policies: make(map[OperationClass]Policy, len(policies)),
		breakers: make(map[OperationClass]*CircuitBreaker),
		limiters: make(map[OperationClass]*rate.Limiter),
	}
	for class, p := range policies {
		s.policies[class] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the policy for a class; unknown classes get a single attempt.
func (s *Supervisor) Policy(class OperationClass) Policy {
	if p, ok := s.policies[class]; ok {
		return p
	}
	return Policy{Retry: RetryPolicy{MaxAttempts: 1}, StatusRetry: RetryPolicy{MaxAttempts: 1}}
}

type stopRetry struct {
	err error
}

func (s *stopRetry) Error() string { return s.err.Error() }
func (s *stopRetry) Unwrap() error { return s.err }

// Call runs op under the class policy.
func Call[T any](ctx context.Context, s *Supervisor, class OperationClass, op Operation[T]) Outcome[T] {
	policy := s.Policy(class)
	out := Outcome[T]{Kind: OutcomeExhausted}

	retry := policy.Retry
	retry.ShouldRetry = func(err error) bool {
		var stop *stopRetry
		return !errors.As(err, &stop) && !errors.Is(err, ErrCircuitOpen)
	}

	err := retry.Do(ctx, func() error {
		out.Attempts++
		v, err := invoke(ctx, s, class, policy.AttemptTimeout, true, op.Do)
		if err == nil {
			out.Kind, out.Value, out.Err = OutcomeSuccess, v, nil
			return nil
		}
		out.Err = err
		if isFinal(err) {
			out.Kind = OutcomeDeclined
			return &stopRetry{err: err}
		}
		if op.Status == nil || errors.Is(err, errNotSent) || errors.Is(err, ErrCircuitOpen) {
			out.Kind = OutcomeExhausted
			return err
		}

		probe := probeStatus(ctx, s, class, policy, op.Status)
		switch probe.State {
		case ProbeApplied:
			out.Kind, out.Value, out.Err = OutcomeSuccess, probe.Value, nil
			return nil
		case ProbeRejected:
			out.Kind = OutcomeDeclined
			if probe.Err != nil {
				out.Err = probe.Err
			}
			return &stopRetry{err: out.Err}
		case ProbeNotAttempted:
			out.Kind = OutcomeExhausted
			return err
		default:
			out.Kind = OutcomeAmbiguous
			return &stopRetry{err: err}
		}
	})
	if err != nil && out.Err == nil {
		out.Kind = OutcomeExhausted
		out.Err = err
	}

	if s.observe != nil {
		s.observe(class, op.Name, out.Kind, out.Attempts)
	}
	return out
}

// probeStatus asks the collaborator what happened. It ignores cancellation of
// ctx: once a mutating call may have been sent, its fate must be learned.
func probeStatus[T any](ctx context.Context, s *Supervisor, class OperationClass, policy Policy, status func(context.Context) (Probe[T], error)) Probe[T] {
	probeCtx := context.WithoutCancel(ctx)
	retry := policy.StatusRetry
	retry.ShouldRetry = func(error) bool { return true }

	var probe Probe[T]
	err := retry.Do(probeCtx, func() error {
		p, err := invoke(probeCtx, s, class, policy.AttemptTimeout, false, status)
		if err != nil {
			return err
		}
		probe = p
		if p.State == ProbeUnknown {
			return errors.New("status unknown")
		}
		return nil
	})
	if err != nil {
		return Probe[T]{State: ProbeUnknown, Err: err}
	}
	return probe
}

func invoke[T any](ctx context.Context, s *Supervisor, class OperationClass, timeout time.Duration, guarded bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if limiter := s.limiters[class]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("%w: %w", errNotSent, err)
		}
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		value   T
		callErr error
	)
	run := func() error {
		value, callErr = fn(callCtx)
		if callErr != nil && isFinal(callErr) {
			// A decline is a healthy answer from the collaborator.
			return nil
		}
		return callErr
	}

	breaker := s.breakers[class]
	if !guarded || breaker == nil {
		_ = run()
		return value, callErr
	}
	if err := breaker.Execute(run); err != nil && callErr == nil {
		return zero, err
	}
	return value, callErr
}

// isFinal reports errors that no retry can change.
func isFinal(err error) bool {
	return domain.IsPermanent(err) || errors.Is(err, domain.ErrFatalInvariant)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

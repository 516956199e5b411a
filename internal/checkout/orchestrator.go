package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkoutd/internal/checkout/domain"
	"checkoutd/internal/checkout/saga"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrMissingDependency is returned when a required collaborator is nil.
var ErrMissingDependency = errors.New("checkout: missing dependency")

// Request is one checkout submission.
type Request struct {
	IdempotencyKey string
	Cart           domain.Cart
	PaymentMethod  domain.PaymentMethod
}

func (r Request) validate() error {
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return domain.ErrIdempotencyKeyRequired
	}
	if strings.TrimSpace(string(r.PaymentMethod)) == "" {
		return domain.ErrPaymentMethodRequired
	}
	if !r.PaymentMethod.Known() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownPaymentMethod, r.PaymentMethod)
	}
	return r.Cart.Validate()
}

// Config holds orchestrator timing.
type Config struct {
	// ReservationTTL bounds how long a hold pins stock.
	ReservationTTL time.Duration
	// InProgressWait is how long a duplicate request waits for the owning attempt.
	InProgressWait time.Duration
	InProgressPoll time.Duration
	// PublishTimeout caps how long a finished checkout waits on its event.
	PublishTimeout time.Duration
}

// DefaultConfig returns the built-in timing.
func DefaultConfig() Config {
	return Config{
		ReservationTTL: 15 * time.Minute,
		InProgressWait: 10 * time.Second,
		InProgressPoll: 100 * time.Millisecond,
		PublishTimeout: 2 * time.Second,
	}
}

// Dependencies are the collaborators every orchestrator needs.
type Dependencies struct {
	Ledger     Ledger
	Inventory  InventoryService
	Payments   PaymentGateway
	Orders     OrderRepository
	Supervisor *Supervisor
}

// Orchestrator runs the checkout saga: reserve, authorize, capture, consume, persist.
type Orchestrator struct {
	ledger     Ledger
	inventory  InventoryService
	payments   PaymentGateway
	orders     OrderRepository
	supervisor *Supervisor

	steps    StepRecorder
	events   EventPublisher
	journal  ReconciliationJournal
	observer CheckoutObserver

	logger zerolog.Logger
	tracer trace.Tracer
	cfg    Config
	newID  func() string
	now    func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

func WithStepRecorder(r StepRecorder) Option {
	return func(o *Orchestrator) { o.steps = r }
}

func WithEventPublisher(p EventPublisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

func WithJournal(j ReconciliationJournal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

func WithObserver(obs CheckoutObserver) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithIDGenerator overrides attempt, order and event identifiers.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger", ErrMissingDependency)
	case deps.Inventory == nil:
		return nil, fmt.Errorf("%w: inventory", ErrMissingDependency)
	case deps.Payments == nil:
		return nil, fmt.Errorf("%w: payments", ErrMissingDependency)
	case deps.Orders == nil:
		return nil, fmt.Errorf("%w: orders", ErrMissingDependency)
	}
	o := &Orchestrator{
		ledger:     deps.Ledger,
		inventory:  deps.Inventory,
		payments:   deps.Payments,
		orders:     deps.Orders,
		supervisor: deps.Supervisor,
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer("checkoutd/checkout"),
		cfg:        DefaultConfig(),
		newID:      uuid.NewString,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.supervisor == nil {
		o.supervisor = NewSupervisorFromConfig(DefaultReliabilityConfig())
	}
	if o.cfg.InProgressPoll <= 0 {
		o.cfg.InProgressPoll = 50 * time.Millisecond
	}
	if o.cfg.PublishTimeout <= 0 {
		o.cfg.PublishTimeout = 2 * time.Second
	}
	return o, nil
}

// attempt is the state of one saga run. It is owned by a single Checkout call.
type attempt struct {
	id        string
	key       string
	orderID   string
	cart      domain.Cart
	method    domain.PaymentMethod
	total     decimal.Decimal
	createdAt time.Time

	handle domain.ReservationHandle
	intent domain.PaymentIntent
	order  domain.Order
}

func (a *attempt) orderWith(status domain.OrderStatus, reason string, now time.Time) domain.Order {
	return domain.Order{
		ID:             a.orderID,
		IdempotencyKey: a.key,
		Cart:           a.cart.Clone(),
		Total:          a.total,
		PaymentRef:     a.intent.Reference,
		ReservationID:  a.handle.ID,
		Status:         status,
		Reason:         reason,
		CreatedAt:      a.createdAt,
		UpdatedAt:      now,
	}
}

// Checkout turns a cart into a Confirmed, Rejected or Failed result. The
// returned error is non-nil only when no result exists: invalid input,
// idempotency conflict, ledger unavailable, key busy, or a ledger invariant
// violation.
func (o *Orchestrator) Checkout(ctx context.Context, req Request) (domain.Result, error) {
	if err := req.validate(); err != nil {
		return domain.Result{}, err
	}

	started := o.now()
	att := &attempt{
		id:        o.newID(),
		key:       req.IdempotencyKey,
		orderID:   "ord-" + o.newID(),
		cart:      req.Cart.Clone(),
		method:    req.PaymentMethod,
		createdAt: started,
	}
	att.total = att.cart.Total()
	logger := o.logger.With().
		Str("idempotency_key", att.key).
		Str("attempt_id", att.id).
		Logger()

	ctx, span := o.tracer.Start(ctx, "checkout", trace.WithAttributes(
		attribute.String("checkout.idempotency_key", att.key),
		attribute.String("checkout.attempt_id", att.id),
	))
	defer span.End()

	stored, fresh, err := o.claim(ctx, att.key, domain.Fingerprint(att.cart, att.method), att.id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Err(err).Msg("checkout not started")
		return domain.Result{}, err
	}
	if !fresh {
		logger.Info().Str("kind", string(stored.Kind)).Msg("returning stored checkout result")
		return stored, nil
	}

	flow, err := o.buildSaga(ctx, att, logger)
	if err != nil {
		return domain.Result{}, err
	}
	report := flow.Run(ctx)

	// Everything from here on must finish even if the caller went away.
	settleCtx := context.WithoutCancel(ctx)
	if clientErr(report) {
		// A collaborator refused the input itself. Compensation already ran, so
		// nothing is stored and the key is free for a corrected request.
		o.abandon(settleCtx, att, logger)
		span.RecordError(report.Err)
		span.SetStatus(codes.Error, report.Err.Error())
		logger.Info().Err(report.Err).Str("step", report.Step).Msg("checkout refused by collaborator")
		return domain.Result{}, report.Err
	}
	result := o.settle(settleCtx, att, report, logger)
	if err := o.finish(settleCtx, att, result, logger); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Result{}, err
	}

	span.SetAttributes(
		attribute.String("checkout.result", string(result.Kind)),
		attribute.String("checkout.reason", string(result.Reason)),
	)
	if result.Kind != domain.ResultConfirmed {
		span.SetStatus(codes.Error, string(result.Reason))
	}
	o.publish(settleCtx, att, result, logger)
	if o.observer != nil {
		o.observer.ObserveCheckout(result, o.now().Sub(started))
	}

	event := logger.Info()
	if result.NeedsReconciliation() {
		event = logger.Error()
	}
	event.Str("kind", string(result.Kind)).
		Str("reason", string(result.Reason)).
		Str("order_id", result.OrderID()).
		Str("saga_outcome", string(report.Outcome)).
		Msg("checkout finished")
	return result, nil
}

// GetOrder reads an order by ID.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, fmt.Errorf("%w: order id required", domain.ErrClient)
	}
	return o.orders.Get(ctx, orderID)
}

// claim runs ledger begin until this attempt owns the key or a stored result
// is found. Duplicates wait for the owner up to InProgressWait.
func (o *Orchestrator) claim(ctx context.Context, key, fingerprint, attemptID string) (domain.Result, bool, error) {
	var deadline time.Time
	for {
		out := Call(ctx, o.supervisor, ClassLedger, Operation[domain.LedgerEntry]{
			Name: "ledger.begin",
			Do: func(ctx context.Context) (domain.LedgerEntry, error) {
				return o.ledger.Begin(ctx, key, fingerprint, attemptID)
			},
		})
		if err := ledgerError(out.Kind, out.Err); err != nil {
			return domain.Result{}, false, err
		}

		entry := out.Value
		switch entry.State {
		case domain.LedgerFresh:
			return domain.Result{}, true, nil
		case domain.LedgerCompleted:
			if entry.Result == nil {
				return domain.Result{}, false, fmt.Errorf("%w: key %s completed without a result", domain.ErrLedgerConflict, key)
			}
			return *entry.Result, false, nil
		}

		now := o.now()
		if deadline.IsZero() {
			deadline = now.Add(o.cfg.InProgressWait)
		}
		if !now.Before(deadline) {
			return domain.Result{}, false, fmt.Errorf("%w: key %s", domain.ErrCheckoutInProgress, key)
		}
		if err := sleepWithContext(ctx, o.cfg.InProgressPoll); err != nil {
			return domain.Result{}, false, err
		}
	}
}

func ledgerError(kind OutcomeKind, err error) error {
	switch kind {
	case OutcomeSuccess:
		return nil
	case OutcomeDeclined:
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
}

func (o *Orchestrator) buildSaga(ctx context.Context, att *attempt, logger zerolog.Logger) (*saga.Saga, error) {
	return saga.New().
		Step("reserve", o.traced("reserve", att, o.reserve(att)), o.traced("release", att, o.release(att))).
		Step("authorize", o.traced("authorize", att, o.authorize(att)), o.traced("void", att, o.void(att))).
		Pivot("capture", o.traced("capture", att, o.capture(att))).
		Step("consume", o.traced("consume", att, o.consume(att)), nil).
		Step("persist", o.traced("persist", att, o.persist(att)), nil).
		Observe(func(rec saga.Record) { o.recordStep(ctx, att, rec, logger) }).
		Clock(o.now).
		Build()
}

func (o *Orchestrator) traced(name string, att *attempt, fn saga.StepFunc) saga.StepFunc {
	return func(ctx context.Context) error {
		ctx, span := o.tracer.Start(ctx, "checkout."+name, trace.WithAttributes(
			attribute.String("checkout.attempt_id", att.id),
		))
		defer span.End()
		err := fn(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

func (o *Orchestrator) reserve(att *attempt) saga.StepFunc {
	return func(ctx context.Context) error {
		out := Call(ctx, o.supervisor, ClassReservation, Operation[domain.ReservationHandle]{
			Name: "inventory.reserve",
			Do: func(ctx context.Context) (domain.ReservationHandle, error) {
				return o.inventory.Reserve(ctx, domain.ReserveRequest{
					Reference: att.id,
					Items:     att.cart.Items,
					TTL:       o.cfg.ReservationTTL,
				})
			},
		})
		if err := stepError(out.Kind, out.Err); err != nil {
			return fmt.Errorf("reserve: %w", err)
		}
		att.handle = out.Value
		return nil
	}
}

func (o *Orchestrator) release(att *attempt) saga.StepFunc {
	return func(ctx context.Context) error {
		out := Call(ctx, o.supervisor, ClassReservation, Operation[struct{}]{
			Name: "inventory.release",
			Do: func(ctx context.Context) (struct{}, error) {
				return struct{}{}, o.inventory.Release(ctx, att.handle.ID)
			},
		})
		if err := stepError(out.Kind, out.Err); err != nil {
			return fmt.Errorf("release %s: %w", att.handle.ID, err)
		}
		return nil
	}
}

func (o *Orchestrator) authorize(att *attempt) saga.StepFunc {
	return func(ctx context.Context) error {
		out := Call(ctx, o.supervisor, ClassPayment, Operation[domain.PaymentIntent]{
			Name: "payment.authorize",
			Do: func(ctx context.Context) (domain.PaymentIntent, error) {
				return o.payments.Authorize(ctx, domain.AuthorizeRequest{
					Reference: att.id,
					Amount:    att.total,
					Currency:  att.cart.Currency,
					Method:    att.method,
				})
			},
			Status: o.intentStatus(att.id, judgeAuthorize),
		})
		// The reference is known before the call so reconciliation can find it.
		att.intent.Reference = att.id
		if err := stepError(out.Kind, out.Err); err != nil {
			return fmt.Errorf("authorize: %w", err)
		}
		att.intent = out.Value
		return nil
	}
}

func (o *Orchestrator) void(att *attempt) saga.StepFunc {
	return func(ctx context.Context) error {
		ref := att.intent.Reference
		out := Call(ctx, o.supervisor, ClassPayment, Operation[domain.PaymentIntent]{
			Name: "payment.void",
			Do: func(ctx context.Context) (domain.PaymentIntent, error) {
				return domain.PaymentIntent{Reference: ref}, o.payments.Void(ctx, ref)
			},
			Status: o.intentStatus(ref, judgeVoid),
		})
		if err := stepError(out.Kind, out.Err); err != nil {
			return fmt.Errorf("void %s: %w", ref, err)
		}
		return nil
	}
}

func (o *Orchestrator) capture(att *attempt) saga.StepFunc {
	return func(ctx context.Context) error {
		ref := att.intent.Reference
		out := Call(ctx, o.supervisor, ClassPayment, Operation[domain.PaymentIntent]{
			Name: "payment.capture",
			Do: func(ctx context.Context) (domain.PaymentIntent, error) {
				return o.payments.Capture(ctx, ref)
			},
			Status: o.intentStatus(ref, judgeCapture),
		})
		if err := stepError(out.Kind, out.Err); err != nil {
			return fmt.Errorf("capture %s: %w", ref, err)
		}
		att.intent = out.Value
		return nil
	}
}

func (o *Orchestrator) consume(att *attempt) saga.StepFunc {
	return func(ctx context.Context) error {
		out := Call(ctx, o.supervisor, ClassReservation, Operation[struct{}]{
			Name: "inventory.consume",
			Do: func(ctx context.Context) (struct{}, error) {
				return struct{}{}, o.inventory.Consume(ctx, att.handle.ID)
			},
		})
		if err := stepError(out.Kind, out.Err); err != nil {
			return fmt.Errorf("consume %s: %w", att.handle.ID, err)
		}
		return nil
	}
}

func (o *Orchestrator) persist(att *attempt) saga.StepFunc {
	return func(ctx context.Context) error {
		order := att.orderWith(domain.OrderConfirmed, "", o.now())
		if err := o.putOrder(ctx, order); err != nil {
			return fmt.Errorf("persist %s: %w", order.ID, err)
		}
		att.order = order
		return nil
	}
}

func (o *Orchestrator) putOrder(ctx context.Context, order domain.Order) error {
	out := Call(ctx, o.supervisor, ClassPersistence, Operation[struct{}]{
		Name: "orders.put",
		Do: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.orders.Put(ctx, order)
		},
	})
	return stepError(out.Kind, out.Err)
}

func (o *Orchestrator) intentStatus(ref string, judge func(domain.PaymentIntent) Probe[domain.PaymentIntent]) func(context.Context) (Probe[domain.PaymentIntent], error) {
	return func(ctx context.Context) (Probe[domain.PaymentIntent], error) {
		intent, err := o.payments.Status(ctx, ref)
		if err != nil {
			return Probe[domain.PaymentIntent]{}, err
		}
		return judge(intent), nil
	}
}

func judgeAuthorize(intent domain.PaymentIntent) Probe[domain.PaymentIntent] {
	switch intent.Status {
	case domain.IntentAuthorized, domain.IntentCaptured:
		return Probe[domain.PaymentIntent]{State: ProbeApplied, Value: intent}
	case domain.IntentNotFound:
		return Probe[domain.PaymentIntent]{State: ProbeNotAttempted}
	case domain.IntentFailed:
		return Probe[domain.PaymentIntent]{State: ProbeRejected, Err: domain.ErrPaymentDeclined}
	}
	return Probe[domain.PaymentIntent]{State: ProbeUnknown}
}

func judgeCapture(intent domain.PaymentIntent) Probe[domain.PaymentIntent] {
	switch intent.Status {
	case domain.IntentCaptured:
		return Probe[domain.PaymentIntent]{State: ProbeApplied, Value: intent}
	case domain.IntentAuthorized:
		return Probe[domain.PaymentIntent]{State: ProbeNotAttempted}
	case domain.IntentVoided, domain.IntentFailed, domain.IntentNotFound:
		return Probe[domain.PaymentIntent]{State: ProbeRejected, Err: domain.ErrIntentNotCapturable}
	}
	return Probe[domain.PaymentIntent]{State: ProbeUnknown}
}

func judgeVoid(intent domain.PaymentIntent) Probe[domain.PaymentIntent] {
	switch intent.Status {
	case domain.IntentVoided, domain.IntentFailed, domain.IntentNotFound:
		return Probe[domain.PaymentIntent]{State: ProbeApplied, Value: intent}
	case domain.IntentCreated, domain.IntentAuthorized:
		return Probe[domain.PaymentIntent]{State: ProbeNotAttempted}
	case domain.IntentCaptured:
		return Probe[domain.PaymentIntent]{State: ProbeRejected, Err: domain.ErrIntentCaptured}
	}
	return Probe[domain.PaymentIntent]{State: ProbeUnknown}
}

// stepError turns a supervised outcome into the error the saga classifies.
func stepError(kind OutcomeKind, err error) error {
	switch kind {
	case OutcomeSuccess:
		return nil
	case OutcomeDeclined:
		return err
	case OutcomeAmbiguous:
		return fmt.Errorf("%w: %w", domain.ErrAmbiguousOutcome, err)
	}
	if err == nil {
		err = errors.New("no attempt made")
	}
	return fmt.Errorf("%w: %w", domain.ErrRetriesExhausted, err)
}

func clientErr(report saga.Report) bool {
	return report.Outcome == saga.OutcomeRejected && errors.Is(report.Err, domain.ErrClient)
}

// settle maps the saga report to the caller-visible result and records
// Compensated or Failed orders.
func (o *Orchestrator) settle(ctx context.Context, att *attempt, report saga.Report, logger zerolog.Logger) domain.Result {
	detail := ""
	if report.Err != nil {
		detail = report.Err.Error()
	}

	switch report.Outcome {
	case saga.OutcomeCompleted:
		return domain.Confirmed(att.order)

	case saga.OutcomeRejected:
		reason := domain.ReasonFor(report.Err)
		if reason == domain.ReasonNone {
			reason = unavailableReason(report.Step)
		}
		result := domain.Rejected(reason, detail)
		if len(report.Compensated) > 0 {
			order := att.orderWith(domain.OrderCompensated, string(reason), o.now())
			if err := o.putOrder(ctx, order); err != nil {
				logger.Warn().Err(err).Str("order_id", order.ID).Msg("record compensated order")
			} else {
				result.Order = &order
			}
		}
		return result

	case saga.OutcomeFailed:
		return domain.Failed(unavailableReason(report.Step), detail, true)

	case saga.OutcomeCanceled:
		return domain.Failed(domain.ReasonCanceled, detail, true)
	}

	reason := domain.ReasonReconciliationRequired
	switch report.Outcome {
	case saga.OutcomeAmbiguous:
		reason = domain.ReasonPaymentOutcomeUnknown
	case saga.OutcomeCompensationFailed:
		reason = domain.ReasonCompensationFailed
		if cerr := report.CompensationErr(); cerr != nil {
			detail = fmt.Sprintf("%s; compensation: %v", detail, cerr)
		}
	}
	result := domain.Failed(reason, detail, false)

	order := att.orderWith(domain.OrderFailed, string(reason), o.now())
	if err := o.putOrder(ctx, order); err != nil {
		logger.Error().Err(err).Str("order_id", order.ID).Msg("record failed order")
	} else {
		result.Order = &order
	}
	o.reconcile(ctx, att, report.Step, string(report.Outcome), result, logger)
	return result
}

func unavailableReason(step string) domain.ReasonCode {
	switch step {
	case "reserve", "consume":
		return domain.ReasonReservationUnavailable
	}
	return domain.ReasonPaymentUnavailable
}

// finish writes the ledger: retryable failures give the key back, every
// other result is stored.
func (o *Orchestrator) finish(ctx context.Context, att *attempt, result domain.Result, logger zerolog.Logger) error {
	if result.Kind == domain.ResultFailed && result.Retryable {
		o.abandon(ctx, att, logger)
		return nil
	}

	out := Call(ctx, o.supervisor, ClassLedger, Operation[struct{}]{
		Name: "ledger.complete",
		Do: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.ledger.Complete(ctx, att.key, att.id, result)
		},
	})
	if out.Kind == OutcomeSuccess {
		return nil
	}
	if errors.Is(out.Err, domain.ErrFatalInvariant) {
		logger.Error().Err(out.Err).
			Str("order_id", result.OrderID()).
			Str("kind", string(result.Kind)).
			Msg("idempotency ledger invariant violated")
		o.reconcile(ctx, att, "ledger.complete", "ledger_conflict", result, logger)
		return fmt.Errorf("complete ledger entry: %w", out.Err)
	}
	logger.Error().Err(out.Err).
		Str("order_id", result.OrderID()).
		Msg("ledger complete failed, key stays in progress until it expires")
	o.reconcile(ctx, att, "ledger.complete", "ledger_unavailable", result, logger)
	return nil
}

// abandon gives the key back so a later request can start a fresh attempt.
func (o *Orchestrator) abandon(ctx context.Context, att *attempt, logger zerolog.Logger) {
	out := Call(ctx, o.supervisor, ClassLedger, Operation[struct{}]{
		Name: "ledger.abandon",
		Do: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.ledger.Abandon(ctx, att.key, att.id)
		},
	})
	if out.Kind != OutcomeSuccess {
		logger.Warn().Err(out.Err).Msg("ledger abandon failed, key stays busy until its lease expires")
	}
}

func (o *Orchestrator) reconcile(ctx context.Context, att *attempt, step, outcome string, result domain.Result, logger zerolog.Logger) {
	entry := domain.Reconciliation{
		AttemptID:      att.id,
		IdempotencyKey: att.key,
		OrderID:        result.OrderID(),
		ReservationID:  att.handle.ID,
		PaymentRef:     att.intent.Reference,
		Step:           step,
		Outcome:        outcome,
		Reason:         string(result.Reason),
		Detail:         result.Detail,
		At:             o.now(),
	}
	logger.Error().
		Str("step", step).
		Str("saga_outcome", outcome).
		Str("reservation_id", entry.ReservationID).
		Str("payment_ref", entry.PaymentRef).
		Str("order_id", entry.OrderID).
		Str("detail", entry.Detail).
		Msg("checkout needs reconciliation")
	if o.journal == nil {
		return
	}
	if err := o.journal.Record(ctx, entry); err != nil {
		logger.Error().Err(err).Msg("write reconciliation journal")
	}
}

func (o *Orchestrator) recordStep(ctx context.Context, att *attempt, rec saga.Record, logger zerolog.Logger) {
	event := logger.Debug()
	if rec.Status != saga.StepSucceeded && rec.Status != saga.StepCompensated {
		event = logger.Warn()
	}
	event.Str("step", rec.Step).
		Str("status", string(rec.Status)).
		Str("reservation_id", att.handle.ID).
		Str("payment_ref", att.intent.Reference).
		Str("detail", rec.Detail).
		Msg("saga step")

	if o.steps == nil {
		return
	}
	err := o.steps.RecordStep(context.WithoutCancel(ctx), domain.StepRecord{
		AttemptID:      att.id,
		IdempotencyKey: att.key,
		Step:           rec.Step,
		Status:         string(rec.Status),
		Detail:         rec.Detail,
		At:             rec.At,
	})
	if err != nil {
		logger.Warn().Err(err).Str("step", rec.Step).Msg("record saga step")
	}
}

func (o *Orchestrator) publish(ctx context.Context, att *attempt, result domain.Result, logger zerolog.Logger) {
	if o.events == nil {
		return
	}
	event := domain.Event{
		ID:             o.newID(),
		Type:           domain.EventTypeFor(result),
		IdempotencyKey: att.key,
		AttemptID:      att.id,
		OrderID:        result.OrderID(),
		Kind:           result.Kind,
		Reason:         result.Reason,
		Detail:         result.Detail,
		OccurredAt:     o.now(),
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PublishTimeout)
	defer cancel()
	if err := o.events.Publish(ctx, event); err != nil {
		logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("publish checkout event")
	}
}

package checkout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"checkoutd/internal/checkout/domain"

	"github.com/google/uuid"
)

type hold struct {
	handle domain.ReservationHandle
	items  []domain.LineItem
	state  domain.ReservationState
}

// InMemoryInventory keeps stock and holds in memory.
type InMemoryInventory struct {
	mu    sync.Mutex
	stock map[string]int
	holds map[string]*hold
	byRef map[string]string
	now   func() time.Time
}

// NewInMemoryInventory constructs an inventory seeded with stock per SKU.
func NewInMemoryInventory(stock map[string]int) *InMemoryInventory {
	inv := &InMemoryInventory{
		stock: make(map[string]int, len(stock)),
		holds: make(map[string]*hold),
		byRef: make(map[string]string),
		now:   time.Now,
	}
	for sku, qty := range stock {
		inv.stock[sku] = qty
	}
	return inv
}

// SetClock overrides the clock used for hold expiry.
func (i *InMemoryInventory) SetClock(now func() time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.now = now
}

func (i *InMemoryInventory) Reserve(ctx context.Context, req domain.ReserveRequest) (domain.ReservationHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReservationHandle{}, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	i.sweepLocked(now)

	if id, ok := i.byRef[req.Reference]; ok {
		return i.holds[id].handle, nil
	}
	for _, item := range req.Items {
		if i.stock[item.SKU] < item.Quantity {
			return domain.ReservationHandle{}, fmt.Errorf("%w: sku %s requested %d available %d",
				domain.ErrInsufficientStock, item.SKU, item.Quantity, i.stock[item.SKU])
		}
	}
	for _, item := range req.Items {
		i.stock[item.SKU] -= item.Quantity
	}

	items := make([]domain.LineItem, len(req.Items))
	copy(items, req.Items)
	h := &hold{
		handle: domain.ReservationHandle{
			ID:        "rsv-" + uuid.NewString(),
			Reference: req.Reference,
			ExpiresAt: now.Add(req.TTL),
		},
		items: items,
		state: domain.ReservationActive,
	}
	if req.TTL <= 0 {
		h.handle.ExpiresAt = time.Time{}
	}
	i.holds[h.handle.ID] = h
	if req.Reference != "" {
		i.byRef[req.Reference] = h.handle.ID
	}
	return h.handle, nil
}

func (i *InMemoryInventory) Release(ctx context.Context, handleID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	h, ok := i.holds[handleID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrReservationNotFound, handleID)
	}
	switch h.state {
	case domain.ReservationReleased:
		return nil
	case domain.ReservationConsumed:
		return fmt.Errorf("%w: %s", domain.ErrReservationClosed, handleID)
	}
	i.releaseLocked(h)
	return nil
}

func (i *InMemoryInventory) Consume(ctx context.Context, handleID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	h, ok := i.holds[handleID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrReservationNotFound, handleID)
	}
	switch h.state {
	case domain.ReservationConsumed:
		return nil
	case domain.ReservationReleased:
		return fmt.Errorf("%w: %s", domain.ErrReservationClosed, handleID)
	}
	if expired(h.handle, i.now()) {
		i.releaseLocked(h)
		return fmt.Errorf("%w: %s", domain.ErrReservationExpired, handleID)
	}
	h.state = domain.ReservationConsumed
	return nil
}

// Available returns unreserved stock for a SKU.
func (i *InMemoryInventory) Available(sku string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stock[sku]
}

// HoldState reports the state of a hold (for testing/inspection).
func (i *InMemoryInventory) HoldState(handleID string) (domain.ReservationState, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	h, ok := i.holds[handleID]
	if !ok {
		return "", false
	}
	return h.state, true
}

// ActiveHolds counts holds that still pin stock.
func (i *InMemoryInventory) ActiveHolds() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, h := range i.holds {
		if h.state == domain.ReservationActive {
			n++
		}
	}
	return n
}

// HoldCount counts every hold ever granted.
func (i *InMemoryInventory) HoldCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.holds)
}

func (i *InMemoryInventory) sweepLocked(now time.Time) {
	for _, h := range i.holds {
		if h.state == domain.ReservationActive && expired(h.handle, now) {
			i.releaseLocked(h)
		}
	}
}

func (i *InMemoryInventory) releaseLocked(h *hold) {
	for _, item := range h.items {
		i.stock[item.SKU] += item.Quantity
	}
	h.state = domain.ReservationReleased
}

func expired(h domain.ReservationHandle, now time.Time) bool {
	return !h.ExpiresAt.IsZero() && !now.Before(h.ExpiresAt)
}

// InMemoryPaymentGateway tracks payment intents in memory.
type InMemoryPaymentGateway struct {
	mu      sync.Mutex
	intents map[string]*domain.PaymentIntent
}

// NewInMemoryPaymentGateway constructs an in-memory payment gateway.
func NewInMemoryPaymentGateway() *InMemoryPaymentGateway {
	return &InMemoryPaymentGateway{intents: make(map[string]*domain.PaymentIntent)}
}

func (g *InMemoryPaymentGateway) Authorize(ctx context.Context, req domain.AuthorizeRequest) (domain.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return domain.PaymentIntent{}, err
	}
	if !req.Method.Known() {
		return domain.PaymentIntent{}, fmt.Errorf("%w: %s", domain.ErrUnknownPaymentMethod, req.Method)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if intent, ok := g.intents[req.Reference]; ok {
		if intent.Status == domain.IntentFailed {
			return *intent, domain.ErrPaymentDeclined
		}
		return *intent, nil
	}
	intent := &domain.PaymentIntent{
		Reference: req.Reference,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    domain.IntentAuthorized,
	}
	g.intents[req.Reference] = intent
	if req.Method.AlwaysDeclines() {
		intent.Status = domain.IntentFailed
		return *intent, domain.ErrPaymentDeclined
	}
	return *intent, nil
}

func (g *InMemoryPaymentGateway) Capture(ctx context.Context, reference string) (domain.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return domain.PaymentIntent{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[reference]
	if !ok {
		return domain.PaymentIntent{}, fmt.Errorf("%w: %s", domain.ErrIntentNotFound, reference)
	}
	switch intent.Status {
	case domain.IntentCaptured:
		return *intent, nil
	case domain.IntentAuthorized:
		intent.Status = domain.IntentCaptured
		return *intent, nil
	}
	return *intent, fmt.Errorf("%w: %s is %s", domain.ErrIntentNotCapturable, reference, intent.Status)
}

func (g *InMemoryPaymentGateway) Void(ctx context.Context, reference string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[reference]
	if !ok {
		return nil
	}
	switch intent.Status {
	case domain.IntentCaptured:
		return fmt.Errorf("%w: %s", domain.ErrIntentCaptured, reference)
	case domain.IntentCreated, domain.IntentAuthorized:
		intent.Status = domain.IntentVoided
	}
	return nil
}

func (g *InMemoryPaymentGateway) Status(ctx context.Context, reference string) (domain.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return domain.PaymentIntent{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[reference]
	if !ok {
		return domain.PaymentIntent{Reference: reference, Status: domain.IntentNotFound}, nil
	}
	return *intent, nil
}

// Intent returns a stored intent (for testing/inspection).
func (g *InMemoryPaymentGateway) Intent(reference string) (domain.PaymentIntent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[reference]
	if !ok {
		return domain.PaymentIntent{}, false
	}
	return *intent, true
}

// Intents lists every intent sorted by reference.
func (g *InMemoryPaymentGateway) Intents() []domain.PaymentIntent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.PaymentIntent, 0, len(g.intents))
	for _, intent := range g.intents {
		out = append(out, *intent)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Reference < out[b].Reference })
	return out
}

// InMemoryOrderRepository stores orders in memory.
type InMemoryOrderRepository struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

// NewInMemoryOrderRepository constructs an empty repository.
func NewInMemoryOrderRepository() *InMemoryOrderRepository {
	return &InMemoryOrderRepository{orders: make(map[string]domain.Order)}
}

func (r *InMemoryOrderRepository) Put(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	order.Cart = order.Cart.Clone()
	r.orders[order.ID] = order
	return nil
}

func (r *InMemoryOrderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	order.Cart = order.Cart.Clone()
	return order, nil
}

// Orders lists every stored order sorted by ID.
func (r *InMemoryOrderRepository) Orders() []domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		out = append(out, order)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// MemoryLedger is a process-local idempotency ledger.
type MemoryLedger struct {
	mu        sync.Mutex
	entries   map[string]domain.LedgerEntry
	retention time.Duration
	lease     time.Duration
	now       func() time.Time
}

// NewMemoryLedger constructs a ledger keeping entries for retention.
func NewMemoryLedger(retention time.Duration) *MemoryLedger {
	return &MemoryLedger{
		entries:   make(map[string]domain.LedgerEntry),
		retention: retention,
		now:       time.Now,
	}
}

// SetLease bounds how long an unfinished claim holds the key. Completed
// entries still keep the full retention.
func (l *MemoryLedger) SetLease(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lease = d
}

// SetClock overrides the ledger clock.
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLedger) Begin(ctx context.Context, key, fingerprint, attemptID string) (domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.LedgerEntry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[key]
	if !ok || ledgerExpired(entry, now) {
		entry = domain.LedgerEntry{
			Key:         key,
			Fingerprint: fingerprint,
			AttemptID:   attemptID,
			State:       domain.LedgerInProgress,
			ExpiresAt:   now.Add(domain.ClaimTTL(l.lease, l.retention)),
		}
		l.entries[key] = entry
		entry.State = domain.LedgerFresh
		return entry, nil
	}
	return domain.Observe(entry, fingerprint, attemptID)
}

func (l *MemoryLedger) Complete(ctx context.Context, key, attemptID string, result domain.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[key]
	if ok && !ledgerExpired(entry, now) {
		if err := domain.CheckComplete(entry, attemptID, result); err != nil {
			return err
		}
		if entry.State == domain.LedgerCompleted {
			return nil
		}
	} else {
		entry = domain.LedgerEntry{Key: key, AttemptID: attemptID}
	}
	stored := result
	entry.State = domain.LedgerCompleted
	entry.Result = &stored
	entry.ExpiresAt = now.Add(l.retention)
	l.entries[key] = entry
	return nil
}

func (l *MemoryLedger) Abandon(ctx context.Context, key, attemptID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if ok && entry.State == domain.LedgerInProgress && entry.AttemptID == attemptID {
		delete(l.entries, key)
	}
	return nil
}

func (l *MemoryLedger) Purge(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, entry := range l.entries {
		if ledgerExpired(entry, now) {
			delete(l.entries, key)
			n++
		}
	}
	return n, nil
}

// Entry returns the stored entry for key (for testing/inspection).
func (l *MemoryLedger) Entry(key string) (domain.LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	return entry, ok
}

func ledgerExpired(entry domain.LedgerEntry, now time.Time) bool {
	return !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt)
}

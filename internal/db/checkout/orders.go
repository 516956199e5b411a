package checkoutdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"checkoutd/internal/checkout/domain"

	"github.com/shopspring/decimal"
)

// OrderRepository stores orders in SQL.
type OrderRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewOrderRepository constructs an OrderRepository.
func NewOrderRepository(db *sql.DB, dialect Dialect) *OrderRepository {
	return &OrderRepository{db: db, dialect: dialect}
}

// NewOrderRepositoryWithSchema initializes the schema then returns the repository.
func NewOrderRepositoryWithSchema(ctx context.Context, db *sql.DB, dialect Dialect) (*OrderRepository, error) {
	repo := NewOrderRepository(db, dialect)
	if err := repo.InitSchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

// InitSchema creates the orders table if it does not exist. Money is stored
// as decimal text so both dialects keep it exact.
func (r *OrderRepository) InitSchema(ctx context.Context) error {
	return execAll(ctx, r.db, []string{
		`CREATE TABLE IF NOT EXISTS checkout_orders (
			order_id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			currency TEXT NOT NULL,
			total TEXT NOT NULL,
			payment_ref TEXT NOT NULL DEFAULT '',
			reservation_id TEXT NOT NULL DEFAULT '',
			cart TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS checkout_orders_key_idx ON checkout_orders (idempotency_key)`,
	})
}

// Put writes the order; a repeated Put replaces the row.
func (r *OrderRepository) Put(ctx context.Context, order domain.Order) error {
	if order.ID == "" {
		return fmt.Errorf("order id required")
	}
	cart, err := json.Marshal(order.Cart)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.dialect.bind(`
		INSERT INTO checkout_orders
			(order_id, idempotency_key, status, reason, currency, total, payment_ref, reservation_id, cart, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (order_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			total = excluded.total,
			payment_ref = excluded.payment_ref,
			reservation_id = excluded.reservation_id,
			cart = excluded.cart,
			updated_at_ms = excluded.updated_at_ms`),
		order.ID, order.IdempotencyKey, string(order.Status), order.Reason, order.Cart.Currency,
		order.Total.String(), order.PaymentRef, order.ReservationID, string(cart),
		unixMillis(order.CreatedAt), unixMillis(order.UpdatedAt),
	)
	return err
}

// Get reads an order by ID.
func (r *OrderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.bind(`
		SELECT order_id, idempotency_key, status, reason, total, payment_ref, reservation_id, cart, created_at_ms, updated_at_ms
		FROM checkout_orders
		WHERE order_id = $1`),
		orderID,
	)

	var order domain.Order
	var status, total, cart string
	var createdMS, updatedMS int64
	if err := row.Scan(&order.ID, &order.IdempotencyKey, &status, &order.Reason, &total,
		&order.PaymentRef, &order.ReservationID, &cart, &createdMS, &updatedMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
		}
		return domain.Order{}, err
	}

	amount, err := decimal.NewFromString(total)
	if err != nil {
		return domain.Order{}, fmt.Errorf("decode total for %s: %w", orderID, err)
	}
	if err := json.Unmarshal([]byte(cart), &order.Cart); err != nil {
		return domain.Order{}, fmt.Errorf("decode cart for %s: %w", orderID, err)
	}
	order.Status = domain.OrderStatus(status)
	order.Total = amount
	order.CreatedAt = fromMillis(createdMS)
	order.UpdatedAt = fromMillis(updatedMS)
	return order, nil
}

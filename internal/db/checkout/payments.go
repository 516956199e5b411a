package checkoutdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkoutd/internal/checkout/domain"

	"github.com/shopspring/decimal"
)

// PaymentGateway is a durable gateway simulator: intents live in SQL so
// status queries survive restarts.
type PaymentGateway struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewPaymentGateway constructs a PaymentGateway.
func NewPaymentGateway(db *sql.DB, dialect Dialect) *PaymentGateway {
	return &PaymentGateway{db: db, dialect: dialect, now: time.Now}
}

// NewPaymentGatewayWithSchema initializes the schema then returns the gateway.
func NewPaymentGatewayWithSchema(ctx context.Context, db *sql.DB, dialect Dialect) (*PaymentGateway, error) {
	gateway := NewPaymentGateway(db, dialect)
	if err := gateway.InitSchema(ctx); err != nil {
		return nil, err
	}
	return gateway, nil
}

// InitSchema creates the payment intents table if it does not exist.
func (p *PaymentGateway) InitSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkout_payment_intents (
			reference TEXT PRIMARY KEY,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			method TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)
	`)
	return err
}

func (p *PaymentGateway) Authorize(ctx context.Context, req domain.AuthorizeRequest) (domain.PaymentIntent, error) {
	if req.Reference == "" {
		return domain.PaymentIntent{}, fmt.Errorf("payment reference required")
	}
	if !req.Method.Known() {
		return domain.PaymentIntent{}, fmt.Errorf("%w: %s", domain.ErrUnknownPaymentMethod, req.Method)
	}

	status := domain.IntentAuthorized
	if req.Method.AlwaysDeclines() {
		status = domain.IntentFailed
	}
	nowMS := unixMillis(p.now())
	_, err := p.db.ExecContext(ctx, p.dialect.bind(`
		INSERT INTO checkout_payment_intents (reference, amount, currency, method, status, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (reference) DO NOTHING`),
		req.Reference, req.Amount.String(), req.Currency, string(req.Method), string(status), nowMS,
	)
	if err != nil {
		return domain.PaymentIntent{}, err
	}

	intent, found, err := p.load(ctx, req.Reference)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if !found {
		return domain.PaymentIntent{}, fmt.Errorf("payment intent %s not found after insert", req.Reference)
	}
	if intent.Status == domain.IntentFailed {
		return intent, domain.ErrPaymentDeclined
	}
	return intent, nil
}

func (p *PaymentGateway) Capture(ctx context.Context, reference string) (domain.PaymentIntent, error) {
	res, err := p.db.ExecContext(ctx, p.dialect.bind(`
		UPDATE checkout_payment_intents
		SET status = 'captured', updated_at_ms = $2
		WHERE reference = $1 AND status IN ('authorized', 'captured')`),
		reference, unixMillis(p.now()),
	)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.PaymentIntent{}, err
	}

	intent, found, err := p.load(ctx, reference)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if !found {
		return domain.PaymentIntent{}, fmt.Errorf("%w: %s", domain.ErrIntentNotFound, reference)
	}
	if affected == 0 {
		return intent, fmt.Errorf("%w: %s is %s", domain.ErrIntentNotCapturable, reference, intent.Status)
	}
	return intent, nil
}

func (p *PaymentGateway) Void(ctx context.Context, reference string) error {
	res, err := p.db.ExecContext(ctx, p.dialect.bind(`
		UPDATE checkout_payment_intents
		SET status = 'voided', updated_at_ms = $2
		WHERE reference = $1 AND status IN ('created', 'authorized')`),
		reference, unixMillis(p.now()),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	intent, found, err := p.load(ctx, reference)
	if err != nil {
		return err
	}
	if found && intent.Status == domain.IntentCaptured {
		return fmt.Errorf("%w: %s", domain.ErrIntentCaptured, reference)
	}
	return nil
}

func (p *PaymentGateway) Status(ctx context.Context, reference string) (domain.PaymentIntent, error) {
	intent, found, err := p.load(ctx, reference)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if !found {
		return domain.PaymentIntent{Reference: reference, Status: domain.IntentNotFound}, nil
	}
	return intent, nil
}

func (p *PaymentGateway) load(ctx context.Context, reference string) (domain.PaymentIntent, bool, error) {
	row := p.db.QueryRowContext(ctx, p.dialect.bind(`
		SELECT reference, amount, currency, status
		FROM checkout_payment_intents
		WHERE reference = $1`),
		reference,
	)
	var intent domain.PaymentIntent
	var amount, status string
	switch err := row.Scan(&intent.Reference, &amount, &intent.Currency, &status); {
	case errors.Is(err, sql.ErrNoRows):
		return domain.PaymentIntent{}, false, nil
	case err != nil:
		return domain.PaymentIntent{}, false, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.PaymentIntent{}, false, fmt.Errorf("decode amount for %s: %w", reference, err)
	}
	intent.Amount = value
	intent.Status = domain.IntentStatus(status)
	return intent, true, nil
}

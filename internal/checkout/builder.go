package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	checkoutdb "checkoutd/internal/db/checkout"
	"checkoutd/internal/redisstore"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// BackendConfig selects where ledger, inventory, payments and orders live.
type BackendConfig struct {
	// DatabaseURL is a postgres:// URL or "sqlite:<path>". Empty keeps SQL-backed
	// components in memory.
	DatabaseURL string
	// Redis, when set, backs the ledger and inventory.
	Redis       redis.Cmdable
	RedisPrefix string
	// Retention is how long idempotency entries are kept.
	Retention time.Duration
	// Lease is how long an in-progress claim survives without completing.
	// It must outlast the slowest checkout. Zero keeps claims for Retention.
	Lease time.Duration
	// Stock seeds inventory. Redis stock is only overwritten for listed SKUs.
	Stock map[string]int
}

// Backends are the collaborators chosen by BuildBackends.
type Backends struct {
	Ledger    Ledger
	Purger    LedgerPurger
	Inventory InventoryService
	Payments  PaymentGateway
	Orders    OrderRepository
	Steps     StepRecorder
	// Check pings the external stores; nil when everything is in memory.
	Check func(ctx context.Context) error
}

// Dependencies returns the orchestrator dependencies for these backends.
func (b Backends) Dependencies(supervisor *Supervisor) Dependencies {
	return Dependencies{
		Ledger:     b.Ledger,
		Inventory:  b.Inventory,
		Payments:   b.Payments,
		Orders:     b.Orders,
		Supervisor: supervisor,
	}
}

// BuildBackends wires collaborators from cfg. Redis wins for the ledger and
// inventory, SQL for the ledger, orders, payments and step journal, and
// anything left over runs in memory. A configured store that cannot be
// initialised is an error: the ledger never silently drops to process memory.
// The returned cleanup closes any SQL connection.
func BuildBackends(ctx context.Context, cfg BackendConfig, logger zerolog.Logger) (Backends, func(), error) {
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	memLedger := NewMemoryLedger(retention)
	memLedger.SetLease(cfg.Lease)
	b := Backends{
		Ledger:   memLedger,
		Purger:   memLedger,
		Payments: NewInMemoryPaymentGateway(),
		Orders:   NewInMemoryOrderRepository(),
	}
	cleanup := func() {}
	var checks []func(context.Context) error

	if cfg.DatabaseURL != "" {
		db, dialect, err := openSQL(ctx, cfg.DatabaseURL, retention, cfg.Lease, &b)
		if err != nil {
			return Backends{}, nil, fmt.Errorf("open sql backend: %w", err)
		}
		logger.Info().Str("dialect", dialect.String()).Msg("sql ledger, orders and payments enabled")
		checks = append(checks, db.PingContext)
		cleanup = func() {
			if err := db.Close(); err != nil {
				logger.Warn().Err(err).Msg("close sql")
			}
		}
	}

	if cfg.Redis != nil {
		inventory := redisstore.NewInventory(cfg.Redis, cfg.RedisPrefix)
		setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := inventory.Seed(setupCtx, cfg.Stock)
		cancel()
		if err != nil {
			cleanup()
			return Backends{}, nil, fmt.Errorf("seed redis stock: %w", err)
		}
		logger.Info().Msg("redis ledger and inventory enabled")
		ledger := redisstore.NewLedger(cfg.Redis, cfg.RedisPrefix, retention)
		ledger.SetLease(cfg.Lease)
		b.Ledger = ledger
		// Redis expires keys itself.
		b.Purger = nil
		b.Inventory = inventory
		checks = append(checks, func(ctx context.Context) error { return cfg.Redis.Ping(ctx).Err() })
	}

	if b.Inventory == nil {
		b.Inventory = NewInMemoryInventory(cfg.Stock)
	}
	if len(checks) > 0 {
		b.Check = func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				if err := check(ctx); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		}
	}
	return b, cleanup, nil
}

func openSQL(ctx context.Context, url string, retention, lease time.Duration, b *Backends) (*sql.DB, checkoutdb.Dialect, error) {
	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	db, dialect, err := checkoutdb.Open(setupCtx, url)
	if err != nil {
		return nil, dialect, err
	}
	ledger, err := checkoutdb.NewLedgerWithSchema(setupCtx, db, dialect, retention)
	if err != nil {
		_ = db.Close()
		return nil, dialect, fmt.Errorf("ledger schema: %w", err)
	}
	ledger.SetLease(lease)
	orders, err := checkoutdb.NewOrderRepositoryWithSchema(setupCtx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, dialect, fmt.Errorf("orders schema: %w", err)
	}
	payments, err := checkoutdb.NewPaymentGatewayWithSchema(setupCtx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, dialect, fmt.Errorf("payments schema: %w", err)
	}

	b.Ledger = ledger
	b.Purger = ledger
	b.Steps = ledger
	b.Orders = orders
	b.Payments = payments
	return db, dialect, nil
}

package checkoutdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkoutd/internal/checkout/domain"
)

// Ledger persists idempotency keys and saga steps in SQL.
type Ledger struct {
	db        *sql.DB
	dialect   Dialect
	retention time.Duration
	lease     time.Duration
	now       func() time.Time
}

// NewLedger constructs a Ledger. Entries live for retention after they are
// claimed and again after they complete, unless SetLease shortens the claim.
func NewLedger(db *sql.DB, dialect Dialect, retention time.Duration) *Ledger {
	return &Ledger{db: db, dialect: dialect, retention: retention, now: time.Now}
}

// NewLedgerWithSchema initializes the schema then returns the ledger.
func NewLedgerWithSchema(ctx context.Context, db *sql.DB, dialect Dialect, retention time.Duration) (*Ledger, error) {
	ledger := NewLedger(db, dialect, retention)
	if err := ledger.InitSchema(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// SetLease bounds how long an in-progress claim holds the key.
func (l *Ledger) SetLease(d time.Duration) {
	l.lease = d
}

// SetClock overrides the ledger clock.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// InitSchema creates ledger tables if they do not exist.
func (l *Ledger) InitSchema(ctx context.Context) error {
	return execAll(ctx, l.db, []string{
		`CREATE TABLE IF NOT EXISTS checkout_idempotency (
			idempotency_key TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			attempt_id TEXT NOT NULL,
			state TEXT NOT NULL,
			result TEXT,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL,
			expires_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS checkout_idempotency_expires_idx ON checkout_idempotency (expires_at_ms)`,
		`CREATE TABLE IF NOT EXISTS checkout_saga_steps (
			id ` + l.dialect.serial() + `,
			attempt_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			created_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS checkout_saga_steps_attempt_idx ON checkout_saga_steps (attempt_id)`,
	})
}

// Begin claims key for attemptID. The upsert only replaces expired rows, so
// exactly one concurrent caller gets a row change.
func (l *Ledger) Begin(ctx context.Context, key, fingerprint, attemptID string) (domain.LedgerEntry, error) {
	now := l.now()
	nowMS, expMS := unixMillis(now), unixMillis(now.Add(domain.ClaimTTL(l.lease, l.retention)))

	res, err := l.db.ExecContext(ctx, l.dialect.bind(`
		INSERT INTO checkout_idempotency
			(idempotency_key, fingerprint, attempt_id, state, result, created_at_ms, updated_at_ms, expires_at_ms)
		VALUES ($1, $2, $3, 'in_progress', NULL, $4, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			attempt_id = excluded.attempt_id,
			state = excluded.state,
			result = NULL,
			created_at_ms = excluded.created_at_ms,
			updated_at_ms = excluded.updated_at_ms,
			expires_at_ms = excluded.expires_at_ms
		WHERE checkout_idempotency.expires_at_ms <= $4`),
		key, fingerprint, attemptID, nowMS, expMS,
	)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if affected == 1 {
		return domain.LedgerEntry{
			Key:         key,
			Fingerprint: fingerprint,
			AttemptID:   attemptID,
			State:       domain.LedgerFresh,
			ExpiresAt:   fromMillis(expMS),
		}, nil
	}

	entry, found, err := l.load(ctx, key)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if !found {
		return domain.LedgerEntry{}, fmt.Errorf("ledger entry %s not found after insert", key)
	}
	return domain.Observe(entry, fingerprint, attemptID)
}

// Complete stores result for key.
func (l *Ledger) Complete(ctx context.Context, key, attemptID string, result domain.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	now := l.now()
	nowMS, expMS := unixMillis(now), unixMillis(now.Add(l.retention))

	res, err := l.db.ExecContext(ctx, l.dialect.bind(`
		UPDATE checkout_idempotency
		SET state = 'completed', result = $3, updated_at_ms = $4, expires_at_ms = $5
		WHERE idempotency_key = $1 AND state = 'in_progress' AND attempt_id = $2`),
		key, attemptID, string(payload), nowMS, expMS,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	entry, found, err := l.load(ctx, key)
	if err != nil {
		return err
	}
	if found && entry.ExpiresAt.After(now) {
		return domain.CheckComplete(entry, attemptID, result)
	}

	// The claim is gone (purged or expired). Store the result anyway so
	// retries replay it instead of starting over.
	res, err = l.db.ExecContext(ctx, l.dialect.bind(`
		INSERT INTO checkout_idempotency
			(idempotency_key, fingerprint, attempt_id, state, result, created_at_ms, updated_at_ms, expires_at_ms)
		VALUES ($1, '', $2, 'completed', $3, $4, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			attempt_id = excluded.attempt_id,
			state = excluded.state,
			result = excluded.result,
			updated_at_ms = excluded.updated_at_ms,
			expires_at_ms = excluded.expires_at_ms
		WHERE checkout_idempotency.expires_at_ms <= $4`),
		key, attemptID, string(payload), nowMS, expMS,
	)
	if err != nil {
		return err
	}
	if affected, err = res.RowsAffected(); err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	entry, found, err = l.load(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("ledger entry %s vanished during complete", key)
	}
	return domain.CheckComplete(entry, attemptID, result)
}

// Abandon deletes an in-progress entry owned by attemptID.
func (l *Ledger) Abandon(ctx context.Context, key, attemptID string) error {
	_, err := l.db.ExecContext(ctx, l.dialect.bind(`
		DELETE FROM checkout_idempotency
		WHERE idempotency_key = $1 AND state = 'in_progress' AND attempt_id = $2`),
		key, attemptID,
	)
	return err
}

// Purge deletes entries that expired at or before now.
func (l *Ledger) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := l.db.ExecContext(ctx, l.dialect.bind(`DELETE FROM checkout_idempotency WHERE expires_at_ms <= $1`), unixMillis(now))
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// RecordStep appends a saga step row.
func (l *Ledger) RecordStep(ctx context.Context, rec domain.StepRecord) error {
	_, err := l.db.ExecContext(ctx, l.dialect.bind(`
		INSERT INTO checkout_saga_steps (attempt_id, idempotency_key, step, status, detail, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6)`),
		rec.AttemptID, rec.IdempotencyKey, rec.Step, rec.Status, rec.Detail, unixMillis(rec.At),
	)
	return err
}

// Steps lists the recorded steps of an attempt in insertion order.
func (l *Ledger) Steps(ctx context.Context, attemptID string) ([]domain.StepRecord, error) {
	rows, err := l.db.QueryContext(ctx, l.dialect.bind(`
		SELECT attempt_id, idempotency_key, step, status, COALESCE(detail, ''), created_at_ms
		FROM checkout_saga_steps
		WHERE attempt_id = $1
		ORDER BY id`),
		attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StepRecord
	for rows.Next() {
		var rec domain.StepRecord
		var at int64
		if err := rows.Scan(&rec.AttemptID, &rec.IdempotencyKey, &rec.Step, &rec.Status, &rec.Detail, &at); err != nil {
			return nil, err
		}
		rec.At = fromMillis(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *Ledger) load(ctx context.Context, key string) (domain.LedgerEntry, bool, error) {
	row := l.db.QueryRowContext(ctx, l.dialect.bind(`
		SELECT idempotency_key, fingerprint, attempt_id, state, result, expires_at_ms
		FROM checkout_idempotency
		WHERE idempotency_key = $1`),
		key,
	)

	var entry domain.LedgerEntry
	var state string
	var result sql.NullString
	var expiresMS int64
	if err := row.Scan(&entry.Key, &entry.Fingerprint, &entry.AttemptID, &state, &result, &expiresMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LedgerEntry{}, false, nil
		}
		return domain.LedgerEntry{}, false, err
	}
	entry.State = domain.LedgerState(state)
	entry.ExpiresAt = fromMillis(expiresMS)
	if result.Valid && result.String != "" {
		var stored domain.Result
		if err := json.Unmarshal([]byte(result.String), &stored); err != nil {
			return domain.LedgerEntry{}, false, fmt.Errorf("decode ledger result for %s: %w", key, err)
		}
		entry.Result = &stored
	}
	return entry, true, nil
}

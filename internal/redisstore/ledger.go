package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"checkoutd/internal/checkout/domain"

	"github.com/redis/go-redis/v9"
)

// beginScript claims KEYS[1] when it does not exist. Otherwise it returns the
// stored fields and remaining TTL so the caller can classify the entry.
// ARGV[1] = fingerprint, ARGV[2] = attempt id, ARGV[3] = claim lease in ms
var beginScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  redis.call("HSET", key, "fingerprint", ARGV[1], "attempt_id", ARGV[2], "state", "in_progress")
  redis.call("PEXPIRE", key, tonumber(ARGV[3]))
  return {1, ARGV[1], ARGV[2], "in_progress", "", tonumber(ARGV[3])}
end
local f = redis.call("HMGET", key, "fingerprint", "attempt_id", "state", "result")
return {0, f[1] or "", f[2] or "", f[3] or "", f[4] or "", redis.call("PTTL", key)}
`)

// completeScript stores a result when the caller owns the in-progress entry or
// the entry is gone. Any other entry is returned for the caller to judge.
// ARGV[1] = attempt id, ARGV[2] = result JSON, ARGV[3] = retention in ms
var completeScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  redis.call("HSET", key, "fingerprint", "", "attempt_id", ARGV[1], "state", "completed", "result", ARGV[2])
  redis.call("PEXPIRE", key, tonumber(ARGV[3]))
  return {1}
end
local f = redis.call("HMGET", key, "fingerprint", "attempt_id", "state", "result")
if f[3] == "in_progress" and f[2] == ARGV[1] then
  redis.call("HSET", key, "state", "completed", "result", ARGV[2])
  redis.call("PEXPIRE", key, tonumber(ARGV[3]))
  return {1}
end
return {0, f[1] or "", f[2] or "", f[3] or "", f[4] or "", redis.call("PTTL", key)}
`)

// abandonScript deletes KEYS[1] only while ARGV[1] owns it in progress.
var abandonScript = redis.NewScript(`
local f = redis.call("HMGET", KEYS[1], "attempt_id", "state")
if f[2] == "in_progress" and f[1] == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Ledger is an idempotency ledger kept in Redis hashes. Expiry is delegated
// to Redis key TTLs, so there is nothing to purge.
type Ledger struct {
	client    redis.Cmdable
	prefix    string
	retention time.Duration
	lease     time.Duration
	now       func() time.Time
}

// NewLedger constructs a Ledger. Keys are stored under prefix + ":idem:".
func NewLedger(client redis.Cmdable, prefix string, retention time.Duration) *Ledger {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Ledger{client: client, prefix: prefix, retention: retention, now: time.Now}
}

// SetLease bounds the TTL of an in-progress claim. Completed keys still
// expire after the full retention.
func (l *Ledger) SetLease(d time.Duration) {
	l.lease = d
}

func (l *Ledger) key(idempotencyKey string) string {
	return l.prefix + ":idem:" + idempotencyKey
}

func (l *Ledger) Begin(ctx context.Context, key, fingerprint, attemptID string) (domain.LedgerEntry, error) {
	res, err := beginScript.Run(ctx, l.client, []string{l.key(key)}, fingerprint, attemptID, domain.ClaimTTL(l.lease, l.retention).Milliseconds()).Result()
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger begin: %w", err)
	}
	claimed, entry, err := l.decode(key, res)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if claimed {
		entry.State = domain.LedgerFresh
		return entry, nil
	}
	return domain.Observe(entry, fingerprint, attemptID)
}

func (l *Ledger) Complete(ctx context.Context, key, attemptID string, result domain.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	res, err := completeScript.Run(ctx, l.client, []string{l.key(key)}, attemptID, string(payload), l.retention.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("ledger complete: %w", err)
	}
	stored, entry, err := l.decode(key, res)
	if err != nil || stored {
		return err
	}
	return domain.CheckComplete(entry, attemptID, result)
}

func (l *Ledger) Abandon(ctx context.Context, key, attemptID string) error {
	if err := abandonScript.Run(ctx, l.client, []string{l.key(key)}, attemptID).Err(); err != nil {
		return fmt.Errorf("ledger abandon: %w", err)
	}
	return nil
}

// decode reads the {flag, fingerprint, attempt, state, result, pttl} reply
// shared by the begin and complete scripts.
func (l *Ledger) decode(key string, res any) (bool, domain.LedgerEntry, error) {
	fields, ok := res.([]any)
	if !ok || len(fields) == 0 {
		return false, domain.LedgerEntry{}, fmt.Errorf("ledger %s: unexpected script reply %T", key, res)
	}
	flag, _ := fields[0].(int64)
	if len(fields) == 1 {
		return flag == 1, domain.LedgerEntry{}, nil
	}
	if len(fields) != 6 {
		return false, domain.LedgerEntry{}, fmt.Errorf("ledger %s: unexpected script reply length %d", key, len(fields))
	}

	entry := domain.LedgerEntry{
		Key:         key,
		Fingerprint: asString(fields[1]),
		AttemptID:   asString(fields[2]),
		State:       domain.LedgerState(asString(fields[3])),
	}
	if ttl, _ := fields[5].(int64); ttl > 0 {
		entry.ExpiresAt = l.now().Add(time.Duration(ttl) * time.Millisecond)
	}
	if raw := asString(fields[4]); raw != "" {
		var stored domain.Result
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			return false, domain.LedgerEntry{}, fmt.Errorf("decode ledger result for %s: %w", key, err)
		}
		entry.Result = &stored
	}
	return flag == 1, entry, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"checkoutd/internal/checkout/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key this package writes.
const DefaultPrefix = "checkout"

// reserveScript sweeps expired holds, then grants all lines or none.
// KEYS[1] = stock hash, KEYS[2] = active hold zset (score = expiry ms),
// KEYS[3] = reference index key
// ARGV[1] = key prefix, ARGV[2] = now ms, ARGV[3] = expiry ms (0 = none),
// ARGV[4] = hold id, ARGV[5] = reference, ARGV[6..] = sku, qty pairs
var reserveScript = redis.NewScript(`
local stock, active, refkey = KEYS[1], KEYS[2], KEYS[3]
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local expires = tonumber(ARGV[3])
local id = ARGV[4]
local reference = ARGV[5]

for _, old in ipairs(redis.call("ZRANGEBYSCORE", active, "-inf", now)) do
  local holdKey = prefix .. ":hold:" .. old
  if redis.call("HGET", holdKey, "state") == "active" then
    local items = redis.call("HGETALL", holdKey .. ":items")
    for i = 1, #items, 2 do
      redis.call("HINCRBY", stock, items[i], tonumber(items[i + 1]))
    end
    redis.call("HSET", holdKey, "state", "released")
  end
  redis.call("ZREM", active, old)
end

if reference ~= "" then
  local existing = redis.call("GET", refkey)
  if existing then
    return {0, existing, redis.call("HGET", prefix .. ":hold:" .. existing, "expires_ms") or "0"}
  end
end

for i = 6, #ARGV, 2 do
  local available = tonumber(redis.call("HGET", stock, ARGV[i]) or "0")
  if available < tonumber(ARGV[i + 1]) then
    return {-1, ARGV[i], tostring(available)}
  end
end

local holdKey = prefix .. ":hold:" .. id
for i = 6, #ARGV, 2 do
  redis.call("HINCRBY", stock, ARGV[i], -tonumber(ARGV[i + 1]))
  redis.call("HSET", holdKey .. ":items", ARGV[i], ARGV[i + 1])
end
redis.call("HSET", holdKey, "reference", reference, "state", "active", "expires_ms", ARGV[3])
if expires > 0 then
  redis.call("ZADD", active, expires, id)
end
if reference ~= "" then
  redis.call("SET", refkey, id)
end
return {1, id, ARGV[3]}
`)

// settleScript releases or consumes a hold.
// KEYS[1] = stock hash, KEYS[2] = active hold zset, KEYS[3] = hold hash,
// KEYS[4] = hold items hash
// ARGV[1] = hold id, ARGV[2] = now ms, ARGV[3] = "release" or "consume"
var settleScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[3], "state")
if not state then
  return "not_found"
end

local function restore()
  local items = redis.call("HGETALL", KEYS[4])
  for i = 1, #items, 2 do
    redis.call("HINCRBY", KEYS[1], items[i], tonumber(items[i + 1]))
  end
  redis.call("HSET", KEYS[3], "state", "released")
  redis.call("ZREM", KEYS[2], ARGV[1])
end

if ARGV[3] == "release" then
  if state == "released" then
    return "ok"
  end
  if state == "consumed" then
    return "closed"
  end
  restore()
  return "ok"
end

if state == "consumed" then
  return "ok"
end
if state == "released" then
  return "closed"
end
local expires = tonumber(redis.call("HGET", KEYS[3], "expires_ms") or "0")
if expires > 0 and tonumber(ARGV[2]) >= expires then
  restore()
  return "expired"
end
redis.call("HSET", KEYS[3], "state", "consumed")
redis.call("ZREM", KEYS[2], ARGV[1])
return "ok"
`)

// Inventory is an inventory reservation service whose stock and holds live in
// Redis. Every mutation is a single Lua script, so concurrent checkouts across
// processes never oversell.
type Inventory struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewInventory constructs an Inventory under prefix.
func NewInventory(client redis.Cmdable, prefix string) *Inventory {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Inventory{client: client, prefix: prefix, now: time.Now}
}

// SetClock overrides the clock used for hold expiry.
func (i *Inventory) SetClock(now func() time.Time) {
	i.now = now
}

func (i *Inventory) stockKey() string { return i.prefix + ":stock" }
func (i *Inventory) activeKey() string { return i.prefix + ":holds" }
func (i *Inventory) refKey(reference string) string { return i.prefix + ":holdref:" + reference }
func (i *Inventory) holdKey(id string) string { return i.prefix + ":hold:" + id }

// Seed sets the available quantity for each SKU.
func (i *Inventory) Seed(ctx context.Context, stock map[string]int) error {
	if len(stock) == 0 {
		return nil
	}
	values := make([]any, 0, len(stock)*2)
	for sku, qty := range stock {
		values = append(values, sku, qty)
	}
	return i.client.HSet(ctx, i.stockKey(), values...).Err()
}

// Available returns unreserved stock for a SKU.
func (i *Inventory) Available(ctx context.Context, sku string) (int, error) {
	n, err := i.client.HGet(ctx, i.stockKey(), sku).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (i *Inventory) Reserve(ctx context.Context, req domain.ReserveRequest) (domain.ReservationHandle, error) {
	now := i.now()
	var expiresMS int64
	if req.TTL > 0 {
		expiresMS = now.Add(req.TTL).UnixMilli()
	}

	args := []any{i.prefix, now.UnixMilli(), expiresMS, "rsv-" + uuid.NewString(), req.Reference}
	for _, line := range mergeLines(req.Items) {
		args = append(args, line.SKU, line.Quantity)
	}
	res, err := reserveScript.Run(ctx, i.client,
		[]string{i.stockKey(), i.activeKey(), i.refKey(req.Reference)}, args...).Result()
	if err != nil {
		return domain.ReservationHandle{}, fmt.Errorf("reserve: %w", err)
	}

	fields, ok := res.([]any)
	if !ok || len(fields) != 3 {
		return domain.ReservationHandle{}, fmt.Errorf("reserve: unexpected script reply %v", res)
	}
	flag, _ := fields[0].(int64)
	if flag < 0 {
		qty := requested(req.Items, asString(fields[1]))
		return domain.ReservationHandle{}, fmt.Errorf("%w: sku %s requested %d available %s",
			domain.ErrInsufficientStock, asString(fields[1]), qty, asString(fields[2]))
	}

	handle := domain.ReservationHandle{ID: asString(fields[1]), Reference: req.Reference}
	ms, err := strconv.ParseInt(asString(fields[2]), 10, 64)
	if err != nil {
		return domain.ReservationHandle{}, fmt.Errorf("reserve: decode expiry: %w", err)
	}
	if ms > 0 {
		handle.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	return handle, nil
}

func (i *Inventory) Release(ctx context.Context, handleID string) error {
	return i.settle(ctx, handleID, "release")
}

func (i *Inventory) Consume(ctx context.Context, handleID string) error {
	return i.settle(ctx, handleID, "consume")
}

// HoldState reports the state of a hold.
func (i *Inventory) HoldState(ctx context.Context, handleID string) (domain.ReservationState, error) {
	state, err := i.client.HGet(ctx, i.holdKey(handleID), "state").Result()
	if err == redis.Nil {
		return "", fmt.Errorf("%w: %s", domain.ErrReservationNotFound, handleID)
	}
	if err != nil {
		return "", err
	}
	return domain.ReservationState(state), nil
}

func (i *Inventory) settle(ctx context.Context, handleID, mode string) error {
	holdKey := i.holdKey(handleID)
	outcome, err := settleScript.Run(ctx, i.client,
		[]string{i.stockKey(), i.activeKey(), holdKey, holdKey + ":items"},
		handleID, i.now().UnixMilli(), mode).Text()
	if err != nil {
		return fmt.Errorf("%s: %w", mode, err)
	}
	switch outcome {
	case "ok":
		return nil
	case "not_found":
		return fmt.Errorf("%w: %s", domain.ErrReservationNotFound, handleID)
	case "closed":
		return fmt.Errorf("%w: %s", domain.ErrReservationClosed, handleID)
	case "expired":
		return fmt.Errorf("%w: %s", domain.ErrReservationExpired, handleID)
	default:
		return fmt.Errorf("%s: unexpected script reply %q", mode, outcome)
	}
}

// mergeLines sums quantities per SKU so repeated lines are checked against
// stock together. Output is sorted for a stable script argument order.
func mergeLines(items []domain.LineItem) []domain.LineItem {
	totals := make(map[string]int, len(items))
	for _, item := range items {
		totals[item.SKU] += item.Quantity
	}
	out := make([]domain.LineItem, 0, len(totals))
	for sku, qty := range totals {
		out = append(out, domain.LineItem{SKU: sku, Quantity: qty})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SKU < out[b].SKU })
	return out
}

func requested(items []domain.LineItem, sku string) int {
	n := 0
	for _, item := range items {
		if item.SKU == sku {
			n += item.Quantity
		}
	}
	return n
}

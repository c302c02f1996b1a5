// Package redis provides Redis-backed stores for creditsync.
//
// Balances and session charges are Redis hashes mutated by atomic Lua
// scripts, leases are SET NX PX keys and the audit log is a stream. This
// makes it safe for multi-instance deployments.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/creditsync"
)

// Store is a Redis-backed AccountStore, ChargeStore, Locker and AuditSink.
type Store struct {
	client       goredis.Cmdable
	keyPrefix    string
	debitTTL     time.Duration
	streamMaxLen int64
	now          func() time.Time
}

var (
	_ creditsync.AccountStore       = (*Store)(nil)
	_ creditsync.AccountInitializer = (*Store)(nil)
	_ creditsync.ChargeStore        = (*Store)(nil)
	_ creditsync.Locker             = (*Store)(nil)
	_ creditsync.AuditSink          = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "creditsync:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithDebitTTL expires debit idempotency keys after ttl (default 7 days).
// Zero keeps them forever.
func WithDebitTTL(ttl time.Duration) Option {
	return func(s *Store) { s.debitTTL = ttl }
}

// WithStreamMaxLen caps the audit stream, approximately (default 100000).
func WithStreamMaxLen(n int64) Option {
	return func(s *Store) { s.streamMaxLen = n }
}

// New creates a new Redis-backed store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:       client,
		keyPrefix:    "creditsync:",
		debitTTL:     7 * 24 * time.Hour,
		streamMaxLen: 100000,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountKey(userID string) string      { return s.keyPrefix + "account:" + userID }
func (s *Store) chargeKey(transcriptID string) string { return s.keyPrefix + "charge:" + transcriptID }
func (s *Store) debitKey(key string) string           { return s.keyPrefix + "debit:" + key }
func (s *Store) leaseKey(key string) string           { return s.keyPrefix + "lease:" + key }
func (s *Store) auditKey() string                     { return s.keyPrefix + "audit" }

// debitScript applies a debit and records its idempotency key atomically.
// KEYS[1] = account hash key
// KEYS[2] = debit hash key
// ARGV[1] = amount
// ARGV[2] = clamp at zero ("1" or "0")
// ARGV[3] = now (unix millis)
// ARGV[4] = has_idem ("1" or "0")
// ARGV[5] = user id
// ARGV[6] = debit key ttl (seconds, 0 = none)
//
// Returns {status, amount, balance_before, balance_after, created_at}:
//
//	1  = applied
//	0  = nothing to apply (clamped)
//	-1 = duplicate idempotency key, original debit returned
//	-2 = account not found
var debitScript = goredis.NewScript(`
local account_key = KEYS[1]
local debit_key = KEYS[2]
local amount = tonumber(ARGV[1])
local clamp = ARGV[2]
local now = tonumber(ARGV[3])
local has_idem = ARGV[4]
local ttl = tonumber(ARGV[6])

if has_idem == "1" then
    local prev = redis.call("HMGET", debit_key, "amount", "balance_before", "balance_after", "created_at")
    if prev[1] then
        return {-1, tonumber(prev[1]), tonumber(prev[2]), tonumber(prev[3]), tonumber(prev[4])}
    end
end

local balance = redis.call("HGET", account_key, "balance")
if not balance then
    return {-2, 0, 0, 0, 0}
end
balance = tonumber(balance)

if clamp == "1" then
    if balance <= 0 then
        amount = 0
    elseif amount > balance then
        amount = balance
    end
end
if amount == 0 then
    return {0, 0, balance, balance, now}
end

local after = balance - amount
redis.call("HSET", account_key, "balance", tostring(after), "updated_at", tostring(now))

if has_idem == "1" then
    redis.call("HSET", debit_key,
        "user_id", ARGV[5],
        "amount", tostring(amount),
        "balance_before", tostring(balance),
        "balance_after", tostring(after),
        "created_at", tostring(now))
    if ttl > 0 then
        redis.call("EXPIRE", debit_key, ttl)
    end
end
return {1, amount, balance, after, now}
`)

// advanceScript writes a session charge if the stored amount still equals
// the expected one. A missing hash counts as zero.
// KEYS[1] = charge hash key
// ARGV[1] = expected
// ARGV[2] = user id
// ARGV[3] = charged amount
// ARGV[4] = last sync (unix millis)
var advanceScript = goredis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], "charged_amount") or "0")
if current ~= tonumber(ARGV[1]) then
    return 0
end
redis.call("HSET", KEYS[1], "user_id", ARGV[2], "charged_amount", ARGV[3], "last_sync", ARGV[4])
return 1
`)

// releaseScript deletes a lease only if the token still matches.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// SetBalance creates or overwrites an account balance.
func (s *Store) SetBalance(ctx context.Context, userID string, balance int64) error {
	err := s.client.HSet(ctx, s.accountKey(userID),
		"balance", balance,
		"updated_at", s.now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("creditsync/redis: set balance: %w", err)
	}
	return nil
}

// GetAccount returns the account or creditsync.ErrAccountNotFound.
func (s *Store) GetAccount(ctx context.Context, userID string) (creditsync.Account, error) {
	vals, err := s.client.HMGet(ctx, s.accountKey(userID), "balance", "updated_at").Result()
	if err != nil {
		return creditsync.Account{}, fmt.Errorf("creditsync/redis: get account: %w", err)
	}

	// Account not found.
	if vals[0] == nil {
		return creditsync.Account{}, creditsync.ErrAccountNotFound
	}

	balance, err := strconv.ParseInt(vals[0].(string), 10, 64)
	if err != nil {
		return creditsync.Account{}, fmt.Errorf("creditsync/redis: parse balance: %w", err)
	}
	acc := creditsync.Account{UserID: userID, Balance: balance}
	if v, ok := vals[1].(string); ok {
		ms, _ := strconv.ParseInt(v, 10, 64)
		acc.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return acc, nil
}

// Debit subtracts credits and records the idempotency key atomically.
func (s *Store) Debit(ctx context.Context, req creditsync.DebitRequest) (creditsync.Debit, error) {
	hasIdem := "0"
	idemK := s.debitKey("_noop")
	if req.IdempotencyKey != "" {
		hasIdem = "1"
		idemK = s.debitKey(req.IdempotencyKey)
	}
	clamp := "0"
	if req.ClampAtZero {
		clamp = "1"
	}

	res, err := debitScript.Run(ctx, s.client,
		[]string{s.accountKey(req.UserID), idemK},
		req.Amount, clamp, s.now().UnixMilli(), hasIdem, req.UserID, int64(s.debitTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return creditsync.Debit{}, fmt.Errorf("creditsync/redis: debit: %w", err)
	}
	if len(res) != 5 {
		return creditsync.Debit{}, fmt.Errorf("creditsync/redis: unexpected debit reply: %v", res)
	}

	d := creditsync.Debit{
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		Amount:         res[1],
		BalanceBefore:  res[2],
		BalanceAfter:   res[3],
		CreatedAt:      time.UnixMilli(res[4]).UTC(),
	}

	switch res[0] {
	case 1, 0:
		return d, nil
	case -1:
		return d, creditsync.ErrDuplicateDebit
	case -2:
		return creditsync.Debit{}, creditsync.ErrAccountNotFound
	default:
		return creditsync.Debit{}, fmt.Errorf("creditsync/redis: unexpected debit result: %d", res[0])
	}
}

// GetCharge returns the session charge for a transcript.
func (s *Store) GetCharge(ctx context.Context, transcriptID string) (creditsync.SessionCharge, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.chargeKey(transcriptID)).Result()
	if err != nil {
		return creditsync.SessionCharge{}, false, fmt.Errorf("creditsync/redis: get charge: %w", err)
	}
	if len(vals) == 0 {
		return creditsync.SessionCharge{}, false, nil
	}

	amount, err := strconv.ParseInt(vals["charged_amount"], 10, 64)
	if err != nil {
		return creditsync.SessionCharge{}, false, fmt.Errorf("creditsync/redis: parse charge: %w", err)
	}
	lastSync, _ := strconv.ParseInt(vals["last_sync"], 10, 64)
	return creditsync.SessionCharge{
		TranscriptID:  transcriptID,
		UserID:        vals["user_id"],
		ChargedAmount: amount,
		LastSync:      time.UnixMilli(lastSync).UTC(),
	}, true, nil
}

// AdvanceCharge writes charge only if the stored amount still equals
// expected.
func (s *Store) AdvanceCharge(ctx context.Context, charge creditsync.SessionCharge, expected int64) error {
	ok, err := advanceScript.Run(ctx, s.client,
		[]string{s.chargeKey(charge.TranscriptID)},
		expected, charge.UserID, charge.ChargedAmount, charge.LastSync.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("creditsync/redis: advance charge: %w", err)
	}
	if ok == 0 {
		return creditsync.ErrChargeConflict
	}
	return nil
}

// Acquire takes a lease with SET NX PX.
func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (creditsync.Lease, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.leaseKey(key), token, ttl).Result()
	if err != nil {
		return creditsync.Lease{}, fmt.Errorf("creditsync/redis: acquire lease: %w", err)
	}
	if !ok {
		return creditsync.Lease{}, creditsync.ErrLeaseHeld
	}
	return creditsync.Lease{Key: key, Token: token, ExpiresAt: s.now().Add(ttl)}, nil
}

// Release deletes the lease if the token still matches.
func (s *Store) Release(ctx context.Context, lease creditsync.Lease) error {
	err := releaseScript.Run(ctx, s.client, []string{s.leaseKey(lease.Key)}, lease.Token).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("creditsync/redis: release lease: %w", err)
	}
	return nil
}

// Append adds an audit record to the audit stream.
func (s *Store) Append(ctx context.Context, rec creditsync.AuditRecord) error {
	values := map[string]any{
		"id":              rec.ID,
		"user_id":         rec.UserID,
		"amount":          rec.Amount,
		"balance_before":  rec.BalanceBefore,
		"balance_after":   rec.BalanceAfter,
		"transcript_id":   rec.TranscriptID,
		"reason":          string(rec.Reason),
		"idempotency_key": rec.IdempotencyKey,
		"timestamp":       rec.Timestamp.UnixMilli(),
	}
	if rec.Breakdown != nil {
		b, err := json.Marshal(rec.Breakdown)
		if err != nil {
			return fmt.Errorf("creditsync/redis: encode breakdown: %w", err)
		}
		values["breakdown"] = string(b)
	}

	args := &goredis.XAddArgs{Stream: s.auditKey(), Values: values}
	if s.streamMaxLen > 0 {
		args.MaxLen = s.streamMaxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("creditsync/redis: append audit: %w", err)
	}
	return nil
}

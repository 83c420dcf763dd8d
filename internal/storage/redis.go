package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mintpool/settler/internal/util"
)

const (
	keyPrefix = "settler:"

	// Key patterns
	keyBatch         = keyPrefix + "batch:%s"
	keyBatchIndex    = keyPrefix + "batches"
	keyBatchItems    = keyPrefix + "batch:items:%s"
	keyLedger        = keyPrefix + "ledger:%s"
	keyBalance       = keyPrefix + "balance:%s"
	keyCommission    = keyPrefix + "commission:%s"
	keyPlatform      = keyPrefix + "platform:%s"
	keyAlert         = keyPrefix + "alert:%s"
	keyAlertsOpen    = keyPrefix + "alerts:open"
	keyAlertsClosed  = keyPrefix + "alerts:resolved"
	keyAlertsUser    = keyPrefix + "alerts:user:%s"
	keyBindings      = keyPrefix + "bindings"
	keyWorkers       = keyPrefix + "workers"
	keyInviters      = keyPrefix + "inviters"
	keyInviteeCount  = keyPrefix + "invitee_count"
	keyPayhash       = keyPrefix + "payhash:%s"
	keyWithdrawLock  = keyPrefix + "withdraw:lock:%s"
	keyRateHistory   = keyPrefix + "rates:history:%s"
)

// creditScript inserts a ledger entry and credits the balance atomically.
// KEYS[1] = ledger hash, KEYS[2] = balance hash
// ARGV[1] = entry field, ARGV[2] = entry JSON, ARGV[3] = amount in minimal units
// Returns 1 if inserted, 0 if the entry already existed.
var creditScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 1 then
  redis.call("HINCRBY", KEYS[2], "available", ARGV[3])
  return 1
end
return 0
`)

// debitScript validates the balance, inserts a withdrawal ledger entry and
// debits the balance atomically.
// Returns 1 if applied, 0 if the entry already existed, -1 if insufficient.
var debitScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
  return 0
end
local bal = tonumber(redis.call("HGET", KEYS[2], "available") or "0")
local amt = tonumber(ARGV[3])
if bal < amt then
  return -1
end
redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2])
redis.call("HINCRBY", KEYS[2], "available", -amt)
return 1
`)

// RedisClient wraps Redis operations for the settlement engine
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient creates a new Redis client
func NewRedisClient(url, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)
	return &RedisClient{client: client, ctx: ctx}, nil
}

// NewRedisClientFromExisting wraps an already-connected client (used by tests)
func NewRedisClientFromExisting(client *redis.Client) *RedisClient {
	return &RedisClient{client: client, ctx: context.Background()}
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// --- Payhash samples ---

// WritePayhashSamples stores polled worker samples for a scope.
// Members embed the sample timestamp, so replaying a poll is a no-op.
func (r *RedisClient) WritePayhashSamples(scope string, samples []*WorkerSample) error {
	if len(samples) == 0 {
		return nil
	}

	key := fmt.Sprintf(keyPayhash, scope)
	pipe := r.client.Pipeline()

	for _, s := range samples {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		pipe.ZAdd(r.ctx, key, &redis.Z{
			Score:  float64(s.Timestamp),
			Member: string(data),
		})
	}

	_, err := pipe.Exec(r.ctx)
	return err
}

// GetPayhashRange returns samples recorded in [start, end) for a scope
func (r *RedisClient) GetPayhashRange(scope string, start, end int64) ([]*WorkerSample, error) {
	key := fmt.Sprintf(keyPayhash, scope)
	results, err := r.client.ZRangeByScore(r.ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(start, 10),
		Max: "(" + strconv.FormatInt(end, 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	samples := make([]*WorkerSample, 0, len(results))
	for _, result := range results {
		var s WorkerSample
		if err := json.Unmarshal([]byte(result), &s); err != nil {
			continue
		}
		samples = append(samples, &s)
	}
	return samples, nil
}

// PurgeStaleSamples removes samples recorded before the cutoff
func (r *RedisClient) PurgeStaleSamples(scope string, before int64) error {
	key := fmt.Sprintf(keyPayhash, scope)
	return r.client.ZRemRangeByScore(r.ctx, key, "-inf", "("+strconv.FormatInt(before, 10)).Err()
}

// --- Worker/user bindings (read-mostly; owned by the user store) ---

// GetBindings bulk-resolves worker IDs to user IDs.
// Unbound workers are absent from the result.
func (r *RedisClient) GetBindings(workerIDs []string) (map[string]string, error) {
	if len(workerIDs) == 0 {
		return map[string]string{}, nil
	}

	values, err := r.client.HMGet(r.ctx, keyBindings, workerIDs...).Result()
	if err != nil {
		return nil, err
	}

	bindings := make(map[string]string, len(workerIDs))
	for i, v := range values {
		if v == nil {
			continue
		}
		if userID, ok := v.(string); ok && userID != "" {
			bindings[workerIDs[i]] = userID
		}
	}
	return bindings, nil
}

// SetBinding records a worker -> user binding
func (r *RedisClient) SetBinding(workerID, userID string) error {
	return r.client.HSet(r.ctx, keyBindings, workerID, userID).Err()
}

// --- Platform worker registry ---

// RegisterWorker adds a worker ID to the platform registry. The registry
// gates synthetic ID extraction; binding a worker does not register it.
func (r *RedisClient) RegisterWorker(workerID string) error {
	return r.client.SAdd(r.ctx, keyWorkers, workerID).Err()
}

// UnregisterWorker removes a worker ID from the registry
func (r *RedisClient) UnregisterWorker(workerID string) error {
	return r.client.SRem(r.ctx, keyWorkers, workerID).Err()
}

// RegisteredWorkerIDs returns the registry contents, used to refresh the
// synthetic-ID whitelist
func (r *RedisClient) RegisteredWorkerIDs() ([]string, error) {
	return r.client.SMembers(r.ctx, keyWorkers).Result()
}

// --- Inviter relationships and tiers ---

// SetInviter records who invited a user and bumps the inviter's invitee count
func (r *RedisClient) SetInviter(userID, inviterID string) error {
	set, err := r.client.HSetNX(r.ctx, keyInviters, userID, inviterID).Result()
	if err != nil {
		return err
	}
	if set {
		return r.client.HIncrBy(r.ctx, keyInviteeCount, inviterID, 1).Err()
	}
	return nil
}

// GetInviter returns the inviter of a user, empty if none
func (r *RedisClient) GetInviter(userID string) (string, error) {
	inviter, err := r.client.HGet(r.ctx, keyInviters, userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return inviter, err
}

// InviteeCount returns how many users an inviter has brought in
func (r *RedisClient) InviteeCount(inviterID string) (int64, error) {
	count, err := r.client.HGet(r.ctx, keyInviteeCount, inviterID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// --- Settlement batches ---

// CreateBatch inserts a batch if its identity key is free.
// Returns false when the window was already claimed; the caller then
// inspects the existing batch to decide whether to resume or skip.
func (r *RedisClient) CreateBatch(b *SettlementBatch) (bool, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return false, err
	}

	key := fmt.Sprintf(keyBatch, b.Ref)
	created, err := r.client.SetNX(r.ctx, key, string(data), 0).Result()
	if err != nil {
		return false, err
	}

	if created {
		if err := r.client.ZAdd(r.ctx, keyBatchIndex, &redis.Z{
			Score:  float64(b.WindowStart),
			Member: b.Ref,
		}).Err(); err != nil {
			return true, err
		}
	}
	return created, nil
}

// GetBatch returns a batch by ref, nil when absent
func (r *RedisClient) GetBatch(ref string) (*SettlementBatch, error) {
	data, err := r.client.Get(r.ctx, fmt.Sprintf(keyBatch, ref)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var b SettlementBatch
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBatch overwrites a batch record (status transitions only)
func (r *RedisClient) UpdateBatch(b *SettlementBatch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return r.client.Set(r.ctx, fmt.Sprintf(keyBatch, b.Ref), string(data), 0).Err()
}

// ListRecentBatches returns the most recent batches, newest first
func (r *RedisClient) ListRecentBatches(limit int64) ([]*SettlementBatch, error) {
	refs, err := r.client.ZRevRange(r.ctx, keyBatchIndex, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	batches := make([]*SettlementBatch, 0, len(refs))
	for _, ref := range refs {
		b, err := r.GetBatch(ref)
		if err != nil || b == nil {
			continue
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// PendingBatches returns a scope's batches still awaiting settlement,
// oldest window first. Scanned by the scheduler so an aborted window is
// retried on the next tick instead of being orphaned.
func (r *RedisClient) PendingBatches(scope string) ([]*SettlementBatch, error) {
	refs, err := r.client.ZRange(r.ctx, keyBatchIndex, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var pending []*SettlementBatch
	for _, ref := range refs {
		b, err := r.GetBatch(ref)
		if err != nil || b == nil {
			continue
		}
		if b.Status != BatchStatusPending {
			continue
		}
		if ScopeKey(b.PoolSource, b.Account, b.Coin) != scope {
			continue
		}
		pending = append(pending, b)
	}
	return pending, nil
}

// WriteItem stores one settlement item, insert-if-absent on the user field
func (r *RedisClient) WriteItem(item *SettlementItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(keyBatchItems, item.BatchRef)
	return r.client.HSetNX(r.ctx, key, item.UserID, string(data)).Err()
}

// GetBatchItems returns all items of a batch, sorted by user ID
func (r *RedisClient) GetBatchItems(batchRef string) ([]*SettlementItem, error) {
	data, err := r.client.HGetAll(r.ctx, fmt.Sprintf(keyBatchItems, batchRef)).Result()
	if err != nil {
		return nil, err
	}

	items := make([]*SettlementItem, 0, len(data))
	for _, raw := range data {
		var item SettlementItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		items = append(items, &item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UserID < items[j].UserID })
	return items, nil
}

// --- Ledger and balances ---

// InsertLedgerEntry writes an entry and credits the user's balance.
// Keyed by (user, ref_type, ref_id): a duplicate is a no-op, never an error.
// amountUnits is the entry amount in ledger minimal units.
func (r *RedisClient) InsertLedgerEntry(entry *LedgerEntry, amountUnits int64) (bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}

	keys := []string{
		fmt.Sprintf(keyLedger, entry.UserID),
		fmt.Sprintf(keyBalance, entry.UserID),
	}
	res, err := creditScript.Run(r.ctx, r.client, keys,
		entry.Key(), string(data), amountUnits).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// GetLedger returns a user's ledger entries, newest first
func (r *RedisClient) GetLedger(userID string, limit int) ([]*LedgerEntry, error) {
	data, err := r.client.HGetAll(r.ctx, fmt.Sprintf(keyLedger, userID)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]*LedgerEntry, 0, len(data))
	for _, raw := range data {
		var e LedgerEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].EventTime > entries[j].EventTime })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// GetBalance returns a user's available balance in minimal units
func (r *RedisClient) GetBalance(userID string) (int64, error) {
	bal, err := r.client.HGet(r.ctx, fmt.Sprintf(keyBalance, userID), "available").Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return bal, err
}

// DebitResult is the outcome of a withdrawal debit
type DebitResult int

const (
	DebitApplied DebitResult = iota
	DebitDuplicate
	DebitInsufficient
)

// DebitBalance validates and applies a withdrawal debit with its ledger entry.
// amountUnits must be positive; the stored entry amount carries the sign.
func (r *RedisClient) DebitBalance(entry *LedgerEntry, amountUnits int64) (DebitResult, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return DebitInsufficient, err
	}

	keys := []string{
		fmt.Sprintf(keyLedger, entry.UserID),
		fmt.Sprintf(keyBalance, entry.UserID),
	}
	res, err := debitScript.Run(r.ctx, r.client, keys,
		entry.Key(), string(data), amountUnits).Int64()
	if err != nil {
		return DebitInsufficient, err
	}

	switch res {
	case 1:
		return DebitApplied, nil
	case 0:
		return DebitDuplicate, nil
	default:
		return DebitInsufficient, nil
	}
}

// --- Commission audit rows ---

// WriteCommissionRecord stores an inviter commission row, insert-if-absent
func (r *RedisClient) WriteCommissionRecord(rec *CommissionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(keyCommission, rec.BatchRef)
	return r.client.HSetNX(r.ctx, key, rec.InviteeID, string(data)).Err()
}

// WritePlatformCommission stores a platform commission row, insert-if-absent
func (r *RedisClient) WritePlatformCommission(rec *PlatformCommission) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(keyPlatform, rec.BatchRef)
	return r.client.HSetNX(r.ctx, key, rec.UserID, string(data)).Err()
}

// GetCommissionRecords returns the inviter commission rows of a batch
func (r *RedisClient) GetCommissionRecords(batchRef string) ([]*CommissionRecord, error) {
	data, err := r.client.HGetAll(r.ctx, fmt.Sprintf(keyCommission, batchRef)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*CommissionRecord, 0, len(data))
	for _, raw := range data {
		var rec CommissionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

// --- Alerts ---

// OpenAlert opens an alert if none exists for its ref.
// Returns false when the alert was already open or resolved for this window.
func (r *RedisClient) OpenAlert(a *Alert) (bool, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return false, err
	}

	key := fmt.Sprintf(keyAlert, a.Ref)
	created, err := r.client.SetNX(r.ctx, key, string(data), 0).Result()
	if err != nil || !created {
		return false, err
	}

	pipe := r.client.Pipeline()
	pipe.SAdd(r.ctx, keyAlertsOpen, a.Ref)
	if a.UserID != "" {
		pipe.SAdd(r.ctx, fmt.Sprintf(keyAlertsUser, a.UserID), a.Ref)
	}
	_, err = pipe.Exec(r.ctx)
	return true, err
}

// GetAlert returns an alert by ref, nil when absent
func (r *RedisClient) GetAlert(ref string) (*Alert, error) {
	data, err := r.client.Get(r.ctx, fmt.Sprintf(keyAlert, ref)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var a Alert
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ResolveAlert closes an open alert. Resolving a missing or already
// resolved alert returns false.
func (r *RedisClient) ResolveAlert(ref string, resolvedAt int64) (bool, error) {
	a, err := r.GetAlert(ref)
	if err != nil || a == nil {
		return false, err
	}
	if a.ResolvedAt != 0 {
		return false, nil
	}

	a.ResolvedAt = resolvedAt
	data, err := json.Marshal(a)
	if err != nil {
		return false, err
	}

	pipe := r.client.Pipeline()
	pipe.Set(r.ctx, fmt.Sprintf(keyAlert, ref), string(data), 0)
	pipe.SRem(r.ctx, keyAlertsOpen, ref)
	pipe.SAdd(r.ctx, keyAlertsClosed, ref)
	if a.UserID != "" {
		pipe.SRem(r.ctx, fmt.Sprintf(keyAlertsUser, a.UserID), ref)
	}
	_, err = pipe.Exec(r.ctx)
	return true, err
}

// ListOpenAlerts returns all open alerts
func (r *RedisClient) ListOpenAlerts() ([]*Alert, error) {
	refs, err := r.client.SMembers(r.ctx, keyAlertsOpen).Result()
	if err != nil {
		return nil, err
	}

	alerts := make([]*Alert, 0, len(refs))
	for _, ref := range refs {
		a, err := r.GetAlert(ref)
		if err != nil || a == nil {
			continue
		}
		alerts = append(alerts, a)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].OpenedAt > alerts[j].OpenedAt })
	return alerts, nil
}

// HasOpenAlerts reports whether a user has open alerts against them
func (r *RedisClient) HasOpenAlerts(userID string) (bool, error) {
	count, err := r.client.SCard(r.ctx, fmt.Sprintf(keyAlertsUser, userID)).Result()
	return count > 0, err
}

// --- Per-user withdrawal locks ---

// AcquireUserLock takes the row-level lock for a user's financial row
func (r *RedisClient) AcquireUserLock(userID, lockID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(r.ctx, fmt.Sprintf(keyWithdrawLock, userID), lockID, ttl).Result()
}

// ReleaseUserLock releases the lock only if we still own it
func (r *RedisClient) ReleaseUserLock(userID, lockID string) error {
	key := fmt.Sprintf(keyWithdrawLock, userID)
	current, err := r.client.Get(r.ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if current == lockID {
		return r.client.Del(r.ctx, key).Err()
	}
	return nil
}

// --- Rate snapshot history ---

// StoreRateSnapshot archives the rate snapshot used by a run, for audit
func (r *RedisClient) StoreRateSnapshot(coin string, capturedAt int64, snapshotJSON []byte) error {
	key := fmt.Sprintf(keyRateHistory, coin)
	return r.client.ZAdd(r.ctx, key, &redis.Z{
		Score:  float64(capturedAt),
		Member: string(snapshotJSON),
	}).Err()
}

// Package redis provides a Redis implementation of the credit.Ledger
// interface. Balance mutations run as Lua scripts so the bonus-first,
// floor-at-zero deduction stays atomic under concurrent consumers.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lotworks/dealercredit/pkg/credit"
)

// Ledger implements credit.Ledger using Redis
type Ledger struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis ledger configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "dealercredit:")
	KeyPrefix string

	// UsageWindowRetention bounds how long usage entries stay in the
	// per-feature rate-limit window set (default: 2h, must cover the
	// free-use window)
	UsageWindowRetention time.Duration

	// UsageLogMaxEntries caps the per-dealer audit log list
	// (default: 10000, 0 keeps everything)
	UsageLogMaxEntries int64
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:            "dealercredit:",
		UsageWindowRetention: 2 * time.Hour,
		UsageLogMaxEntries:   10000,
	}
}

// New creates a new Redis ledger adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "dealercredit:"
	}
	if config.UsageWindowRetention <= 0 {
		config.UsageWindowRetention = 2 * time.Hour
	}

	l := &Ledger{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	l.loadScripts()
	return l, nil
}

// loadScripts compiles the Lua scripts for atomic operations
func (l *Ledger) loadScripts() {
	// Bonus-first, floor-at-zero deduction. The cycle counter tracks the
	// nominal cost even when the debit is capped.
	l.scripts["deduct"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('EXISTS', key) == 0 then
			return false
		end
		local cost = tonumber(ARGV[1])
		local bonus = tonumber(redis.call('HGET', key, 'bonus_credits') or '0')
		local monthly = tonumber(redis.call('HGET', key, 'credits_remaining') or '0')

		local fromBonus = math.min(bonus, cost)
		local fromMonthly = math.min(monthly, cost - fromBonus)

		redis.call('HSET', key,
			'bonus_credits', bonus - fromBonus,
			'credits_remaining', monthly - fromMonthly,
			'updated_at', ARGV[2])
		local used = redis.call('HINCRBY', key, 'credits_used_this_cycle', cost)
		local version = redis.call('HINCRBY', key, 'version', 1)

		return {bonus - fromBonus, monthly - fromMonthly, fromBonus + fromMonthly, used, version}
	`)

	// Partial update: ARGV[1] zero-usage flag, ARGV[2] updated_at, then
	// field/value pairs.
	l.scripts["patch"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('EXISTS', key) == 0 then
			return false
		end
		if ARGV[1] == '1' then
			redis.call('HSET', key, 'credits_used_this_cycle', 0)
		end
		redis.call('HSET', key, 'updated_at', ARGV[2])
		for i = 3, #ARGV, 2 do
			redis.call('HSET', key, ARGV[i], ARGV[i+1])
		end
		return redis.call('HINCRBY', key, 'version', 1)
	`)

	l.scripts["addBonus"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('EXISTS', key) == 0 then
			return false
		end
		redis.call('HINCRBY', key, 'bonus_credits', tonumber(ARGV[1]))
		redis.call('HSET', key, 'updated_at', ARGV[2])
		return redis.call('HINCRBY', key, 'version', 1)
	`)

	// Create-if-absent for credit packs: an existing record wins.
	l.scripts["putPack"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('EXISTS', key) == 1 then
			return 0
		end
		for i = 1, #ARGV, 2 do
			redis.call('HSET', key, ARGV[i], ARGV[i+1])
		end
		return 1
	`)

	// Settle-once transition for credit packs.
	l.scripts["settlePack"] = redis.NewScript(`
		local status = redis.call('HGET', KEYS[1], 'status')
		if not status then
			return -1
		end
		if status == ARGV[1] then
			return 0
		end
		redis.call('HSET', KEYS[1], 'status', ARGV[1])
		return 1
	`)
}

// Key helpers

func (l *Ledger) subKey(dealerID string) string {
	return l.config.KeyPrefix + "sub:" + dealerID
}

func (l *Ledger) custRefKey(customerRef string) string {
	return l.config.KeyPrefix + "custref:" + customerRef
}

func (l *Ledger) usageWindowKey(dealerID, featureType string) string {
	return l.config.KeyPrefix + "usage:" + dealerID + ":" + featureType
}

func (l *Ledger) usageLogKey(dealerID string) string {
	return l.config.KeyPrefix + "usagelog:" + dealerID
}

func (l *Ledger) costsKey() string {
	return l.config.KeyPrefix + "costs"
}

func (l *Ledger) eventKey(externalEventID string) string {
	return l.config.KeyPrefix + "event:" + externalEventID
}

func (l *Ledger) failedEventsKey() string {
	return l.config.KeyPrefix + "events:failed"
}

func (l *Ledger) packKey(paymentRef string) string {
	return l.config.KeyPrefix + "pack:" + paymentRef
}

// Subscription hash codec

func subscriptionFields(sub *credit.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"dealer_id":                 sub.DealerID,
		"tier":                      string(sub.Tier),
		"status":                    string(sub.Status),
		"monthly_allowance":         sub.MonthlyAllowance,
		"credits_remaining":         sub.CreditsRemaining,
		"bonus_credits":             sub.BonusCredits,
		"credits_used_this_cycle":   sub.CreditsUsedThisCycle,
		"cycle_start":               sub.CycleStart.UTC().Format(time.RFC3339Nano),
		"cycle_end":                 sub.CycleEnd.UTC().Format(time.RFC3339Nano),
		"external_subscription_ref": sub.ExternalSubscriptionRef,
		"external_customer_ref":     sub.ExternalCustomerRef,
	}
}

func parseSubscription(fields map[string]string) (*credit.Subscription, error) {
	atoi := func(key string) int {
		n, _ := strconv.Atoi(fields[key])
		return n
	}
	parseTime := func(key string) time.Time {
		t, _ := time.Parse(time.RFC3339Nano, fields[key])
		return t
	}

	version, _ := strconv.ParseInt(fields["version"], 10, 64)
	return &credit.Subscription{
		DealerID:                fields["dealer_id"],
		Tier:                    credit.PlanTier(fields["tier"]),
		Status:                  credit.SubscriptionStatus(fields["status"]),
		MonthlyAllowance:        atoi("monthly_allowance"),
		CreditsRemaining:        atoi("credits_remaining"),
		BonusCredits:            atoi("bonus_credits"),
		CreditsUsedThisCycle:    atoi("credits_used_this_cycle"),
		CycleStart:              parseTime("cycle_start"),
		CycleEnd:                parseTime("cycle_end"),
		ExternalSubscriptionRef: fields["external_subscription_ref"],
		ExternalCustomerRef:     fields["external_customer_ref"],
		Version:                 version,
		UpdatedAt:               parseTime("updated_at"),
	}, nil
}

// GetSubscription implements credit.Ledger
func (l *Ledger) GetSubscription(ctx context.Context, dealerID string) (*credit.Subscription, error) {
	fields, err := l.client.HGetAll(ctx, l.subKey(dealerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if len(fields) == 0 {
		return nil, credit.ErrNoSubscription
	}
	return parseSubscription(fields)
}

// GetSubscriptionByCustomerRef implements credit.Ledger
func (l *Ledger) GetSubscriptionByCustomerRef(ctx context.Context, customerRef string) (*credit.Subscription, error) {
	if customerRef == "" {
		return nil, credit.ErrNoSubscription
	}

	dealerID, err := l.client.Get(ctx, l.custRefKey(customerRef)).Result()
	if err == redis.Nil {
		return nil, credit.ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer ref: %w", err)
	}
	return l.GetSubscription(ctx, dealerID)
}

// PutSubscription implements credit.Ledger
func (l *Ledger) PutSubscription(ctx context.Context, sub *credit.Subscription) error {
	if sub == nil || sub.DealerID == "" {
		return fmt.Errorf("invalid subscription")
	}

	fields := subscriptionFields(sub)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, l.subKey(sub.DealerID), fields)
	pipe.HIncrBy(ctx, l.subKey(sub.DealerID), "version", 1)
	if sub.ExternalCustomerRef != "" {
		pipe.Set(ctx, l.custRefKey(sub.ExternalCustomerRef), sub.DealerID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	return nil
}

// ApplyDeduction implements credit.Ledger
func (l *Ledger) ApplyDeduction(ctx context.Context, req *credit.DeductionRequest) (*credit.DeductionResult, error) {
	if req == nil || req.Cost < 0 {
		return nil, credit.ErrInvalidAmount
	}

	now := time.Now().UTC()
	result, err := l.scripts["deduct"].Run(ctx, l.client,
		[]string{l.subKey(req.DealerID)},
		req.Cost, now.Format(time.RFC3339Nano)).Result()
	if err == redis.Nil {
		return nil, credit.ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply deduction: %w", err)
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 5 {
		return nil, fmt.Errorf("unexpected deduction script result: %v", result)
	}
	newBonus := toInt(vals[0])
	newMonthly := toInt(vals[1])
	debited := toInt(vals[2])
	used := toInt(vals[3])
	version := int64(toInt(vals[4]))

	// Static fields come from a follow-up read; the balances above are the
	// authoritative post-debit values.
	sub, err := l.GetSubscription(ctx, req.DealerID)
	if err != nil {
		return nil, err
	}
	sub.BonusCredits = newBonus
	sub.CreditsRemaining = newMonthly
	sub.CreditsUsedThisCycle = used
	sub.Version = version
	sub.UpdatedAt = now

	return &credit.DeductionResult{Subscription: sub, Debited: debited}, nil
}

// ApplyCycleReset implements credit.Ledger
func (l *Ledger) ApplyCycleReset(ctx context.Context, dealerID string, req *credit.CycleResetRequest) error {
	args := []interface{}{
		"1", time.Now().UTC().Format(time.RFC3339Nano),
		"credits_remaining", req.Allowance,
		"status", string(credit.StatusActive),
		"cycle_start", req.CycleStart.UTC().Format(time.RFC3339Nano),
		"cycle_end", req.CycleEnd.UTC().Format(time.RFC3339Nano),
	}
	return l.runPatch(ctx, dealerID, args)
}

// ApplyPlanChange implements credit.Ledger
func (l *Ledger) ApplyPlanChange(ctx context.Context, dealerID string, req *credit.PlanChangeRequest) error {
	zeroUsage := "0"
	if req.ZeroUsage {
		zeroUsage = "1"
	}
	args := []interface{}{zeroUsage, time.Now().UTC().Format(time.RFC3339Nano)}

	if req.Tier != nil {
		args = append(args, "tier", string(*req.Tier))
	}
	if req.Status != nil {
		args = append(args, "status", string(*req.Status))
	}
	if req.MonthlyAllowance != nil {
		args = append(args, "monthly_allowance", *req.MonthlyAllowance)
	}
	if req.CreditsRemaining != nil {
		args = append(args, "credits_remaining", *req.CreditsRemaining)
	}
	if req.BonusCredits != nil {
		args = append(args, "bonus_credits", *req.BonusCredits)
	}
	if req.CycleStart != nil {
		args = append(args, "cycle_start", req.CycleStart.UTC().Format(time.RFC3339Nano))
	}
	if req.CycleEnd != nil {
		args = append(args, "cycle_end", req.CycleEnd.UTC().Format(time.RFC3339Nano))
	}
	if req.ExternalSubscriptionRef != nil {
		args = append(args, "external_subscription_ref", *req.ExternalSubscriptionRef)
	}
	if req.ExternalCustomerRef != nil {
		args = append(args, "external_customer_ref", *req.ExternalCustomerRef)
	}

	if err := l.runPatch(ctx, dealerID, args); err != nil {
		return err
	}

	// Keep the customer-ref lookup index in step with the row.
	if req.ExternalCustomerRef != nil && *req.ExternalCustomerRef != "" {
		if err := l.client.Set(ctx, l.custRefKey(*req.ExternalCustomerRef), dealerID, 0).Err(); err != nil {
			return fmt.Errorf("failed to index customer ref: %w", err)
		}
	}
	return nil
}

func (l *Ledger) runPatch(ctx context.Context, dealerID string, args []interface{}) error {
	err := l.scripts["patch"].Run(ctx, l.client, []string{l.subKey(dealerID)}, args...).Err()
	if err == redis.Nil {
		return credit.ErrNoSubscription
	}
	if err != nil {
		return fmt.Errorf("failed to patch subscription: %w", err)
	}
	return nil
}

// ApplyBonusCredits implements credit.Ledger
func (l *Ledger) ApplyBonusCredits(ctx context.Context, dealerID string, credits int) (*credit.Subscription, error) {
	if credits <= 0 {
		return nil, credit.ErrInvalidAmount
	}

	err := l.scripts["addBonus"].Run(ctx, l.client,
		[]string{l.subKey(dealerID)},
		credits, time.Now().UTC().Format(time.RFC3339Nano)).Err()
	if err == redis.Nil {
		return nil, credit.ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add bonus credits: %w", err)
	}
	return l.GetSubscription(ctx, dealerID)
}

// AppendUsage implements credit.Ledger. Each entry lands in two places: a
// per-feature window set scored by timestamp for the rate limiter, and a
// per-dealer audit list.
func (l *Ledger) AppendUsage(ctx context.Context, entry *credit.UsageEntry) error {
	if entry == nil || entry.DealerID == "" {
		return fmt.Errorf("invalid usage entry")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal usage entry: %w", err)
	}

	seq, err := l.client.Incr(ctx, l.config.KeyPrefix+"usage:seq").Result()
	if err != nil {
		return fmt.Errorf("failed to allocate usage sequence: %w", err)
	}

	windowKey := l.usageWindowKey(entry.DealerID, entry.FeatureType)
	score := float64(entry.Timestamp.UnixMilli())
	member := fmt.Sprintf("%d:%d", entry.Timestamp.UnixMilli(), seq)
	cutoff := entry.Timestamp.Add(-l.config.UsageWindowRetention).UnixMilli()

	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, windowKey, redis.Z{Score: score, Member: member})
	pipe.ZRemRangeByScore(ctx, windowKey, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, windowKey, l.config.UsageWindowRetention)
	pipe.RPush(ctx, l.usageLogKey(entry.DealerID), payload)
	if l.config.UsageLogMaxEntries > 0 {
		pipe.LTrim(ctx, l.usageLogKey(entry.DealerID), -l.config.UsageLogMaxEntries, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append usage: %w", err)
	}
	return nil
}

// CountUsageSince implements credit.Ledger
func (l *Ledger) CountUsageSince(ctx context.Context, dealerID, featureType string, since time.Time) (int, time.Time, error) {
	windowKey := l.usageWindowKey(dealerID, featureType)
	min := strconv.FormatInt(since.UnixMilli(), 10)

	count, err := l.client.ZCount(ctx, windowKey, min, "+inf").Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to count usage: %w", err)
	}
	if count == 0 {
		return 0, time.Time{}, nil
	}

	oldest, err := l.client.ZRangeByScoreWithScores(ctx, windowKey, &redis.ZRangeBy{
		Min: min, Max: "+inf", Offset: 0, Count: 1,
	}).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read oldest usage: %w", err)
	}
	if len(oldest) == 0 {
		return int(count), time.Time{}, nil
	}
	return int(count), time.UnixMilli(int64(oldest[0].Score)).UTC(), nil
}

// GetCostTable implements credit.Ledger
func (l *Ledger) GetCostTable(ctx context.Context) (map[string]int, error) {
	raw, err := l.client.Get(ctx, l.costsKey()).Bytes()
	if err == redis.Nil {
		return nil, credit.ErrCostTableNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cost table: %w", err)
	}

	var costs map[string]int
	if err := json.Unmarshal(raw, &costs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cost table: %w", err)
	}
	return costs, nil
}

// SetCostTable implements credit.Ledger
func (l *Ledger) SetCostTable(ctx context.Context, costs map[string]int) error {
	raw, err := json.Marshal(costs)
	if err != nil {
		return fmt.Errorf("failed to marshal cost table: %w", err)
	}
	if err := l.client.Set(ctx, l.costsKey(), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to store cost table: %w", err)
	}
	return nil
}

// InsertEventRecord implements credit.Ledger. SETNX carries the idempotency
// guarantee: a concurrent duplicate delivery loses the set race.
func (l *Ledger) InsertEventRecord(ctx context.Context, rec *credit.WebhookEventRecord) error {
	if rec == nil || rec.ExternalEventID == "" {
		return fmt.Errorf("invalid event record")
	}

	stored := *rec
	stored.Processed = false
	stored.ErrorMessage = ""
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}

	ok, err := l.client.SetNX(ctx, l.eventKey(rec.ExternalEventID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to insert event record: %w", err)
	}
	if !ok {
		return credit.ErrDuplicateEvent
	}
	return nil
}

// MarkEventProcessed implements credit.Ledger
func (l *Ledger) MarkEventProcessed(ctx context.Context, externalEventID string, procErr error) error {
	raw, err := l.client.Get(ctx, l.eventKey(externalEventID)).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("event %s not found", externalEventID)
	}
	if err != nil {
		return fmt.Errorf("failed to load event record: %w", err)
	}

	var rec credit.WebhookEventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("failed to unmarshal event record: %w", err)
	}

	if procErr != nil {
		rec.Processed = false
		rec.ErrorMessage = procErr.Error()
	} else {
		rec.Processed = true
		rec.ErrorMessage = ""
	}

	payload, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}

	pipe := l.client.TxPipeline()
	pipe.Set(ctx, l.eventKey(externalEventID), payload, 0)
	if procErr != nil {
		pipe.ZAdd(ctx, l.failedEventsKey(), redis.Z{
			Score:  float64(rec.ReceivedAt.UnixMilli()),
			Member: externalEventID,
		})
	} else {
		pipe.ZRem(ctx, l.failedEventsKey(), externalEventID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// ListUnprocessedEvents implements credit.Ledger
func (l *Ledger) ListUnprocessedEvents(ctx context.Context, limit int) ([]*credit.WebhookEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := l.client.ZRange(ctx, l.failedEventsKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed events: %w", err)
	}

	out := make([]*credit.WebhookEventRecord, 0, len(ids))
	for _, id := range ids {
		raw, err := l.client.Get(ctx, l.eventKey(id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load event record: %w", err)
		}
		var rec credit.WebhookEventRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// PutCreditPack implements credit.Ledger
func (l *Ledger) PutCreditPack(ctx context.Context, pack *credit.CreditPackPurchase) error {
	if pack == nil || pack.ExternalPaymentRef == "" {
		return fmt.Errorf("invalid credit pack")
	}

	createdAt := pack.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err := l.scripts["putPack"].Run(ctx, l.client,
		[]string{l.packKey(pack.ExternalPaymentRef)},
		"dealer_id", pack.DealerID,
		"credits_purchased", pack.CreditsPurchased,
		"status", string(pack.Status),
		"created_at", createdAt.Format(time.RFC3339Nano)).Err()
	if err != nil {
		return fmt.Errorf("failed to store credit pack: %w", err)
	}
	return nil
}

// GetCreditPack implements credit.Ledger
func (l *Ledger) GetCreditPack(ctx context.Context, paymentRef string) (*credit.CreditPackPurchase, error) {
	fields, err := l.client.HGetAll(ctx, l.packKey(paymentRef)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load credit pack: %w", err)
	}
	if len(fields) == 0 {
		return nil, credit.ErrCreditPackNotFound
	}

	credits, _ := strconv.Atoi(fields["credits_purchased"])
	createdAt, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
	return &credit.CreditPackPurchase{
		DealerID:           fields["dealer_id"],
		ExternalPaymentRef: paymentRef,
		CreditsPurchased:   credits,
		Status:             credit.CreditPackStatus(fields["status"]),
		CreatedAt:          createdAt,
	}, nil
}

// MarkCreditPackSucceeded implements credit.Ledger
func (l *Ledger) MarkCreditPackSucceeded(ctx context.Context, paymentRef string) (bool, error) {
	result, err := l.scripts["settlePack"].Run(ctx, l.client,
		[]string{l.packKey(paymentRef)},
		string(credit.PackSucceeded)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to settle credit pack: %w", err)
	}

	switch result {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, credit.ErrCreditPackNotFound
	}
}

// Close closes the Redis client
func (l *Ledger) Close() error {
	return l.client.Close()
}

// Ping verifies Redis connectivity
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case string:
		parsed, _ := strconv.Atoi(n)
		return parsed
	default:
		return 0
	}
}

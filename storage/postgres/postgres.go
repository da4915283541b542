// Package postgres provides a PostgreSQL implementation of the credit.Ledger
// interface. Balance mutations are expressed as single atomic statements, so
// concurrent consumers and the webhook processor can share rows safely
// without application-level locking.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lotworks/dealercredit/pkg/credit"
)

//go:embed schema.sql
var schema string

// Ledger implements credit.Ledger using PostgreSQL
type Ledger struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL ledger configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL ledger adapter
func New(ctx context.Context, config Config) (*Ledger, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Ledger{pool: pool, config: config}, nil
}

// InitSchema creates the ledger tables if they do not exist
func (l *Ledger) InitSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (l *Ledger) Close() {
	if l.pool != nil {
		l.pool.Close()
	}
}

// Ping verifies database connectivity
func (l *Ledger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

const subscriptionColumns = `dealer_id, tier, status, monthly_allowance, credits_remaining,
	bonus_credits, credits_used_this_cycle, cycle_start, cycle_end,
	external_subscription_ref, external_customer_ref, version, updated_at`

func scanSubscription(row pgx.Row) (*credit.Subscription, error) {
	var sub credit.Subscription
	err := row.Scan(
		&sub.DealerID, &sub.Tier, &sub.Status, &sub.MonthlyAllowance, &sub.CreditsRemaining,
		&sub.BonusCredits, &sub.CreditsUsedThisCycle, &sub.CycleStart, &sub.CycleEnd,
		&sub.ExternalSubscriptionRef, &sub.ExternalCustomerRef, &sub.Version, &sub.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, credit.ErrNoSubscription
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return &sub, nil
}

// GetSubscription implements credit.Ledger
func (l *Ledger) GetSubscription(ctx context.Context, dealerID string) (*credit.Subscription, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE dealer_id = $1`,
		dealerID)
	return scanSubscription(row)
}

// GetSubscriptionByCustomerRef implements credit.Ledger
func (l *Ledger) GetSubscriptionByCustomerRef(ctx context.Context, customerRef string) (*credit.Subscription, error) {
	if customerRef == "" {
		return nil, credit.ErrNoSubscription
	}
	row := l.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_customer_ref = $1`,
		customerRef)
	return scanSubscription(row)
}

// PutSubscription implements credit.Ledger
func (l *Ledger) PutSubscription(ctx context.Context, sub *credit.Subscription) error {
	if sub == nil || sub.DealerID == "" {
		return fmt.Errorf("invalid subscription")
	}

	_, err := l.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, now())
			ON CONFLICT (dealer_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				status = EXCLUDED.status,
				monthly_allowance = EXCLUDED.monthly_allowance,
				credits_remaining = EXCLUDED.credits_remaining,
				bonus_credits = EXCLUDED.bonus_credits,
				credits_used_this_cycle = EXCLUDED.credits_used_this_cycle,
				cycle_start = EXCLUDED.cycle_start,
				cycle_end = EXCLUDED.cycle_end,
				external_subscription_ref = EXCLUDED.external_subscription_ref,
				external_customer_ref = EXCLUDED.external_customer_ref,
				version = subscriptions.version + 1,
				updated_at = now()`,
		sub.DealerID, sub.Tier, sub.Status, sub.MonthlyAllowance, sub.CreditsRemaining,
		sub.BonusCredits, sub.CreditsUsedThisCycle, sub.CycleStart, sub.CycleEnd,
		sub.ExternalSubscriptionRef, sub.ExternalCustomerRef)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// ApplyDeduction implements credit.Ledger. The debit is one statement: bonus
// credits burn first, then the monthly balance, both floored at zero, while
// the cycle counter tracks the nominal cost. The CTE captures the prior
// balances so the actually debited amount can be computed in the same
// round trip.
func (l *Ledger) ApplyDeduction(ctx context.Context, req *credit.DeductionRequest) (*credit.DeductionResult, error) {
	if req == nil || req.Cost < 0 {
		return nil, credit.ErrInvalidAmount
	}

	row := l.pool.QueryRow(ctx,
		`WITH prev AS (
			SELECT dealer_id, bonus_credits + credits_remaining AS total
				FROM subscriptions
				WHERE dealer_id = $1
				FOR UPDATE
		), updated AS (
			UPDATE subscriptions s SET
				bonus_credits = s.bonus_credits - LEAST(s.bonus_credits, $2::int),
				credits_remaining = s.credits_remaining
					- LEAST(s.credits_remaining, $2::int - LEAST(s.bonus_credits, $2::int)),
				credits_used_this_cycle = s.credits_used_this_cycle + $2::int,
				version = s.version + 1,
				updated_at = now()
			FROM prev
			WHERE s.dealer_id = prev.dealer_id
			RETURNING s.dealer_id, s.tier, s.status, s.monthly_allowance, s.credits_remaining,
				s.bonus_credits, s.credits_used_this_cycle, s.cycle_start, s.cycle_end,
				s.external_subscription_ref, s.external_customer_ref, s.version, s.updated_at,
				prev.total AS prev_total
		)
		SELECT dealer_id, tier, status, monthly_allowance, credits_remaining,
			bonus_credits, credits_used_this_cycle, cycle_start, cycle_end,
			external_subscription_ref, external_customer_ref, version, updated_at,
			prev_total - (bonus_credits + credits_remaining) AS debited
		FROM updated`,
		req.DealerID, req.Cost)

	var sub credit.Subscription
	var debited int
	err := row.Scan(
		&sub.DealerID, &sub.Tier, &sub.Status, &sub.MonthlyAllowance, &sub.CreditsRemaining,
		&sub.BonusCredits, &sub.CreditsUsedThisCycle, &sub.CycleStart, &sub.CycleEnd,
		&sub.ExternalSubscriptionRef, &sub.ExternalCustomerRef, &sub.Version, &sub.UpdatedAt,
		&debited,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, credit.ErrNoSubscription
		}
		return nil, fmt.Errorf("failed to apply deduction: %w", err)
	}
	return &credit.DeductionResult{Subscription: &sub, Debited: debited}, nil
}

// ApplyCycleReset implements credit.Ledger
func (l *Ledger) ApplyCycleReset(ctx context.Context, dealerID string, req *credit.CycleResetRequest) error {
	tag, err := l.pool.Exec(ctx,
		`UPDATE subscriptions SET
			credits_remaining = $2,
			credits_used_this_cycle = 0,
			status = $3,
			cycle_start = $4,
			cycle_end = $5,
			version = version + 1,
			updated_at = now()
		WHERE dealer_id = $1`,
		dealerID, req.Allowance, credit.StatusActive, req.CycleStart, req.CycleEnd)
	if err != nil {
		return fmt.Errorf("failed to reset cycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credit.ErrNoSubscription
	}
	return nil
}

// ApplyPlanChange implements credit.Ledger. Nil request fields map to NULL
// parameters, which COALESCE resolves to the current column value, so the
// statement only touches what the caller asked for.
func (l *Ledger) ApplyPlanChange(ctx context.Context, dealerID string, req *credit.PlanChangeRequest) error {
	tag, err := l.pool.Exec(ctx,
		`UPDATE subscriptions SET
			tier = COALESCE($2, tier),
			status = COALESCE($3, status),
			monthly_allowance = COALESCE($4, monthly_allowance),
			credits_remaining = COALESCE($5, credits_remaining),
			bonus_credits = COALESCE($6, bonus_credits),
			cycle_start = COALESCE($7, cycle_start),
			cycle_end = COALESCE($8, cycle_end),
			credits_used_this_cycle = CASE WHEN $9 THEN 0 ELSE credits_used_this_cycle END,
			external_subscription_ref = COALESCE($10, external_subscription_ref),
			external_customer_ref = COALESCE($11, external_customer_ref),
			version = version + 1,
			updated_at = now()
		WHERE dealer_id = $1`,
		dealerID,
		(*string)(req.Tier), (*string)(req.Status),
		req.MonthlyAllowance, req.CreditsRemaining, req.BonusCredits,
		req.CycleStart, req.CycleEnd, req.ZeroUsage,
		req.ExternalSubscriptionRef, req.ExternalCustomerRef)
	if err != nil {
		return fmt.Errorf("failed to apply plan change: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credit.ErrNoSubscription
	}
	return nil
}

// ApplyBonusCredits implements credit.Ledger
func (l *Ledger) ApplyBonusCredits(ctx context.Context, dealerID string, credits int) (*credit.Subscription, error) {
	if credits <= 0 {
		return nil, credit.ErrInvalidAmount
	}

	row := l.pool.QueryRow(ctx,
		`UPDATE subscriptions SET
			bonus_credits = bonus_credits + $2,
			version = version + 1,
			updated_at = now()
		WHERE dealer_id = $1
		RETURNING `+subscriptionColumns,
		dealerID, credits)
	return scanSubscription(row)
}

// AppendUsage implements credit.Ledger
func (l *Ledger) AppendUsage(ctx context.Context, entry *credit.UsageEntry) error {
	if entry == nil || entry.DealerID == "" {
		return fmt.Errorf("invalid usage entry")
	}

	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal usage metadata: %w", err)
		}
	}

	_, err := l.pool.Exec(ctx,
		`INSERT INTO usage_log
			(dealer_id, sub_ref, feature_type, credits_used, context_ref, success, ts, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.DealerID, entry.SubscriptionRef, entry.FeatureType, entry.CreditsUsed,
		entry.ContextRef, entry.Success, entry.Timestamp, metadata)
	if err != nil {
		return fmt.Errorf("failed to append usage: %w", err)
	}
	return nil
}

// CountUsageSince implements credit.Ledger
func (l *Ledger) CountUsageSince(ctx context.Context, dealerID, featureType string, since time.Time) (int, time.Time, error) {
	var count int
	var oldest *time.Time

	err := l.pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(ts) FROM usage_log
			WHERE dealer_id = $1 AND feature_type = $2 AND ts >= $3`,
		dealerID, featureType, since).Scan(&count, &oldest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to count usage: %w", err)
	}

	if oldest == nil {
		return count, time.Time{}, nil
	}
	return count, *oldest, nil
}

// GetCostTable implements credit.Ledger
func (l *Ledger) GetCostTable(ctx context.Context) (map[string]int, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT costs FROM cost_table WHERE id = 1`).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, credit.ErrCostTableNotFound
		}
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

	_, err = l.pool.Exec(ctx,
		`INSERT INTO cost_table (id, costs) VALUES (1, $1)
			ON CONFLICT (id) DO UPDATE SET costs = EXCLUDED.costs`,
		raw)
	if err != nil {
		return fmt.Errorf("failed to store cost table: %w", err)
	}
	return nil
}

// InsertEventRecord implements credit.Ledger. The primary key carries the
// idempotency guarantee: a concurrent duplicate delivery loses the insert
// race and reports ErrDuplicateEvent.
func (l *Ledger) InsertEventRecord(ctx context.Context, rec *credit.WebhookEventRecord) error {
	if rec == nil || rec.ExternalEventID == "" {
		return fmt.Errorf("invalid event record")
	}

	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	tag, err := l.pool.Exec(ctx,
		`INSERT INTO webhook_events (external_event_id, event_type, raw_payload, processed, error_message, received_at)
			VALUES ($1, $2, $3, FALSE, '', $4)
			ON CONFLICT (external_event_id) DO NOTHING`,
		rec.ExternalEventID, rec.EventType, rec.RawPayload, receivedAt)
	if err != nil {
		return fmt.Errorf("failed to insert event record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credit.ErrDuplicateEvent
	}
	return nil
}

// MarkEventProcessed implements credit.Ledger
func (l *Ledger) MarkEventProcessed(ctx context.Context, externalEventID string, procErr error) error {
	errorMessage := ""
	processed := true
	if procErr != nil {
		errorMessage = procErr.Error()
		processed = false
	}

	tag, err := l.pool.Exec(ctx,
		`UPDATE webhook_events SET processed = $2, error_message = $3
			WHERE external_event_id = $1`,
		externalEventID, processed, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s not found", externalEventID)
	}
	return nil
}

// ListUnprocessedEvents implements credit.Ledger
func (l *Ledger) ListUnprocessedEvents(ctx context.Context, limit int) ([]*credit.WebhookEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.pool.Query(ctx,
		`SELECT external_event_id, event_type, raw_payload, processed, error_message, received_at
			FROM webhook_events
			WHERE NOT processed AND error_message <> ''
			ORDER BY received_at ASC
			LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	defer rows.Close()

	var out []*credit.WebhookEventRecord
	for rows.Next() {
		var rec credit.WebhookEventRecord
		if err := rows.Scan(&rec.ExternalEventID, &rec.EventType, &rec.RawPayload,
			&rec.Processed, &rec.ErrorMessage, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// PutCreditPack implements credit.Ledger. Existing rows win so a replayed
// creation never resets a settled pack back to pending.
func (l *Ledger) PutCreditPack(ctx context.Context, pack *credit.CreditPackPurchase) error {
	if pack == nil || pack.ExternalPaymentRef == "" {
		return fmt.Errorf("invalid credit pack")
	}

	createdAt := pack.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := l.pool.Exec(ctx,
		`INSERT INTO credit_packs (external_payment_ref, dealer_id, credits_purchased, status, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (external_payment_ref) DO NOTHING`,
		pack.ExternalPaymentRef, pack.DealerID, pack.CreditsPurchased, pack.Status, createdAt)
	if err != nil {
		return fmt.Errorf("failed to store credit pack: %w", err)
	}
	return nil
}

// GetCreditPack implements credit.Ledger
func (l *Ledger) GetCreditPack(ctx context.Context, paymentRef string) (*credit.CreditPackPurchase, error) {
	var pack credit.CreditPackPurchase
	err := l.pool.QueryRow(ctx,
		`SELECT external_payment_ref, dealer_id, credits_purchased, status, created_at
			FROM credit_packs WHERE external_payment_ref = $1`,
		paymentRef).Scan(&pack.ExternalPaymentRef, &pack.DealerID, &pack.CreditsPurchased,
		&pack.Status, &pack.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, credit.ErrCreditPackNotFound
		}
		return nil, fmt.Errorf("failed to load credit pack: %w", err)
	}
	return &pack, nil
}

// MarkCreditPackSucceeded implements credit.Ledger. The guarded UPDATE wins
// at most once per pack, so replayed payment notifications grant credits
// exactly once.
func (l *Ledger) MarkCreditPackSucceeded(ctx context.Context, paymentRef string) (bool, error) {
	tag, err := l.pool.Exec(ctx,
		`UPDATE credit_packs SET status = $2
			WHERE external_payment_ref = $1 AND status <> $2`,
		paymentRef, credit.PackSucceeded)
	if err != nil {
		return false, fmt.Errorf("failed to mark credit pack succeeded: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Distinguish an already-settled pack from an unknown reference.
	var status credit.CreditPackStatus
	err = l.pool.QueryRow(ctx,
		`SELECT status FROM credit_packs WHERE external_payment_ref = $1`,
		paymentRef).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, credit.ErrCreditPackNotFound
		}
		return false, fmt.Errorf("failed to load credit pack: %w", err)
	}
	return false, nil
}

// Package postgres provides a PostgreSQL implementation of billing.Store and
// billing.EventLedger. Subscription writes and their profile projection run
// in one transaction; rows are keyed on Stripe's natural identifiers so
// concurrent deliveries converge on a single row.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/paywebhook/pkg/billing"
)

//go:embed schema.sql
var schemaSQL string

// Storage implements billing.Store and billing.EventLedger using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background ledger cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Ledger cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to purge old ledger rows
	LedgerTTL       time.Duration // How long processed event ids are kept
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		LedgerTTL:       72 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
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

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.LedgerTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the tables and columns the store needs. It is idempotent.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const profileColumns = `id, COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''),
	COALESCE(subscription_status, ''), COALESCE(plan_id, ''), trial_will_end_notified`

func scanProfile(row pgx.Row) (*billing.Profile, error) {
	var p billing.Profile
	err := row.Scan(&p.ID, &p.StripeCustomerID, &p.StripeSubscriptionID,
		&p.SubscriptionStatus, &p.PlanID, &p.TrialWillEndNotified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}

// GetProfile implements billing.Store
func (s *Storage) GetProfile(ctx context.Context, userID string) (*billing.Profile, error) {
	return scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, userID))
}

// FindProfileByCustomerID implements billing.Store
func (s *Storage) FindProfileByCustomerID(ctx context.Context, customerID string) (*billing.Profile, error) {
	if customerID == "" {
		return nil, billing.ErrProfileNotFound
	}
	return scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE stripe_customer_id = $1 LIMIT 1`, customerID))
}

// LinkCustomer implements billing.Store
func (s *Storage) LinkCustomer(ctx context.Context, userID, customerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE profiles SET stripe_customer_id = $2, updated_at = $3 WHERE id = $1`,
		userID, customerID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to link customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrProfileNotFound
	}
	return nil
}

// CreateSubscription implements billing.Store
func (s *Storage) CreateSubscription(ctx context.Context, sub *billing.Subscription) (bool, error) {
	if sub == nil || sub.StripeSubscriptionID == "" || sub.UserID == "" {
		return false, fmt.Errorf("invalid subscription")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()

	tag, err := tx.Exec(ctx,
		`INSERT INTO user_subscriptions
				(id, user_id, stripe_subscription_id, stripe_customer_id, status,
				 current_period_start, current_period_end, plan, price_id,
				 cancel_at_period_end, canceled_at, created_at, updated_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $12)
			ON CONFLICT (stripe_subscription_id) DO NOTHING`,
		id, sub.UserID, sub.StripeSubscriptionID, sub.StripeCustomerID, sub.Status,
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), sub.Plan, sub.PriceID,
		sub.CancelAtPeriodEnd, sub.CanceledAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	// a new subscription always takes over the profile projection
	if _, err := tx.Exec(ctx,
		`UPDATE profiles
			SET stripe_subscription_id = $2, subscription_status = $3, plan_id = $4, updated_at = $5
			WHERE id = $1`,
		sub.UserID, sub.StripeSubscriptionID, sub.Status, sub.Plan, now,
	); err != nil {
		return false, fmt.Errorf("failed to project profile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// UpdateSubscription implements billing.Store
func (s *Storage) UpdateSubscription(ctx context.Context, sub *billing.Subscription) (*billing.Transition, error) {
	if sub == nil || sub.StripeSubscriptionID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	return s.mutateSubscription(ctx, sub.StripeSubscriptionID, func(tx pgx.Tx, now time.Time) (string, error) {
		var plan string
		err := tx.QueryRow(ctx,
			`UPDATE user_subscriptions SET
					status = $2,
					current_period_start = $3,
					current_period_end = $4,
					plan = $5,
					price_id = NULLIF($6, ''),
					cancel_at_period_end = $7,
					canceled_at = $8,
					stripe_customer_id = COALESCE(NULLIF($9, ''), stripe_customer_id),
					updated_at = $10
				WHERE stripe_subscription_id = $1
				RETURNING plan`,
			sub.StripeSubscriptionID, sub.Status,
			nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd),
			sub.Plan, sub.PriceID, sub.CancelAtPeriodEnd, sub.CanceledAt, sub.StripeCustomerID, now,
		).Scan(&plan)
		return plan, err
	}, sub.Status)
}

// CancelSubscription implements billing.Store
func (s *Storage) CancelSubscription(
	ctx context.Context, stripeSubscriptionID string, canceledAt time.Time,
) (*billing.Transition, error) {
	return s.mutateSubscription(ctx, stripeSubscriptionID, func(tx pgx.Tx, now time.Time) (string, error) {
		var plan string
		err := tx.QueryRow(ctx,
			`UPDATE user_subscriptions SET status = $2, canceled_at = $3, updated_at = $4
				WHERE stripe_subscription_id = $1
				RETURNING plan`,
			stripeSubscriptionID, billing.StatusCanceled, canceledAt.UTC(), now,
		).Scan(&plan)
		return plan, err
	}, billing.StatusCanceled)
}

// mutateSubscription locks the subscription row, applies update, and
// re-projects the profile in the same transaction. A missing row yields a
// nil Transition.
func (s *Storage) mutateSubscription(
	ctx context.Context,
	stripeSubscriptionID string,
	update func(tx pgx.Tx, now time.Time) (plan string, err error),
	newStatus string,
) (*billing.Transition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var userID, previous string
	err = tx.QueryRow(ctx,
		`SELECT user_id, status FROM user_subscriptions WHERE stripe_subscription_id = $1 FOR UPDATE`,
		stripeSubscriptionID,
	).Scan(&userID, &previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}

	now := time.Now().UTC()
	plan, err := update(tx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	// only the subscription the profile currently points at may drive it
	if _, err := tx.Exec(ctx,
		`UPDATE profiles
			SET stripe_subscription_id = $2, subscription_status = $3, plan_id = $4, updated_at = $5
			WHERE id = $1
				AND (stripe_subscription_id IS NULL OR stripe_subscription_id = '' OR stripe_subscription_id = $2)`,
		userID, stripeSubscriptionID, newStatus, plan, now,
	); err != nil {
		return nil, fmt.Errorf("failed to project profile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &billing.Transition{UserID: userID, From: previous, To: newStatus}, nil
}

// GetSubscription implements billing.Store
func (s *Storage) GetSubscription(ctx context.Context, stripeSubscriptionID string) (*billing.Subscription, error) {
	var (
		sub                    billing.Subscription
		periodStart, periodEnd *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, stripe_subscription_id, COALESCE(stripe_customer_id, ''), status,
				current_period_start, current_period_end, plan, COALESCE(price_id, ''),
				cancel_at_period_end, canceled_at, created_at, updated_at
			FROM user_subscriptions WHERE stripe_subscription_id = $1`,
		stripeSubscriptionID,
	).Scan(
		&sub.ID, &sub.UserID, &sub.StripeSubscriptionID, &sub.StripeCustomerID, &sub.Status,
		&periodStart, &periodEnd, &sub.Plan, &sub.PriceID,
		&sub.CancelAtPeriodEnd, &sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.CurrentPeriodStart = timeOrZero(periodStart)
	sub.CurrentPeriodEnd = timeOrZero(periodEnd)
	return &sub, nil
}

// UpsertPayment implements billing.Store
func (s *Storage) UpsertPayment(ctx context.Context, p *billing.Payment) (bool, error) {
	if p == nil || p.StripeInvoiceID == "" {
		return false, fmt.Errorf("invalid payment")
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	var inserted bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO payments
				(id, user_id, subscription_id, stripe_invoice_id, amount, currency, status,
				 failure_reason, period_start, period_end, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
			ON CONFLICT (stripe_invoice_id) DO UPDATE SET
				status = EXCLUDED.status,
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				failure_reason = EXCLUDED.failure_reason,
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				updated_at = EXCLUDED.updated_at
			RETURNING (xmax = 0)`,
		id, p.UserID, p.SubscriptionID, p.StripeInvoiceID, p.Amount, p.Currency, string(p.Status),
		p.FailureReason, nullTime(p.PeriodStart), nullTime(p.PeriodEnd), time.Now().UTC(),
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert payment: %w", err)
	}
	return inserted, nil
}

const paymentColumns = `p.id, p.user_id, p.subscription_id, p.stripe_invoice_id, p.amount, p.currency,
	p.status, p.failure_reason, p.period_start, p.period_end, p.created_at, p.updated_at`

func scanPayment(row pgx.Row) (*billing.Payment, error) {
	var (
		p                      billing.Payment
		status                 string
		periodStart, periodEnd *time.Time
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.SubscriptionID, &p.StripeInvoiceID, &p.Amount, &p.Currency,
		&status, &p.FailureReason, &periodStart, &periodEnd, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = billing.PaymentStatus(status)
	p.PeriodStart = timeOrZero(periodStart)
	p.PeriodEnd = timeOrZero(periodEnd)
	return &p, nil
}

// GetPayment implements billing.Store
func (s *Storage) GetPayment(ctx context.Context, stripeInvoiceID string) (*billing.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments p WHERE p.stripe_invoice_id = $1`, stripeInvoiceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// ListPayments implements billing.Store
func (s *Storage) ListPayments(ctx context.Context, stripeSubscriptionID string, limit int) ([]*billing.Payment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentColumns+`
			FROM payments p
			JOIN user_subscriptions s ON s.id = p.subscription_id
			WHERE s.stripe_subscription_id = $1
			ORDER BY p.created_at DESC, p.stripe_invoice_id DESC
			LIMIT NULLIF($2::int, 0)`,
		stripeSubscriptionID, max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	payments := make([]*billing.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

// SetTrialWillEnd implements billing.Store
func (s *Storage) SetTrialWillEnd(ctx context.Context, userID string, notified bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE profiles SET trial_will_end_notified = $2, updated_at = $3 WHERE id = $1`,
		userID, notified, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set trial flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrProfileNotFound
	}
	return nil
}

// Seen implements billing.EventLedger
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM stripe_webhook_events WHERE event_id = $1)`, eventID,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("failed to check event ledger: %w", err)
	}
	return seen, nil
}

// MarkProcessed implements billing.EventLedger
func (s *Storage) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stripe_webhook_events (event_id, event_type, processed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ProcessedAt implements billing.ProcessedAtLedger
func (s *Storage) ProcessedAt(ctx context.Context, eventID string) (time.Time, bool, error) {
	var processedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT processed_at FROM stripe_webhook_events WHERE event_id = $1`, eventID,
	).Scan(&processedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read event ledger: %w", err)
	}
	return processedAt.UTC(), true, nil
}

// startCleanup periodically purges ledger rows older than LedgerTTL
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes ledger rows older than LedgerTTL
func (s *Storage) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.LedgerTTL)
	if _, err := s.pool.Exec(ctx, `DELETE FROM stripe_webhook_events WHERE processed_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup event ledger: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

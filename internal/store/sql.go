// AngelaMos | 2026
// sql.go

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/carterperez-dev/entitlement-engine/internal/core"
)

const subscriptionColumns = `id, user_id, external_subscription_id,
	external_customer_id, external_price_id, status, current_period_end,
	cancel_at_period_end, last_event_at, created_at, updated_at`

// SQL implements Gateway on Postgres or SQLite through sqlx. Queries use
// '?' placeholders and are rebound for the connected driver.
type SQL struct {
	db  *sqlx.DB
	now func() time.Time
}

type SQLOption func(*SQL)

func WithNow(now func() time.Time) SQLOption {
	return func(s *SQL) { s.now = now }
}

func NewSQL(db *sqlx.DB, opts ...SQLOption) *SQL {
	s := &SQL{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SQL) clock() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

func (s *SQL) GetActiveSubscription(
	ctx context.Context,
	userID string,
) (*Subscription, error) {
	query := s.db.Rebind(`
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = ? AND status IN (?, ?)
		ORDER BY CASE WHEN status = ? THEN 0 ELSE 1 END, created_at DESC
		LIMIT 1`)

	var sub Subscription
	err := s.db.GetContext(ctx, &sub, query,
		userID,
		string(StatusActive),
		string(StatusPastDue),
		string(StatusActive),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active subscription: %w", err)
	}

	return &sub, nil
}

func (s *SQL) CreateSubscription(ctx context.Context, sub *Subscription) error {
	if !sub.Status.Valid() {
		return fmt.Errorf(
			"create subscription: invalid status %q: %w",
			sub.Status,
			core.ErrInvalidInput,
		)
	}

	now := s.clock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC().Truncate(time.Second)
	sub.CreatedAt = now
	sub.UpdatedAt = now

	return core.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if sub.Status == StatusActive {
			if err := demoteActive(ctx, tx, sub.UserID, sub.ID, now); err != nil {
				return err
			}
		}

		query := tx.Rebind(`
			INSERT INTO subscriptions (` + subscriptionColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

		_, err := tx.ExecContext(ctx, query,
			sub.ID,
			sub.UserID,
			sub.ExternalSubscriptionID,
			sub.ExternalCustomerID,
			sub.ExternalPriceID,
			string(sub.Status),
			sub.CurrentPeriodEnd,
			sub.CancelAtPeriodEnd,
			sub.LastEventAt,
			sub.CreatedAt,
			sub.UpdatedAt,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return fmt.Errorf("create subscription: %w", core.ErrDuplicateKey)
			}
			return fmt.Errorf("create subscription: %w", err)
		}

		return nil
	})
}

func (s *SQL) UpdateSubscription(
	ctx context.Context,
	externalSubscriptionID string,
	patch SubscriptionPatch,
) (*Subscription, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fmt.Errorf(
			"update subscription: invalid status %q: %w",
			*patch.Status,
			core.ErrInvalidInput,
		)
	}

	now := s.clock()
	var updated *Subscription

	err := core.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		sub, err := getByExternalID(ctx, tx, externalSubscriptionID)
		if err != nil {
			return err
		}

		wasActive := sub.Status == StatusActive
		patch.Apply(sub)
		sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.Truncate(time.Second)
		sub.UpdatedAt = now

		if sub.Status == StatusActive && !wasActive {
			if err := demoteActive(ctx, tx, sub.UserID, sub.ID, now); err != nil {
				return err
			}
		}

		query := tx.Rebind(`
			UPDATE subscriptions
			SET status = ?, current_period_end = ?, cancel_at_period_end = ?,
			    external_customer_id = ?, external_price_id = ?,
			    last_event_at = ?, updated_at = ?
			WHERE id = ?`)

		_, err = tx.ExecContext(ctx, query,
			string(sub.Status),
			sub.CurrentPeriodEnd,
			sub.CancelAtPeriodEnd,
			sub.ExternalCustomerID,
			sub.ExternalPriceID,
			sub.LastEventAt,
			sub.UpdatedAt,
			sub.ID,
		)
		if err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}

		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (s *SQL) GetSubscriptionByExternalID(
	ctx context.Context,
	externalSubscriptionID string,
) (*Subscription, error) {
	return getByExternalID(ctx, s.db, externalSubscriptionID)
}

func getByExternalID(
	ctx context.Context,
	db core.DBTX,
	externalSubscriptionID string,
) (*Subscription, error) {
	query := db.Rebind(`
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE external_subscription_id = ?`)

	var sub Subscription
	err := db.GetContext(ctx, &sub, query, externalSubscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get subscription: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	return &sub, nil
}

func demoteActive(
	ctx context.Context,
	db core.DBTX,
	userID, keepID string,
	now time.Time,
) error {
	query := db.Rebind(`
		UPDATE subscriptions
		SET status = ?, updated_at = ?
		WHERE user_id = ? AND status = ? AND id <> ?`)

	_, err := db.ExecContext(ctx, query,
		string(StatusCanceled),
		now,
		userID,
		string(StatusActive),
		keepID,
	)
	if err != nil {
		return fmt.Errorf("demote active subscriptions: %w", err)
	}

	return nil
}

func (s *SQL) RecordUsageEvent(ctx context.Context, ev *UsageEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.clock()
	}

	query := s.db.Rebind(`
		INSERT INTO usage_events (id, user_id, document_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query,
		ev.ID,
		ev.UserID,
		ev.DocumentType,
		ev.Metadata,
		ev.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record usage event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record usage event: %w", err)
	}

	return n > 0, nil
}

func (s *SQL) UsageEventExists(ctx context.Context, eventID string) (bool, error) {
	query := s.db.Rebind(`SELECT COUNT(*) FROM usage_events WHERE id = ?`)

	var n int
	if err := s.db.GetContext(ctx, &n, query, eventID); err != nil {
		return false, fmt.Errorf("check usage event: %w", err)
	}

	return n > 0, nil
}

func (s *SQL) GetUsageCount(ctx context.Context, userID string) (int, error) {
	query := s.db.Rebind(`SELECT COUNT(*) FROM usage_events WHERE user_id = ?`)

	var count int
	if err := s.db.GetContext(ctx, &count, query, userID); err != nil {
		return 0, fmt.Errorf("get usage count: %w", err)
	}

	return count, nil
}

func (s *SQL) IncrementDenormalizedCounter(ctx context.Context, userID string) error {
	now := s.clock()
	query := s.db.Rebind(`
		INSERT INTO users (id, worksheet_count, created_at, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET worksheet_count = users.worksheet_count + 1,
		    updated_at = excluded.updated_at`)

	if _, err := s.db.ExecContext(ctx, query, userID, now, now); err != nil {
		return fmt.Errorf("increment worksheet count: %w", err)
	}

	return nil
}

func (s *SQL) RebuildUsageCounter(ctx context.Context, userID string) (int, error) {
	now := s.clock()
	var count int

	err := core.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		countQuery := tx.Rebind(`SELECT COUNT(*) FROM usage_events WHERE user_id = ?`)
		if err := tx.GetContext(ctx, &count, countQuery, userID); err != nil {
			return fmt.Errorf("count usage events: %w", err)
		}

		query := tx.Rebind(`
			INSERT INTO users (id, worksheet_count, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE
			SET worksheet_count = excluded.worksheet_count,
			    updated_at = excluded.updated_at`)
		if _, err := tx.ExecContext(ctx, query, userID, count, now, now); err != nil {
			return fmt.Errorf("rebuild worksheet count: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

func (s *SQL) ExpireLapsedSubscriptions(
	ctx context.Context,
	now time.Time,
) ([]string, error) {
	now = now.UTC().Truncate(time.Second)
	var userIDs []string

	err := core.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		selectQuery := tx.Rebind(`
			SELECT DISTINCT user_id
			FROM subscriptions
			WHERE status = ? AND cancel_at_period_end = ? AND current_period_end <= ?`)
		if err := tx.SelectContext(ctx, &userIDs, selectQuery,
			string(StatusActive), true, now,
		); err != nil {
			return fmt.Errorf("find lapsed subscriptions: %w", err)
		}

		if len(userIDs) == 0 {
			return nil
		}

		updateQuery := tx.Rebind(`
			UPDATE subscriptions
			SET status = ?, updated_at = ?
			WHERE status = ? AND cancel_at_period_end = ? AND current_period_end <= ?`)
		if _, err := tx.ExecContext(ctx, updateQuery,
			string(StatusExpired), now, string(StatusActive), true, now,
		); err != nil {
			return fmt.Errorf("expire lapsed subscriptions: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return userIDs, nil
}

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	return false
}

var _ Gateway = (*SQL)(nil)

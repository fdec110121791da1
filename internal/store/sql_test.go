// AngelaMos | 2026
// sql_test.go

package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carterperez-dev/entitlement-engine/internal/core"
	"github.com/carterperez-dev/entitlement-engine/internal/retry"
)

var subscriptionColumnNames = []string{
	"id", "user_id", "external_subscription_id", "external_customer_id",
	"external_price_id", "status", "current_period_end", "cancel_at_period_end",
	"last_event_at", "created_at", "updated_at",
}

func newMockGateway(t *testing.T) (*SQL, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gw := NewSQL(sqlx.NewDb(db, "pgx"), WithNow(func() time.Time { return now }))
	return gw, mock
}

func TestSQLGetActiveSubscriptionUsesPostgresPlaceholders(t *testing.T) {
	gw, mock := newMockGateway(t)
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(subscriptionColumnNames).AddRow(
		"s1", "u1", "sub_1", "cus_1", "price_1", "active", end, false, nil,
		end.AddDate(0, -1, 0), end.AddDate(0, -1, 0),
	)
	mock.ExpectQuery(`WHERE user_id = \$1 AND status IN \(\$2, \$3\)`).
		WithArgs("u1", "active", "past_due", "active").
		WillReturnRows(rows)

	sub, err := gw.GetActiveSubscription(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "sub_1", sub.ExternalSubscriptionID)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Nil(t, sub.LastEventAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetActiveSubscriptionNoRows(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectQuery("SELECT (.+) FROM subscriptions").
		WillReturnRows(sqlmock.NewRows(subscriptionColumnNames))

	sub, err := gw.GetActiveSubscription(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, sub)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLTransientErrorKeepsClassification(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("u1").
		WillReturnError(&pgconn.PgError{Code: "40001"})

	_, err := gw.GetUsageCount(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, retry.KindServer, retry.Classify(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLCreateSubscriptionDuplicate(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE subscriptions SET status").
		WithArgs("canceled", sqlmock.AnyArg(), "u1", "active", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO subscriptions").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := gw.CreateSubscription(context.Background(), &Subscription{
		UserID:                 "u1",
		ExternalSubscriptionID: "sub_1",
		Status:                 StatusActive,
		CurrentPeriodEnd:       time.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, core.ErrDuplicateKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLCreatePastDueSkipsDemotion(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO subscriptions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sub := &Subscription{
		UserID:                 "u1",
		ExternalSubscriptionID: "sub_1",
		Status:                 StatusPastDue,
		CurrentPeriodEnd:       time.Now().Add(time.Hour),
	}
	require.NoError(t, gw.CreateSubscription(context.Background(), sub))
	assert.NotEmpty(t, sub.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLUpdateSubscriptionNotFoundRollsBack(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM subscriptions").
		WithArgs("sub_missing").
		WillReturnRows(sqlmock.NewRows(subscriptionColumnNames))
	mock.ExpectRollback()

	status := StatusCanceled
	_, err := gw.UpdateSubscription(context.Background(), "sub_missing", SubscriptionPatch{
		Status: &status,
	})
	assert.ErrorIs(t, err, core.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRecordUsageEventConflict(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectExec("INSERT INTO usage_events").
		WithArgs("evt_1", "u1", "worksheet", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := gw.RecordUsageEvent(context.Background(), &UsageEvent{
		ID:           "evt_1",
		UserID:       "u1",
		DocumentType: "worksheet",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLUsageEventExists(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM usage_events WHERE id = \$1`).
		WithArgs("evt_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	exists, err := gw.UsageEventExists(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLIncrementDenormalizedCounter(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectExec("INSERT INTO users").
		WithArgs("u1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, gw.IncrementDenormalizedCounter(context.Background(), "u1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMetadataScan(t *testing.T) {
	var m Metadata
	require.NoError(t, m.Scan(`{"subject":"science"}`))
	assert.Equal(t, "science", m["subject"])

	require.NoError(t, m.Scan(nil))
	assert.Empty(t, m)

	assert.Error(t, m.Scan(42))

	v, err := Metadata(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)
}

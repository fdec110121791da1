// AngelaMos | 2026
// service_test.go

package user

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carterperez-dev/entitlement-engine/internal/cache"
	"github.com/carterperez-dev/entitlement-engine/internal/core"
	"github.com/carterperez-dev/entitlement-engine/internal/middleware"
	"github.com/carterperez-dev/entitlement-engine/internal/store"
)

type countingRepo struct {
	Repository
	upserts int
}

func (r *countingRepo) Upsert(ctx context.Context, u *User) (*User, error) {
	r.upserts++
	return r.Repository.Upsert(ctx, u)
}

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err = store.Migrate(context.Background(), db, "sqlite", logger)
	require.NoError(t, err)

	return db
}

func newTestService(t *testing.T) (*Service, *countingRepo, *time.Time) {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	mem, err := cache.NewMemory(64, cache.WithClock(clock))
	require.NoError(t, err)

	repo := &countingRepo{Repository: NewRepository(newTestDB(t))}
	svc := NewService(repo,
		WithSeenCache(mem, time.Minute),
		WithClock(clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return svc, repo, &now
}

func TestTouchCreatesAndRefreshesUser(t *testing.T) {
	svc, repo, now := newTestService(t)
	ctx := context.Background()

	id := &middleware.Identity{
		UserID: "u1",
		Email:  "a@school.example",
		Name:   "Ada",
		Role:   RoleStandard,
	}
	require.NoError(t, svc.Touch(ctx, id))

	u, err := svc.GetMe(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a@school.example", u.Email)
	assert.Equal(t, RoleStandard, u.Role)
	require.NotNil(t, u.LastSeenAt)

	require.NoError(t, svc.Touch(ctx, id))
	assert.Equal(t, 1, repo.upserts, "second touch inside the interval is skipped")

	*now = now.Add(2 * time.Minute)
	id.Name = "Ada L."
	require.NoError(t, svc.Touch(ctx, id))
	assert.Equal(t, 2, repo.upserts)

	u, err = svc.GetMe(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", u.Name)
}

func TestTouchKeepsUsageCounter(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	db := repo.Repository.(*repository).db

	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, worksheet_count, created_at, updated_at)
		VALUES ('u1', 2, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	require.NoError(t, svc.Touch(ctx, &middleware.Identity{
		UserID: "u1",
		Email:  "a@school.example",
		Role:   RoleStandard,
	}))

	u, err := svc.GetMe(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, u.WorksheetCount)
	assert.Equal(t, "a@school.example", u.Email)
}

func TestStoredRoleOverridesToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Touch(ctx, &middleware.Identity{
		UserID: "u1",
		Role:   RoleStandard,
	}))

	_, err := svc.UpdateUserRole(ctx, "u1", RoleAdministrator)
	require.NoError(t, err)

	id := &middleware.Identity{UserID: "u1", Role: RoleStandard}
	require.NoError(t, svc.Touch(ctx, id))
	assert.Equal(t, RoleAdministrator, id.Role)

	id = &middleware.Identity{UserID: "u1", Role: RoleStandard}
	require.NoError(t, svc.Touch(ctx, id))
	assert.Equal(t, RoleAdministrator, id.Role, "role served from the seen cache")
}

func TestTokenAdministratorPromotes(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Touch(ctx, &middleware.Identity{UserID: "u1", Role: RoleStandard}))
	_, err := svc.UpdateUserRole(ctx, "u1", RoleStandard)
	require.NoError(t, err)

	id := &middleware.Identity{UserID: "u1", Role: RoleAdministrator}
	require.NoError(t, svc.Touch(ctx, id))
	assert.Equal(t, RoleAdministrator, id.Role)

	u, err := svc.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, RoleAdministrator, u.Role)
}

func TestUpdateUserRoleErrors(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpdateUserRole(ctx, "ghost", RoleAdministrator)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = svc.UpdateUserRole(ctx, "ghost", "owner")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestListUsersFiltersAndPaginates(t *testing.T) {
	svc, _, now := newTestService(t)
	ctx := context.Background()

	people := []middleware.Identity{
		{UserID: "u1", Email: "ada@school.example", Name: "Ada", Role: RoleStandard},
		{UserID: "u2", Email: "grace@school.example", Name: "Grace", Role: RoleAdministrator},
		{UserID: "u3", Email: "alan@other.example", Name: "Alan", Role: RoleStandard},
		{UserID: "u4", Email: "odd_name@school.example", Name: "100%", Role: RoleStandard},
	}
	for i := range people {
		*now = now.Add(time.Second)
		require.NoError(t, svc.Touch(ctx, &people[i]))
	}

	users, total, err := svc.ListUsers(ctx, ListUsersParams{Search: "SCHOOL"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, users, 3)
	assert.Equal(t, "u4", users[0].ID, "newest first")

	users, total, err = svc.ListUsers(ctx, ListUsersParams{Role: RoleAdministrator})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "u2", users[0].ID)

	users, total, err = svc.ListUsers(ctx, ListUsersParams{Search: "%"})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "wildcards are matched literally")
	assert.Equal(t, "u4", users[0].ID)

	users, total, err = svc.ListUsers(ctx, ListUsersParams{Page: 2, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].ID)
}

func TestListUsersParamsNormalize(t *testing.T) {
	p := ListUsersParams{Page: -1, PageSize: 500}
	p.Normalize()
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 100, p.PageSize)
	assert.Equal(t, 0, p.Offset())

	p = ListUsersParams{Page: 3}
	p.Normalize()
	assert.Equal(t, 20, p.PageSize)
	assert.Equal(t, 40, p.Offset())
}

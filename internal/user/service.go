// AngelaMos | 2026
// service.go

package user

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carterperez-dev/entitlement-engine/internal/cache"
	"github.com/carterperez-dev/entitlement-engine/internal/core"
	"github.com/carterperez-dev/entitlement-engine/internal/middleware"
)

type Service struct {
	repo          Repository
	seen          cache.Store
	touchInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

type Option func(*Service)

// WithSeenCache throttles Touch so a user is written at most once per
// interval. The cached value is the stored role.
func WithSeenCache(store cache.Store, interval time.Duration) Option {
	return func(s *Service) {
		s.seen = store
		s.touchInterval = interval
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Touch upserts the caller's directory row and replaces id.Role with the
// stored role, so roles granted through the admin API take effect.
func (s *Service) Touch(ctx context.Context, id *middleware.Identity) error {
	if role, ok := s.cachedRole(ctx, id.UserID); ok {
		if id.Role != RoleAdministrator {
			id.Role = role
		}
		return nil
	}

	now := s.now().UTC()
	stored, err := s.repo.Upsert(ctx, &User{
		ID:         id.UserID,
		Email:      id.Email,
		Name:       id.Name,
		Role:       id.Role,
		LastSeenAt: &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return err
	}

	id.Role = stored.Role

	if s.seen != nil && s.touchInterval > 0 {
		err := s.seen.Set(ctx, cache.NamespaceUserSeen, id.UserID,
			[]byte(stored.Role), s.touchInterval)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to cache user touch",
				"user_id", id.UserID,
				"error", err,
			)
		}
	}

	return nil
}

func (s *Service) cachedRole(ctx context.Context, userID string) (string, bool) {
	if s.seen == nil {
		return "", false
	}

	raw, ok, err := s.seen.Get(ctx, cache.NamespaceUserSeen, userID)
	if err != nil || !ok {
		return "", false
	}

	role := string(raw)
	if !ValidRole(role) {
		return "", false
	}
	return role, true
}

func (s *Service) GetMe(ctx context.Context, userID string) (*User, error) {
	return s.repo.GetByID(ctx, userID)
}

func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	return s.repo.GetByID(ctx, userID)
}

func (s *Service) ListUsers(
	ctx context.Context,
	params ListUsersParams,
) ([]User, int, error) {
	params.Normalize()
	return s.repo.List(ctx, params)
}

func (s *Service) UpdateUserRole(
	ctx context.Context,
	userID, role string,
) (*User, error) {
	if !ValidRole(role) {
		return nil, fmt.Errorf("update role %q: %w", role, core.ErrInvalidInput)
	}

	u, err := s.repo.UpdateRole(ctx, userID, role)
	if err != nil {
		return nil, err
	}

	if s.seen != nil {
		if err := s.seen.Delete(ctx, cache.NamespaceUserSeen, userID); err != nil {
			s.logger.WarnContext(ctx, "failed to drop cached role",
				"user_id", userID,
				"error", err,
			)
		}
	}

	s.logger.InfoContext(ctx, "user role updated",
		"user_id", userID,
		"role", role,
	)

	return u, nil
}

var _ middleware.UserToucher = (*Service)(nil)

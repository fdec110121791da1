// AngelaMos | 2026
// service.go

package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/carterperez-dev/entitlement-engine/internal/cache"
	"github.com/carterperez-dev/entitlement-engine/internal/core"
	"github.com/carterperez-dev/entitlement-engine/internal/metrics"
	"github.com/carterperez-dev/entitlement-engine/internal/retry"
	"github.com/carterperez-dev/entitlement-engine/internal/store"
)

const tracerName = "entitlement"

// BillingProvider propagates user-initiated plan changes to the payment
// provider before they are stored locally.
type BillingProvider interface {
	SetCancelAtPeriodEnd(
		ctx context.Context,
		externalSubscriptionID string,
		cancel bool,
	) error
}

type Config struct {
	FreeLimit   int
	StatusTTL   time.Duration
	DecisionTTL time.Duration
}

type Service struct {
	gateway  store.Gateway
	cache    *cache.Cache
	policy   *retry.Policy
	provider BillingProvider
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

type Option func(*Service)

func WithProvider(p BillingProvider) Option {
	return func(s *Service) { s.provider = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(
	gateway store.Gateway,
	c *cache.Cache,
	policy *retry.Policy,
	cfg Config,
	opts ...Option,
) *Service {
	s := &Service{
		gateway: gateway,
		cache:   c,
		policy:  policy,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) FreeLimit() int {
	return s.cfg.FreeLimit
}

func (s *Service) GetSubscriptionStatus(
	ctx context.Context,
	userID string,
) (_ *Status, err error) {
	ctx, span := core.StartSpan(ctx, tracerName, "entitlement.GetSubscriptionStatus",
		attribute.String("user.id", userID),
	)
	defer func() { core.EndSpan(span, err) }()

	return cache.GetOrCompute(ctx, s.cache,
		cache.NamespaceSubscriptionStatus,
		userID,
		s.cfg.StatusTTL,
		func(ctx context.Context) (*Status, error) {
			return s.computeStatus(ctx, userID)
		},
	)
}

func (s *Service) CanGenerateDocument(
	ctx context.Context,
	userID string,
) (_ *Decision, err error) {
	ctx, span := core.StartSpan(ctx, tracerName, "entitlement.CanGenerateDocument",
		attribute.String("user.id", userID),
	)
	defer func() { core.EndSpan(span, err) }()

	d, err := cache.GetOrCompute(ctx, s.cache,
		cache.NamespaceCanGenerate,
		userID,
		s.cfg.DecisionTTL,
		func(ctx context.Context) (*Decision, error) {
			st, err := s.computeStatus(ctx, userID)
			if err != nil {
				return nil, err
			}
			d := decide(st, s.cfg.FreeLimit)
			if !d.CanGenerate {
				s.metrics.ObserveQuotaDenial()
			}
			return d, nil
		},
	)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Bool("entitlement.can_generate", d.CanGenerate))

	return d, nil
}

// RecordDocumentUsage counts one generated document under a fresh event id.
func (s *Service) RecordDocumentUsage(
	ctx context.Context,
	userID, documentType string,
	metadata store.Metadata,
) (*UsageResult, error) {
	return s.RecordDocumentUsageWithKey(ctx, "", userID, documentType, metadata)
}

// RecordDocumentUsageWithKey counts one generated document. Repeating a call
// with the same eventID does not count the document again and reports a
// duplicate success, even once the quota is used up.
func (s *Service) RecordDocumentUsageWithKey(
	ctx context.Context,
	eventID, userID, documentType string,
	metadata store.Metadata,
) (_ *UsageResult, err error) {
	ctx, span := core.StartSpan(ctx, tracerName, "entitlement.RecordDocumentUsage",
		attribute.String("user.id", userID),
		attribute.String("usage.document_type", documentType),
	)
	defer func() { core.EndSpan(span, err) }()

	if eventID == "" {
		eventID = uuid.NewString()
	} else {
		replayed, err := s.replayedUsage(ctx, eventID, userID)
		if err != nil {
			return nil, err
		}
		if replayed != nil {
			return replayed, nil
		}
	}

	before, err := s.computeStatus(ctx, userID)
	if err != nil {
		return nil, err
	}

	decision := decide(before, s.cfg.FreeLimit)
	if !decision.CanGenerate {
		s.metrics.ObserveQuotaDenial()
		s.logger.InfoContext(ctx, "usage denied by quota",
			"user_id", userID,
			"current", before.Usage.Current,
			"limit", s.cfg.FreeLimit,
		)
		return &UsageResult{
			Success: false,
			Code:    decision.Code,
			Reason:  decision.Reason,
		}, nil
	}

	ev := &store.UsageEvent{
		ID:           eventID,
		UserID:       userID,
		DocumentType: documentType,
		Metadata:     metadata,
	}
	inserted, err := retry.Do(ctx, s.policy, "record_usage_event",
		func(ctx context.Context) (bool, error) {
			return s.gateway.RecordUsageEvent(ctx, ev)
		},
	)
	if err != nil {
		return nil, err
	}

	if inserted {
		// The event row is authoritative. RebuildUsage repairs a lagging
		// counter.
		if err := s.policy.Run(ctx, "increment_usage_counter",
			func(ctx context.Context) error {
				return s.gateway.IncrementDenormalizedCounter(ctx, userID)
			},
		); err != nil {
			s.logger.WarnContext(ctx, "usage counter not incremented",
				"user_id", userID,
				"event_id", eventID,
				"error", err,
			)
		}
		s.metrics.ObserveUsage()
	}

	s.invalidate(ctx, userID)

	result := &UsageResult{
		Success:   true,
		EventID:   eventID,
		Duplicate: !inserted,
	}

	after, err := s.GetSubscriptionStatus(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "usage recorded but status refresh failed",
			"user_id", userID,
			"error", err,
		)
		after = before
		if inserted {
			after.Usage.Current++
		}
	}
	result.RemainingUses = after.Remaining()

	return result, nil
}

// replayedUsage returns the duplicate result for an event id that is already
// stored, or nil when the id is new.
func (s *Service) replayedUsage(
	ctx context.Context,
	eventID, userID string,
) (*UsageResult, error) {
	exists, err := retry.Do(ctx, s.policy, "check_usage_event",
		func(ctx context.Context) (bool, error) {
			return s.gateway.UsageEventExists(ctx, eventID)
		},
	)
	if err != nil || !exists {
		return nil, err
	}

	st, err := s.GetSubscriptionStatus(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &UsageResult{
		Success:       true,
		EventID:       eventID,
		Duplicate:     true,
		RemainingUses: st.Remaining(),
	}, nil
}

func (s *Service) CancelSubscription(
	ctx context.Context,
	userID string,
) (_ *CancelResult, err error) {
	ctx, span := core.StartSpan(ctx, tracerName, "entitlement.CancelSubscription",
		attribute.String("user.id", userID),
	)
	defer func() { core.EndSpan(span, err) }()

	sub, err := s.activeSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return &CancelResult{
			Code:   CodeNoActiveSubscription,
			Reason: "There is no active subscription to cancel.",
		}, nil
	}

	if sub.CancelAtPeriodEnd {
		end := sub.CurrentPeriodEnd
		return &CancelResult{Success: true, CancelAt: &end}, nil
	}

	updated, err := s.setCancelAtPeriodEnd(ctx, sub, true)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription set to cancel at period end",
		"user_id", userID,
		"subscription_id", updated.ExternalSubscriptionID,
		"cancel_at", updated.CurrentPeriodEnd,
	)

	end := updated.CurrentPeriodEnd
	return &CancelResult{Success: true, CancelAt: &end}, nil
}

func (s *Service) ReactivateSubscription(
	ctx context.Context,
	userID string,
) (_ *ReactivateResult, err error) {
	ctx, span := core.StartSpan(ctx, tracerName, "entitlement.ReactivateSubscription",
		attribute.String("user.id", userID),
	)
	defer func() { core.EndSpan(span, err) }()

	sub, err := s.activeSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return &ReactivateResult{
			Code:   CodeNoActiveSubscription,
			Reason: "There is no active subscription to reactivate.",
		}, nil
	}

	if !sub.CancelAtPeriodEnd {
		return &ReactivateResult{
			Code:   CodeNotPendingCancellation,
			Reason: "The subscription is not scheduled for cancellation.",
		}, nil
	}

	if _, err := s.setCancelAtPeriodEnd(ctx, sub, false); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription reactivated",
		"user_id", userID,
		"subscription_id", sub.ExternalSubscriptionID,
	)

	return &ReactivateResult{Success: true}, nil
}

// InvalidateUser drops every cached entry derived from the user's state.
func (s *Service) InvalidateUser(ctx context.Context, userID string) error {
	return errors.Join(
		s.cache.Invalidate(ctx, cache.NamespaceSubscriptionStatus, userID),
		s.cache.Invalidate(ctx, cache.NamespaceCanGenerate, userID),
	)
}

// ExpireLapsed moves cancel-pending subscriptions past their period end to
// expired and returns how many users were affected.
func (s *Service) ExpireLapsed(ctx context.Context) (_ int, err error) {
	ctx, span := core.StartSpan(ctx, tracerName, "entitlement.ExpireLapsed")
	defer func() { core.EndSpan(span, err) }()

	now := s.now()
	userIDs, err := retry.Do(ctx, s.policy, "expire_lapsed_subscriptions",
		func(ctx context.Context) ([]string, error) {
			return s.gateway.ExpireLapsedSubscriptions(ctx, now)
		},
	)
	if err != nil {
		return 0, err
	}

	for _, id := range userIDs {
		s.invalidate(ctx, id)
	}
	s.metrics.ObserveExpired(len(userIDs))

	return len(userIDs), nil
}

// RebuildUsage recomputes the user's denormalized usage counter from the
// event history.
func (s *Service) RebuildUsage(ctx context.Context, userID string) (_ int, err error) {
	ctx, span := core.StartSpan(ctx, tracerName, "entitlement.RebuildUsage",
		attribute.String("user.id", userID),
	)
	defer func() { core.EndSpan(span, err) }()

	n, err := retry.Do(ctx, s.policy, "rebuild_usage_counter",
		func(ctx context.Context) (int, error) {
			return s.gateway.RebuildUsageCounter(ctx, userID)
		},
	)
	if err != nil {
		return 0, err
	}

	s.invalidate(ctx, userID)
	return n, nil
}

// ComputeStatus derives the user's status straight from the store,
// bypassing and leaving the cache untouched.
func (s *Service) ComputeStatus(ctx context.Context, userID string) (*Status, error) {
	return s.computeStatus(ctx, userID)
}

func (s *Service) computeStatus(ctx context.Context, userID string) (*Status, error) {
	sub, err := retry.Do(ctx, s.policy, "get_active_subscription",
		func(ctx context.Context) (*store.Subscription, error) {
			return s.gateway.GetActiveSubscription(ctx, userID)
		},
	)
	if err != nil {
		return nil, err
	}

	count, err := retry.Do(ctx, s.policy, "get_usage_count",
		func(ctx context.Context) (int, error) {
			return s.gateway.GetUsageCount(ctx, userID)
		},
	)
	if err != nil {
		return nil, err
	}

	return deriveStatus(sub, count, s.cfg.FreeLimit, s.now()), nil
}

// activeSubscription returns the user's subscription only when its status
// is active.
func (s *Service) activeSubscription(
	ctx context.Context,
	userID string,
) (*store.Subscription, error) {
	sub, err := retry.Do(ctx, s.policy, "get_active_subscription",
		func(ctx context.Context) (*store.Subscription, error) {
			return s.gateway.GetActiveSubscription(ctx, userID)
		},
	)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.Status != store.StatusActive {
		return nil, nil
	}
	return sub, nil
}

// setCancelAtPeriodEnd updates the provider first so a provider rejection
// leaves local state untouched.
func (s *Service) setCancelAtPeriodEnd(
	ctx context.Context,
	sub *store.Subscription,
	cancel bool,
) (*store.Subscription, error) {
	if s.provider != nil {
		if err := s.policy.Run(ctx, "provider_set_cancel_at_period_end",
			func(ctx context.Context) error {
				return s.provider.SetCancelAtPeriodEnd(ctx, sub.ExternalSubscriptionID, cancel)
			},
		); err != nil {
			return nil, err
		}
	}

	updated, err := retry.Do(ctx, s.policy, "update_subscription",
		func(ctx context.Context) (*store.Subscription, error) {
			return s.gateway.UpdateSubscription(ctx, sub.ExternalSubscriptionID,
				store.SubscriptionPatch{CancelAtPeriodEnd: &cancel},
			)
		},
	)
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, sub.UserID)
	return updated, nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if err := s.InvalidateUser(ctx, userID); err != nil {
		s.logger.ErrorContext(ctx, "cache invalidation failed",
			"user_id", userID,
			"error", fmt.Errorf("invalidate user: %w", err),
		)
	}
}

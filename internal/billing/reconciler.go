// AngelaMos | 2026
// reconciler.go

package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/carterperez-dev/entitlement-engine/internal/core"
	"github.com/carterperez-dev/entitlement-engine/internal/metrics"
	"github.com/carterperez-dev/entitlement-engine/internal/retry"
	"github.com/carterperez-dev/entitlement-engine/internal/store"
)

const tracerName = "billing"

type Result string

const (
	ResultCreated   Result = "created"
	ResultUpdated   Result = "updated"
	ResultStale     Result = "stale"
	ResultIgnored   Result = "ignored"
	ResultUnmatched Result = "unmatched"
	ResultFailed    Result = "failed"
)

// Invalidator drops a user's cached entitlement state.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID string) error
}

// Reconciler applies provider lifecycle events to the subscription store.
// Every transition overwrites fields by external id, so redelivered events
// are harmless.
type Reconciler struct {
	gateway     store.Gateway
	policy      *retry.Policy
	invalidator Invalidator
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

type ReconcilerOption func(*Reconciler)

func WithMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func WithLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = logger }
}

func NewReconciler(
	gw store.Gateway,
	policy *retry.Policy,
	invalidator Invalidator,
	opts ...ReconcilerOption,
) *Reconciler {
	r := &Reconciler{
		gateway:     gw,
		policy:      policy,
		invalidator: invalidator,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Reconciler) Apply(ctx context.Context, ev Event) (res Result, err error) {
	ctx, span := core.StartSpan(ctx, tracerName, "billing.Apply",
		attribute.String("billing.event_type", ev.Type),
		attribute.String("billing.subscription_id", ev.ExternalSubscriptionID),
	)
	defer func() {
		result := res
		if err != nil {
			result = ResultFailed
		}
		r.metrics.ObserveWebhook(ev.Type, string(result))
		core.EndSpan(span, err)
	}()

	logger := r.logger.With(
		"event_id", ev.ID,
		"event_type", ev.Type,
		"subscription_id", ev.ExternalSubscriptionID,
	)

	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return r.upsert(ctx, logger, ev)
	case EventSubscriptionDeleted:
		return r.transition(ctx, logger, ev, store.StatusCanceled)
	case EventPaymentSucceeded, EventInvoicePaid:
		return r.transition(ctx, logger, ev, store.StatusActive)
	case EventPaymentFailed:
		return r.transition(ctx, logger, ev, store.StatusPastDue)
	}

	logger.InfoContext(ctx, "ignoring unhandled billing event")
	return ResultIgnored, nil
}

func (r *Reconciler) upsert(
	ctx context.Context,
	logger *slog.Logger,
	ev Event,
) (Result, error) {
	status, ok := MapStatus(ev.Status)
	if !ok {
		logger.WarnContext(ctx, "ignoring subscription with unknown status",
			"status", ev.Status,
		)
		return ResultIgnored, nil
	}

	existing, err := r.lookup(ctx, ev.ExternalSubscriptionID)
	if err != nil {
		return "", err
	}

	if existing == nil {
		if ev.UserID == "" {
			logger.WarnContext(ctx, "subscription event has no user id")
			return ResultUnmatched, nil
		}

		sub := &store.Subscription{
			UserID:                 ev.UserID,
			ExternalSubscriptionID: ev.ExternalSubscriptionID,
			ExternalCustomerID:     ev.CustomerID,
			ExternalPriceID:        ev.PriceID,
			Status:                 status,
			CancelAtPeriodEnd:      ev.CancelAtPeriodEnd,
			LastEventAt:            &ev.CreatedAt,
		}
		if end := ev.periodEnd(); end != nil {
			sub.CurrentPeriodEnd = *end
		}

		err := r.policy.Run(ctx, "create_subscription", func(ctx context.Context) error {
			return r.gateway.CreateSubscription(ctx, sub)
		})
		if err == nil {
			logger.InfoContext(ctx, "subscription created",
				"user_id", sub.UserID,
				"status", status,
			)
			r.invalidate(ctx, logger, sub.UserID)
			return ResultCreated, nil
		}
		if !errors.Is(err, core.ErrDuplicateKey) {
			return "", err
		}

		// A concurrent delivery inserted the row first.
		existing, err = r.lookup(ctx, ev.ExternalSubscriptionID)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return "", fmt.Errorf("subscription %s vanished after duplicate insert",
				ev.ExternalSubscriptionID)
		}
	}

	if stale(existing, ev) {
		logger.InfoContext(ctx, "skipping out-of-order billing event",
			"event_at", ev.CreatedAt,
			"last_event_at", existing.LastEventAt,
		)
		return ResultStale, nil
	}

	patch := store.SubscriptionPatch{
		Status:            &status,
		CurrentPeriodEnd:  ev.periodEnd(),
		CancelAtPeriodEnd: &ev.CancelAtPeriodEnd,
		LastEventAt:       &ev.CreatedAt,
	}
	if ev.CustomerID != "" {
		patch.ExternalCustomerID = &ev.CustomerID
	}
	if ev.PriceID != "" {
		patch.ExternalPriceID = &ev.PriceID
	}

	return r.patch(ctx, logger, ev, patch)
}

func (r *Reconciler) transition(
	ctx context.Context,
	logger *slog.Logger,
	ev Event,
	status store.SubscriptionStatus,
) (Result, error) {
	existing, err := r.lookup(ctx, ev.ExternalSubscriptionID)
	if err != nil {
		return "", err
	}
	if existing == nil {
		logger.WarnContext(ctx, "billing event for unknown subscription")
		return ResultUnmatched, nil
	}

	if stale(existing, ev) {
		logger.InfoContext(ctx, "skipping out-of-order billing event",
			"event_at", ev.CreatedAt,
			"last_event_at", existing.LastEventAt,
		)
		return ResultStale, nil
	}

	return r.patch(ctx, logger, ev, store.SubscriptionPatch{
		Status:      &status,
		LastEventAt: &ev.CreatedAt,
	})
}

func (r *Reconciler) patch(
	ctx context.Context,
	logger *slog.Logger,
	ev Event,
	patch store.SubscriptionPatch,
) (Result, error) {
	sub, err := retry.Do(ctx, r.policy, "update_subscription",
		func(ctx context.Context) (*store.Subscription, error) {
			return r.gateway.UpdateSubscription(ctx, ev.ExternalSubscriptionID, patch)
		},
	)
	if errors.Is(err, core.ErrNotFound) {
		logger.WarnContext(ctx, "subscription disappeared before update")
		return ResultUnmatched, nil
	}
	if err != nil {
		return "", err
	}

	logger.InfoContext(ctx, "subscription updated",
		"user_id", sub.UserID,
		"status", sub.Status,
		"cancel_at_period_end", sub.CancelAtPeriodEnd,
	)
	r.invalidate(ctx, logger, sub.UserID)
	return ResultUpdated, nil
}

func (r *Reconciler) lookup(ctx context.Context, externalID string) (*store.Subscription, error) {
	sub, err := retry.Do(ctx, r.policy, "get_subscription_by_external_id",
		func(ctx context.Context) (*store.Subscription, error) {
			return r.gateway.GetSubscriptionByExternalID(ctx, externalID)
		},
	)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	return sub, err
}

// stale reports whether ev predates the last event applied to sub. Equal
// timestamps are re-applied.
func stale(sub *store.Subscription, ev Event) bool {
	return sub.LastEventAt != nil &&
		!ev.CreatedAt.IsZero() &&
		ev.CreatedAt.Before(*sub.LastEventAt)
}

func (r *Reconciler) invalidate(ctx context.Context, logger *slog.Logger, userID string) {
	if r.invalidator == nil {
		return
	}
	if err := r.invalidator.InvalidateUser(ctx, userID); err != nil {
		logger.ErrorContext(ctx, "cache invalidation failed",
			"user_id", userID,
			"error", err,
		)
	}
}

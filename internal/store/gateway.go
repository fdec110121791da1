// AngelaMos | 2026
// gateway.go

package store

import (
	"context"
	"time"
)

// Gateway is the single durable writer for subscriptions, usage events and
// the denormalized per-user counter.
type Gateway interface {
	// GetActiveSubscription returns the user's live subscription (active
	// preferred over past_due, newest first) or nil when there is none.
	GetActiveSubscription(ctx context.Context, userID string) (*Subscription, error)

	// CreateSubscription inserts sub. An active insert demotes any other
	// active subscription of the same user to canceled.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription overwrites the patched fields of the subscription
	// with the given external id. Returns core.ErrNotFound when absent.
	UpdateSubscription(
		ctx context.Context,
		externalSubscriptionID string,
		patch SubscriptionPatch,
	) (*Subscription, error)

	// GetSubscriptionByExternalID returns core.ErrNotFound when absent.
	GetSubscriptionByExternalID(
		ctx context.Context,
		externalSubscriptionID string,
	) (*Subscription, error)

	// RecordUsageEvent appends ev, reporting false when an event with the
	// same id was already stored.
	RecordUsageEvent(ctx context.Context, ev *UsageEvent) (bool, error)

	UsageEventExists(ctx context.Context, eventID string) (bool, error)

	GetUsageCount(ctx context.Context, userID string) (int, error)

	IncrementDenormalizedCounter(ctx context.Context, userID string) error

	// RebuildUsageCounter resets the denormalized counter from the event
	// history and returns the new value.
	RebuildUsageCounter(ctx context.Context, userID string) (int, error)

	// ExpireLapsedSubscriptions moves active, cancel-pending subscriptions
	// whose period ended at or before now to expired and returns the
	// affected user ids.
	ExpireLapsedSubscriptions(ctx context.Context, now time.Time) ([]string, error)

	Ping(ctx context.Context) error
}

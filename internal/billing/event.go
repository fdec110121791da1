// AngelaMos | 2026
// event.go

package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/carterperez-dev/entitlement-engine/internal/store"
)

const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentSucceeded    = "invoice.payment_succeeded"
	EventInvoicePaid         = "invoice.paid"
	EventPaymentFailed       = "invoice.payment_failed"

	userIDMetadataKey = "userId"
)

var ErrUnsupportedPayload = errors.New("unsupported webhook payload")

// Event is a provider-neutral subscription lifecycle notification.
// CurrentPeriodEnd is in epoch seconds; zero means the event carries no
// period information.
type Event struct {
	ID                     string
	Type                   string
	ExternalSubscriptionID string
	Status                 string
	CurrentPeriodEnd       int64
	CancelAtPeriodEnd      bool
	CustomerID             string
	PriceID                string
	UserID                 string
	CreatedAt              time.Time
}

func (e Event) periodEnd() *time.Time {
	if e.CurrentPeriodEnd == 0 {
		return nil
	}
	t := time.Unix(e.CurrentPeriodEnd, 0).UTC()
	return &t
}

// MapStatus folds provider subscription states onto the four states the
// entitlement engine understands.
func MapStatus(providerStatus string) (store.SubscriptionStatus, bool) {
	switch stripe.SubscriptionStatus(providerStatus) {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return store.StatusActive, true
	case stripe.SubscriptionStatusPastDue,
		stripe.SubscriptionStatusUnpaid,
		stripe.SubscriptionStatusIncomplete,
		stripe.SubscriptionStatusPaused:
		return store.StatusPastDue, true
	case stripe.SubscriptionStatusCanceled:
		return store.StatusCanceled, true
	case stripe.SubscriptionStatusIncompleteExpired:
		return store.StatusExpired, true
	}
	return "", false
}

// FromStripe translates a verified Stripe event. Event types the
// reconciler does not act on come back with only ID, Type and CreatedAt.
func FromStripe(se stripe.Event) (Event, error) {
	ev := Event{
		ID:        se.ID,
		Type:      string(se.Type),
		CreatedAt: time.Unix(se.Created, 0).UTC(),
	}

	if se.Data == nil {
		return ev, fmt.Errorf("event %s has no data: %w", se.ID, ErrUnsupportedPayload)
	}

	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
			return ev, fmt.Errorf("decode subscription: %w", errors.Join(err, ErrUnsupportedPayload))
		}
		if sub.ID == "" {
			return ev, fmt.Errorf("subscription id missing: %w", ErrUnsupportedPayload)
		}

		ev.ExternalSubscriptionID = sub.ID
		ev.Status = string(sub.Status)
		ev.CurrentPeriodEnd = sub.CurrentPeriodEnd
		ev.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		ev.UserID = sub.Metadata[userIDMetadataKey]
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			ev.PriceID = sub.Items.Data[0].Price.ID
		}

	case EventPaymentSucceeded, EventInvoicePaid, EventPaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
			return ev, fmt.Errorf("decode invoice: %w", errors.Join(err, ErrUnsupportedPayload))
		}
		if inv.Subscription == nil || inv.Subscription.ID == "" {
			return ev, fmt.Errorf("invoice %s has no subscription: %w", inv.ID, ErrUnsupportedPayload)
		}

		ev.ExternalSubscriptionID = inv.Subscription.ID
		if inv.Customer != nil {
			ev.CustomerID = inv.Customer.ID
		}
		if inv.SubscriptionDetails != nil {
			ev.UserID = inv.SubscriptionDetails.Metadata[userIDMetadataKey]
		}
	}

	return ev, nil
}

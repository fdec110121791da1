// AngelaMos | 2026
// entity.go

package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusExpired  SubscriptionStatus = "expired"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPastDue, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// Live reports whether a subscription in this status is returned by
// GetActiveSubscription.
func (s SubscriptionStatus) Live() bool {
	return s == StatusActive || s == StatusPastDue
}

// Subscription is one paid plan held by a user, keyed externally by the
// payment provider's subscription id. It is owned by the webhook reconciler
// apart from the cancel flag, which users toggle.
type Subscription struct {
	ID                     string             `db:"id"`
	UserID                 string             `db:"user_id"`
	ExternalSubscriptionID string             `db:"external_subscription_id"`
	ExternalCustomerID     string             `db:"external_customer_id"`
	ExternalPriceID        string             `db:"external_price_id"`
	Status                 SubscriptionStatus `db:"status"`
	CurrentPeriodEnd       time.Time          `db:"current_period_end"`
	CancelAtPeriodEnd      bool               `db:"cancel_at_period_end"`
	LastEventAt            *time.Time         `db:"last_event_at"`
	CreatedAt              time.Time          `db:"created_at"`
	UpdatedAt              time.Time          `db:"updated_at"`
}

// Entitled is true only while the subscription is active and its paid
// period has not ended.
func (s *Subscription) Entitled(now time.Time) bool {
	return s != nil &&
		s.Status == StatusActive &&
		now.Before(s.CurrentPeriodEnd)
}

// SubscriptionPatch overwrites only the non-nil fields.
type SubscriptionPatch struct {
	Status             *SubscriptionStatus
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  *bool
	ExternalCustomerID *string
	ExternalPriceID    *string
	LastEventAt        *time.Time
}

func (p SubscriptionPatch) Apply(s *Subscription) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.CurrentPeriodEnd != nil {
		s.CurrentPeriodEnd = p.CurrentPeriodEnd.UTC()
	}
	if p.CancelAtPeriodEnd != nil {
		s.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
	}
	if p.ExternalCustomerID != nil {
		s.ExternalCustomerID = *p.ExternalCustomerID
	}
	if p.ExternalPriceID != nil {
		s.ExternalPriceID = *p.ExternalPriceID
	}
	if p.LastEventAt != nil {
		t := p.LastEventAt.UTC()
		s.LastEventAt = &t
	}
}

// Metadata is free-form usage context persisted as a JSON object.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan metadata: unsupported type %T", src)
	}

	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	*m = out
	return nil
}

// UsageEvent is an append-only record of one generated document. ID is
// supplied by the caller so a retried insert is counted once.
type UsageEvent struct {
	ID           string    `db:"id"`
	UserID       string    `db:"user_id"`
	DocumentType string    `db:"document_type"`
	Metadata     Metadata  `db:"metadata"`
	CreatedAt    time.Time `db:"created_at"`
}

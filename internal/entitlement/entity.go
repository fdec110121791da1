// AngelaMos | 2026
// entity.go

package entitlement

import (
	"fmt"
	"time"

	"github.com/carterperez-dev/entitlement-engine/internal/store"
)

// Unlimited is the usage limit and remaining-uses sentinel for pro users.
const Unlimited = -1

type Code string

const (
	CodeNone                   Code = ""
	CodeQuotaExceeded          Code = "quota_exceeded"
	CodeNoActiveSubscription   Code = "no_active_subscription"
	CodeNotPendingCancellation Code = "not_pending_cancellation"
)

type Usage struct {
	Current   int  `json:"current"`
	Limit     int  `json:"limit"`
	Unlimited bool `json:"unlimited"`
}

type SubscriptionSummary struct {
	ID                     string                   `json:"id"`
	ExternalSubscriptionID string                   `json:"external_subscription_id"`
	PlanID                 string                   `json:"plan_id"`
	Status                 store.SubscriptionStatus `json:"status"`
	CurrentPeriodEnd       time.Time                `json:"current_period_end"`
	CancelAtPeriodEnd      bool                     `json:"cancel_at_period_end"`
}

// Status is the derived entitlement of one user. It is the unit stored in
// the subscription_status cache namespace.
type Status struct {
	IsActive     bool                 `json:"is_active"`
	IsPro        bool                 `json:"is_pro"`
	Subscription *SubscriptionSummary `json:"subscription,omitempty"`
	Usage        Usage                `json:"usage"`
}

// Remaining returns the uses left before the quota is hit, or Unlimited.
func (s *Status) Remaining() int {
	if s.Usage.Unlimited {
		return Unlimited
	}
	return max(s.Usage.Limit-s.Usage.Current, 0)
}

type Decision struct {
	CanGenerate   bool   `json:"can_generate"`
	Code          Code   `json:"code,omitempty"`
	Reason        string `json:"reason,omitempty"`
	RemainingUses int    `json:"remaining_uses"`
}

type UsageResult struct {
	Success       bool   `json:"success"`
	EventID       string `json:"event_id,omitempty"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	RemainingUses int    `json:"remaining_uses"`
	Code          Code   `json:"code,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type CancelResult struct {
	Success  bool       `json:"success"`
	CancelAt *time.Time `json:"cancel_at,omitempty"`
	Code     Code       `json:"code,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

type ReactivateResult struct {
	Success bool   `json:"success"`
	Code    Code   `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// deriveStatus computes a user's entitlement from their live subscription
// and usage count. Being pro needs both an active status and an unexpired
// period.
func deriveStatus(
	sub *store.Subscription,
	count, freeLimit int,
	now time.Time,
) *Status {
	st := &Status{Usage: Usage{Current: count, Limit: freeLimit}}
	if sub == nil {
		return st
	}

	if !sub.Status.Valid() {
		panic(fmt.Sprintf(
			"subscription %s has corrupt status %q",
			sub.ID,
			sub.Status,
		))
	}

	st.IsActive = true
	st.IsPro = sub.Entitled(now)
	st.Subscription = &SubscriptionSummary{
		ID:                     sub.ID,
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		PlanID:                 sub.ExternalPriceID,
		Status:                 sub.Status,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
	}
	if st.IsPro {
		st.Usage.Limit = Unlimited
		st.Usage.Unlimited = true
	}

	return st
}

func decide(st *Status, freeLimit int) *Decision {
	if st.IsPro {
		return &Decision{CanGenerate: true, RemainingUses: Unlimited}
	}

	if st.Usage.Current < freeLimit {
		return &Decision{CanGenerate: true, RemainingUses: st.Remaining()}
	}

	return &Decision{
		Code: CodeQuotaExceeded,
		Reason: fmt.Sprintf(
			"You have used all %d free documents on the free plan. "+
				"Upgrade to Pro for unlimited documents.",
			freeLimit,
		),
	}
}

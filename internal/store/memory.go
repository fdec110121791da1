// AngelaMos | 2026
// memory.go

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carterperez-dev/entitlement-engine/internal/core"
)

type memorySubscription struct {
	sub Subscription
	seq int
}

// Memory is an in-process Gateway with the same semantics as SQL.
type Memory struct {
	mu       sync.RWMutex
	subs     map[string]*memorySubscription
	events   map[string]UsageEvent
	counters map[string]int
	seq      int
	now      func() time.Time
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		subs:     make(map[string]*memorySubscription),
		events:   make(map[string]UsageEvent),
		counters: make(map[string]int),
		now:      now,
	}
}

func copySubscription(s Subscription) *Subscription {
	if s.LastEventAt != nil {
		t := *s.LastEventAt
		s.LastEventAt = &t
	}
	return &s
}

func (m *Memory) GetActiveSubscription(
	_ context.Context,
	userID string,
) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *memorySubscription
	for _, ms := range m.subs {
		if ms.sub.UserID != userID || !ms.sub.Status.Live() {
			continue
		}
		if best == nil || preferred(ms, best) {
			best = ms
		}
	}

	if best == nil {
		return nil, nil
	}
	return copySubscription(best.sub), nil
}

func preferred(a, b *memorySubscription) bool {
	aActive := a.sub.Status == StatusActive
	bActive := b.sub.Status == StatusActive
	if aActive != bActive {
		return aActive
	}
	if !a.sub.CreatedAt.Equal(b.sub.CreatedAt) {
		return a.sub.CreatedAt.After(b.sub.CreatedAt)
	}
	return a.seq > b.seq
}

func (m *Memory) CreateSubscription(_ context.Context, sub *Subscription) error {
	if !sub.Status.Valid() {
		return fmt.Errorf(
			"create subscription: invalid status %q: %w",
			sub.Status,
			core.ErrInvalidInput,
		)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subs[sub.ExternalSubscriptionID]; exists {
		return fmt.Errorf("create subscription: %w", core.ErrDuplicateKey)
	}

	now := m.now().UTC()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	if sub.Status == StatusActive {
		m.demoteActiveLocked(sub.UserID, sub.ID, now)
	}

	m.seq++
	m.subs[sub.ExternalSubscriptionID] = &memorySubscription{
		sub: *copySubscription(*sub),
		seq: m.seq,
	}

	return nil
}

func (m *Memory) UpdateSubscription(
	_ context.Context,
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

	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.subs[externalSubscriptionID]
	if !ok {
		return nil, fmt.Errorf("update subscription: %w", core.ErrNotFound)
	}

	now := m.now().UTC()
	wasActive := ms.sub.Status == StatusActive
	patch.Apply(&ms.sub)
	ms.sub.UpdatedAt = now

	if ms.sub.Status == StatusActive && !wasActive {
		m.demoteActiveLocked(ms.sub.UserID, ms.sub.ID, now)
	}

	return copySubscription(ms.sub), nil
}

func (m *Memory) demoteActiveLocked(userID, keepID string, now time.Time) {
	for _, other := range m.subs {
		if other.sub.UserID == userID &&
			other.sub.ID != keepID &&
			other.sub.Status == StatusActive {
			other.sub.Status = StatusCanceled
			other.sub.UpdatedAt = now
		}
	}
}

func (m *Memory) GetSubscriptionByExternalID(
	_ context.Context,
	externalSubscriptionID string,
) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.subs[externalSubscriptionID]
	if !ok {
		return nil, fmt.Errorf("get subscription: %w", core.ErrNotFound)
	}
	return copySubscription(ms.sub), nil
}

func (m *Memory) RecordUsageEvent(_ context.Context, ev *UsageEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if _, exists := m.events[ev.ID]; exists {
		return false, nil
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now().UTC()
	}

	m.events[ev.ID] = *ev
	return true, nil
}

func (m *Memory) UsageEventExists(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.events[eventID]
	return ok, nil
}

func (m *Memory) GetUsageCount(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.countLocked(userID), nil
}

func (m *Memory) countLocked(userID string) int {
	n := 0
	for _, ev := range m.events {
		if ev.UserID == userID {
			n++
		}
	}
	return n
}

func (m *Memory) IncrementDenormalizedCounter(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[userID]++
	return nil
}

// DenormalizedCount returns the stored counter for userID.
func (m *Memory) DenormalizedCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.counters[userID]
}

func (m *Memory) RebuildUsageCounter(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.countLocked(userID)
	m.counters[userID] = n
	return n, nil
}

func (m *Memory) ExpireLapsedSubscriptions(
	_ context.Context,
	now time.Time,
) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	var userIDs []string
	for _, ms := range m.subs {
		s := &ms.sub
		if s.Status != StatusActive || !s.CancelAtPeriodEnd || s.CurrentPeriodEnd.After(now) {
			continue
		}
		s.Status = StatusExpired
		s.UpdatedAt = now.UTC()
		if _, ok := seen[s.UserID]; !ok {
			seen[s.UserID] = struct{}{}
			userIDs = append(userIDs, s.UserID)
		}
	}

	return userIDs, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

var _ Gateway = (*Memory)(nil)

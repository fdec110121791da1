// AngelaMos | 2026
// memory.go

package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	timer     *time.Timer
}

// Memory is a bounded in-process Store. Entries expire lazily on read and
// are also removed by a one-shot timer once their TTL elapses.
type Memory struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *memoryEntry]
	now     func() time.Time
}

type MemoryOption func(*Memory)

// WithClock overrides the clock used for lazy expiry checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(size int, opts ...MemoryOption) (*Memory, error) {
	m := &Memory{now: time.Now}
	for _, o := range opts {
		o(m)
	}

	entries, err := lru.NewWithEvict(size, func(_ string, e *memoryEntry) {
		if e.timer != nil {
			e.timer.Stop()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	m.entries = entries

	return m, nil
}

func memoryKey(namespace, key string) string {
	return namespace + ":" + key
}

func (m *Memory) Get(
	_ context.Context,
	namespace, key string,
) ([]byte, bool, error) {
	k := memoryKey(namespace, key)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries.Get(k)
	if !ok {
		return nil, false, nil
	}

	if !m.now().Before(e.expiresAt) {
		m.entries.Remove(k)
		return nil, false, nil
	}

	return e.value, true, nil
}

func (m *Memory) Set(
	_ context.Context,
	namespace, key string,
	value []byte,
	ttl time.Duration,
) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}

	k := memoryKey(namespace, key)
	e := &memoryEntry{
		value:     value,
		expiresAt: m.now().Add(ttl),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.entries.Peek(k); ok && prev.timer != nil {
		prev.timer.Stop()
	}
	m.entries.Add(k, e)
	e.timer = time.AfterFunc(ttl, func() { m.expire(k, e) })

	return nil
}

func (m *Memory) expire(k string, e *memoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.entries.Peek(k); ok && current == e {
		m.entries.Remove(k)
	}
}

func (m *Memory) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries.Remove(memoryKey(namespace, key))
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.entries.Len()
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries.Purge()
	return nil
}

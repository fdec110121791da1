// AngelaMos | 2026
// cache_test.go

package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decision struct {
	CanGenerate bool `json:"can_generate"`
}

type failingStore struct{}

func (failingStore) Get(context.Context, string, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (failingStore) Set(context.Context, string, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func (failingStore) Delete(context.Context, string, string) error {
	return errors.New("connection refused")
}
func (failingStore) Ping(context.Context) error { return errors.New("down") }
func (failingStore) Close() error               { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemoryCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	m, err := NewMemory(64)
	require.NoError(t, err)
	return New(m, append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func TestGetOrComputeCachesResult(t *testing.T) {
	ctx := context.Background()
	var hits, misses int
	c := newMemoryCache(t, WithObserver(func(ns string, hit bool) {
		if hit {
			hits++
		} else {
			misses++
		}
	}))

	calls := 0
	compute := func(context.Context) (*decision, error) {
		calls++
		return &decision{CanGenerate: true}, nil
	}

	first, err := GetOrCompute(ctx, c, NamespaceCanGenerate, "u1", time.Minute, compute)
	require.NoError(t, err)
	second, err := GetOrCompute(ctx, c, NamespaceCanGenerate, "u1", time.Minute, compute)
	require.NoError(t, err)

	assert.True(t, first.CanGenerate)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
}

func TestGetOrComputeDoesNotCacheNil(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)

	calls := 0
	compute := func(context.Context) (*decision, error) {
		calls++
		return nil, nil
	}

	v, err := GetOrCompute(ctx, c, NamespaceCanGenerate, "u1", time.Minute, compute)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = GetOrCompute(ctx, c, NamespaceCanGenerate, "u1", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetOrComputePropagatesComputeError(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	boom := errors.New("db down")

	_, err := GetOrCompute(ctx, c, NamespaceCanGenerate, "u1", time.Minute,
		func(context.Context) (*decision, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	_, ok, _ := c.Store().Get(ctx, NamespaceCanGenerate, "u1")
	assert.False(t, ok, "failures are never cached")
}

func TestInvalidateForcesRecompute(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)

	value := true
	compute := func(context.Context) (*decision, error) {
		return &decision{CanGenerate: value}, nil
	}

	v, err := GetOrCompute(ctx, c, NamespaceCanGenerate, "u1", time.Minute, compute)
	require.NoError(t, err)
	assert.True(t, v.CanGenerate)

	value = false
	require.NoError(t, c.Invalidate(ctx, NamespaceCanGenerate, "u1"))

	v, err = GetOrCompute(ctx, c, NamespaceCanGenerate, "u1", time.Minute, compute)
	require.NoError(t, err)
	assert.False(t, v.CanGenerate)
}

func TestGetOrComputeSurvivesStoreFailure(t *testing.T) {
	ctx := context.Background()
	c := New(failingStore{}, WithLogger(quietLogger()))

	v, err := GetOrCompute(ctx, c, NamespaceCanGenerate, "u1", time.Minute,
		func(context.Context) (*decision, error) {
			return &decision{CanGenerate: true}, nil
		})
	require.NoError(t, err)
	assert.True(t, v.CanGenerate)

	assert.Error(t, c.Invalidate(ctx, NamespaceCanGenerate, "u1"))
}

func TestGetOrComputeCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (*decision, error) {
		calls.Add(1)
		<-release
		return &decision{CanGenerate: true}, nil
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := GetOrCompute(ctx, c, NamespaceCanGenerate, "u1", time.Minute, compute)
			assert.NoError(t, err)
			assert.True(t, v.CanGenerate)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidateDuringComputeDropsStaleResult(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)

	var balance atomic.Int32
	balance.Store(1)

	read := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	compute := func(context.Context) (*int32, error) {
		v := balance.Load()
		if calls.Add(1) == 1 {
			close(read)
			<-release
		}
		return &v, nil
	}

	staleDone := make(chan *int32, 1)
	go func() {
		v, err := GetOrCompute(ctx, c, NamespaceSubscriptionStatus, "u1", time.Minute, compute)
		assert.NoError(t, err)
		staleDone <- v
	}()
	<-read

	balance.Store(2)
	require.NoError(t, c.Invalidate(ctx, NamespaceSubscriptionStatus, "u1"))

	fresh, err := GetOrCompute(ctx, c, NamespaceSubscriptionStatus, "u1", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, int32(2), *fresh)

	close(release)
	assert.Equal(t, int32(1), *<-staleDone)

	raw, ok, err := c.Store().Get(ctx, NamespaceSubscriptionStatus, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, "2", string(raw))
}

func TestInvalidateWithoutRecomputeLeavesStoreEmpty(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)

	read := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := GetOrCompute(ctx, c, NamespaceCanGenerate, "u1", time.Minute,
			func(context.Context) (*decision, error) {
				close(read)
				<-release
				return &decision{CanGenerate: true}, nil
			})
		assert.NoError(t, err)
	}()
	<-read

	require.NoError(t, c.Invalidate(ctx, NamespaceCanGenerate, "u1"))
	close(release)
	<-done

	_, ok, err := c.Store().Get(ctx, NamespaceCanGenerate, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSharedComputeOutlivesCallerCancellation(t *testing.T) {
	c := newMemoryCache(t, WithComputeTimeout(time.Second))

	started := make(chan struct{})
	release := make(chan struct{})
	computeErr := make(chan error, 1)
	compute := func(ctx context.Context) (*decision, error) {
		close(started)
		<-release
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		computeErr <- ctx.Err()
		return &decision{CanGenerate: true}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	callerErr := make(chan error, 1)
	go func() {
		_, err := GetOrCompute(ctx, c, NamespaceCanGenerate, "u1", time.Minute, compute)
		callerErr <- err
	}()
	<-started

	cancel()
	assert.ErrorIs(t, <-callerErr, context.Canceled)

	close(release)
	assert.NoError(t, <-computeErr)

	require.Eventually(t, func() bool {
		_, ok, _ := c.Store().Get(context.Background(), NamespaceCanGenerate, "u1")
		return ok
	}, time.Second, 5*time.Millisecond)

	recomputed := false
	v, err := GetOrCompute(context.Background(), c, NamespaceCanGenerate, "u1", time.Minute,
		func(context.Context) (*decision, error) {
			recomputed = true
			return &decision{}, nil
		})
	require.NoError(t, err)
	assert.True(t, v.CanGenerate)
	assert.False(t, recomputed)
}

func TestJoinedCallerUnaffectedByFirstCallerCancellation(t *testing.T) {
	c := newMemoryCache(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	compute := func(context.Context) (*decision, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return &decision{CanGenerate: true}, nil
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := GetOrCompute(first, c, NamespaceCanGenerate, "u1", time.Minute, compute)
		firstErr <- err
	}()
	<-started

	joined := make(chan *decision, 1)
	go func() {
		v, err := GetOrCompute(context.Background(), c, NamespaceCanGenerate, "u1",
			time.Minute, compute)
		assert.NoError(t, err)
		joined <- v
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	v := <-joined
	require.NotNil(t, v)
	assert.True(t, v.CanGenerate)
}

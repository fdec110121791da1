// AngelaMos | 2026
// retry_test.go

package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestPolicy(rec *sleepRecorder, opts ...Option) *Policy {
	base := []Option{
		WithSleep(rec.sleep),
		WithRandom(func() float64 { return 0.5 }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(DefaultOptions(), append(base, opts...)...)
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	rec := &sleepRecorder{}
	p := newTestPolicy(rec)

	calls := 0
	v, err := Do(context.Background(), p, "get", func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestDoRecoversFromTransientFailures(t *testing.T) {
	rec := &sleepRecorder{}
	var observed []Kind
	p := newTestPolicy(rec, WithObserver(func(op string, kind Kind) {
		observed = append(observed, kind)
	}))

	calls := 0
	v, err := Do(context.Background(), p, "get_active_subscription",
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", Mark(KindNetwork, errors.New("connection reset"))
			}
			return "sub_1", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "sub_1", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
	assert.Equal(t, []Kind{KindNetwork, KindNetwork}, observed)
}

func TestDoStopsOnTerminalKind(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
	}{
		{"validation", KindValidation},
		{"authentication", KindAuthentication},
		{"authorization", KindAuthorization},
		{"payment", KindPayment},
		{"quota", KindQuotaExceeded},
		{"unknown", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &sleepRecorder{}
			p := newTestPolicy(rec)

			cause := errors.New("rejected")
			calls := 0
			_, err := Do(context.Background(), p, "update",
				func(ctx context.Context) (int, error) {
					calls++
					return 0, Mark(tt.kind, cause)
				})

			require.Error(t, err)
			assert.Equal(t, 1, calls)
			assert.Empty(t, rec.delays)

			var rerr *Error
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, tt.kind, rerr.Kind)
			assert.Equal(t, 1, rerr.Attempts)
			assert.ErrorIs(t, err, cause)
		})
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	rec := &sleepRecorder{}
	p := newTestPolicy(rec)

	cause := Mark(KindServer, errors.New("503"))
	calls := 0
	err := p.Run(context.Background(), "record_usage", func(ctx context.Context) error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.delays, 2)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindServer, rerr.Kind)
	assert.Equal(t, 3, rerr.Attempts)
	assert.Equal(t, "record_usage", rerr.Op)
	assert.Contains(t, err.Error(), "server error after 3 attempt(s)")
}

func TestDoContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(DefaultOptions(),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	calls := 0
	_, err := Do(ctx, p, "get", func(ctx context.Context) (int, error) {
		calls++
		return 0, Mark(KindNetwork, errors.New("timeout"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffIsCapped(t *testing.T) {
	p := New(Options{
		MaxRetries:    10,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	})

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(5))
	assert.Equal(t, 10*time.Second, p.Backoff(9))
}

func TestDelayJitterBounds(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		t.Run(fmt.Sprintf("random=%v", r), func(t *testing.T) {
			p := New(DefaultOptions(), WithRandom(func() float64 { return r }))
			d := p.Delay(2)
			assert.GreaterOrEqual(t, d, 1599*time.Millisecond)
			assert.Less(t, d, 2400*time.Millisecond)
		})
	}
}

func TestNewClampsOptions(t *testing.T) {
	p := New(Options{MaxRetries: 0, BackoffFactor: 0})
	assert.Equal(t, 1, p.Options().MaxRetries)
	assert.InDelta(t, 1.0, p.Options().BackoffFactor, 0.0001)
}

// AngelaMos | 2026
// redis_test.go

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedis(client, "")
}

func TestRedisSetGetDelete(t *testing.T) {
	ctx := context.Background()
	mr, r := setupRedis(t)

	require.NoError(t, r.Set(ctx, NamespaceSubscriptionStatus, "u1", []byte(`{"is_pro":true}`), 2*time.Minute))
	assert.True(t, mr.Exists("entitlement:subscription_status:u1"))
	assert.Equal(t, 2*time.Minute, mr.TTL("entitlement:subscription_status:u1"))

	v, ok, err := r.Get(ctx, NamespaceSubscriptionStatus, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"is_pro":true}`, string(v))

	require.NoError(t, r.Delete(ctx, NamespaceSubscriptionStatus, "u1"))
	_, ok, err = r.Get(ctx, NamespaceSubscriptionStatus, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	mr, r := setupRedis(t)

	require.NoError(t, r.Set(ctx, NamespaceCanGenerate, "u1", []byte("1"), time.Minute))
	mr.FastForward(time.Minute)

	_, ok, err := r.Get(ctx, NamespaceCanGenerate, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisGetErrorWhenDown(t *testing.T) {
	ctx := context.Background()
	mr, r := setupRedis(t)
	mr.Close()

	_, ok, err := r.Get(ctx, NamespaceCanGenerate, "u1")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Error(t, r.Ping(ctx))
}

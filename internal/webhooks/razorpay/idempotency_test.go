package razorpaywebhook

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resellerhq/storefront-backend/pkg/redis"
)

func newGuard(t *testing.T, ttl time.Duration) (*IdempotencyGuard, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })

	guard, err := NewIdempotencyGuard(redis.NewFromUniversal(raw), ttl, "razorpay-webhook")
	require.NoError(t, err)
	return guard, mr
}

func TestGuardMarksDeliveryOnce(t *testing.T) {
	ctx := context.Background()
	guard, mr := newGuard(t, time.Hour)

	seen, err := guard.CheckAndMark(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.True(t, mr.Exists("sf:idempotency:razorpay-webhook:evt_1"))

	seen, err = guard.CheckAndMark(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, guard.Delete(ctx, "evt_1"))
	seen, err = guard.CheckAndMark(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestGuardExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	guard, mr := newGuard(t, time.Minute)

	_, err := guard.CheckAndMark(ctx, "evt_2")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	seen, err := guard.CheckAndMark(ctx, "evt_2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestGuardValidation(t *testing.T) {
	_, err := NewIdempotencyGuard(nil, time.Minute, "scope")
	require.Error(t, err)

	guard, _ := newGuard(t, time.Minute)
	_, err = guard.CheckAndMark(context.Background(), "")
	require.Error(t, err)
	require.Error(t, guard.Delete(context.Background(), ""))
}

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestCheckoutLock_MutualExclusion(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()
	userID := uuid.New()

	first := NewCheckoutLock(client, userID)
	second := NewCheckoutLock(client, userID)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// another user is unaffected
	ok, err = NewCheckoutLock(client, uuid.New()).TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, first.Unlock(ctx))
	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnlock_DoesNotReleaseForeignLock(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	userID := uuid.New()

	// two attempts of the same checkout request must still be distinct holders
	holder := NewCheckoutLock(client, userID)
	retry := NewCheckoutLock(client, userID)
	assert.NotEqual(t, holder.value, retry.value)

	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, retry.Unlock(ctx))
	got, err := mr.Get("checkout:lock:user:" + userID.String())
	require.NoError(t, err)
	assert.Equal(t, holder.value, got)
}

func TestLock_GivesUpAfterRetries(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	held := NewDistributedLock(client, "k", "a", time.Minute)
	require.NoError(t, held.Lock(ctx, time.Millisecond, 1))

	err := NewDistributedLock(client, "k", "b", time.Minute).Lock(ctx, time.Millisecond, 3)
	assert.ErrorIs(t, err, ErrLockFailed)
}

func TestRefundLock_PerOrder(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	orderID := uuid.New()

	first := NewRefundLock(client, orderID)
	second := NewRefundLock(client, orderID)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, second.Unlock(ctx))
	assert.True(t, mr.Exists("refund:lock:order:"+orderID.String()))

	ok, err = NewRefundLock(client, uuid.New()).TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, zap.NewNop()), mr
}

func TestAdmit_RejectsAfterMax(t *testing.T) {
	l, _ := newLimiter(t)
	p := Policy{Name: CreateOrder, MaxRequests: 3, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Admit(ctx, "user:1", p)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}

	ok, err := l.Admit(ctx, "user:1", p)
	require.NoError(t, err)
	assert.False(t, ok)

	// other actors and other policies keep their own windows
	ok, _ = l.Admit(ctx, "user:2", p)
	assert.True(t, ok)
	ok, _ = l.Admit(ctx, "user:1", Policy{Name: Read, MaxRequests: 3, Window: time.Minute})
	assert.True(t, ok)
}

func TestAdmit_RecordsRejectedAttempts(t *testing.T) {
	l, mr := newLimiter(t)
	p := Policy{Name: CardPayment, MaxRequests: 1, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.Admit(ctx, "ip:10.0.0.1", p)
		require.NoError(t, err)
	}

	members, err := mr.ZMembers("ratelimit:card-payment:ip:10.0.0.1")
	require.NoError(t, err)
	assert.Len(t, members, 4)
}

func TestAdmit_WindowSlides(t *testing.T) {
	l, _ := newLimiter(t)
	p := Policy{Name: CreateOrder, MaxRequests: 1, Window: time.Minute}
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	ok, _ := l.Admit(ctx, "user:1", p)
	assert.True(t, ok)
	ok, _ = l.Admit(ctx, "user:1", p)
	assert.False(t, ok)

	l.now = func() time.Time { return base.Add(61 * time.Second) }
	ok, _ = l.Admit(ctx, "user:1", p)
	assert.True(t, ok)
}

func TestAdmit_ConcurrentCallersShareOneSlot(t *testing.T) {
	l, _ := newLimiter(t)
	p := Policy{Name: CreateOrder, MaxRequests: 5, Window: time.Minute}

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := l.Admit(context.Background(), "user:1", p); err == nil && ok {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), admitted)
}

func TestAdmit_FailurePolicy(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	l := New(client, zap.NewNop())
	mr.Close()
	ctx := context.Background()

	var ok bool
	ok, err = l.Admit(ctx, "user:1", Policy{Name: CardPayment, MaxRequests: 5, Window: time.Minute})
	assert.Error(t, err)
	assert.False(t, ok)

	ok, err = l.Admit(ctx, "user:1", Policy{Name: Read, MaxRequests: 5, Window: time.Minute, FailOpen: true})
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestActor(t *testing.T) {
	assert.Equal(t, "user:abc", Actor("abc", "1.2.3.4"))
	assert.Equal(t, "ip:1.2.3.4", Actor("", "1.2.3.4"))
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// Redis distributed lock
// ============================================================================
//
// Acquire: SET key value NX PX ttl
//   - NX keeps the lock mutually exclusive
//   - the TTL releases the lock if the holder crashes
//   - value identifies the holder so Unlock never deletes another holder's lock
//
// Release: compare-and-delete in one Lua script.
//
// ============================================================================

var ErrLockFailed = errors.New("failed to acquire distributed lock")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock makes a single non-blocking attempt.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock every retryInterval, up to maxRetries attempts.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock releases the lock if it is still held by this holder.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// NewCheckoutLock serializes checkouts of one user. Different users never
// contend; the conditional debit stays the guard on the balance itself.
// Every lock gets a fresh holder value, so a retried request never shares
// an identity with the attempt it repeats.
func NewCheckoutLock(client *redis.Client, userID uuid.UUID) *DistributedLock {
	key := fmt.Sprintf("checkout:lock:user:%s", userID)
	return NewDistributedLock(client, key, uuid.NewString(), 30*time.Second)
}

// NewRefundLock serializes refunds of one order.
func NewRefundLock(client *redis.Client, orderID uuid.UUID) *DistributedLock {
	key := fmt.Sprintf("refund:lock:order:%s", orderID)
	return NewDistributedLock(client, key, uuid.NewString(), 30*time.Second)
}

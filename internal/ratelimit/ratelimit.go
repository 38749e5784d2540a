// Package ratelimit implements a sliding-window request limiter on Redis.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"storefront/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Policy names, also used as the key segment.
const (
	CreateOrder   = "create-order"
	CardPayment   = "card-payment"
	CryptoPayment = "crypto-payment"
	Read          = "read"
)

type Policy struct {
	Name        string
	MaxRequests int
	Window      time.Duration
	// FailOpen admits requests while Redis is unreachable.
	FailOpen bool
}

func PolicyFrom(name string, p config.RatePolicy) Policy {
	return Policy{
		Name:        name,
		MaxRequests: p.MaxRequests,
		Window:      time.Duration(p.WindowMinutes) * time.Minute,
		FailOpen:    p.FailOpen,
	}
}

// Policies builds every configured policy keyed by name.
func Policies(cfg config.RateLimitConfig) map[string]Policy {
	return map[string]Policy{
		CreateOrder:   PolicyFrom(CreateOrder, cfg.CreateOrder),
		CardPayment:   PolicyFrom(CardPayment, cfg.CardPayment),
		CryptoPayment: PolicyFrom(CryptoPayment, cfg.CryptoPayment),
		Read:          PolicyFrom(Read, cfg.Read),
	}
}

// The attempt is recorded before counting, admitted or not. Trim, add, count
// and expire run as one script so concurrent callers see a consistent count.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
redis.call("ZADD", key, now, ARGV[3])
local count = redis.call("ZCARD", key)
redis.call("PEXPIRE", key, window)
return count
`)

type Limiter struct {
	client *redis.Client
	log    *zap.Logger
	now    func() time.Time
}

func New(client *redis.Client, log *zap.Logger) *Limiter {
	return &Limiter{
		client: client,
		log:    log,
		now:    time.Now,
	}
}

// Actor picks the limiter identity: the user when known, otherwise the IP.
func Actor(userID, ip string) string {
	if userID != "" {
		return "user:" + userID
	}
	return "ip:" + ip
}

// Admit records one attempt for actor under p and reports whether it fits
// within the window. A non-nil error means Redis failed; the returned bool
// then follows the policy's fail-open flag.
func (l *Limiter) Admit(ctx context.Context, actor string, p Policy) (bool, error) {
	now := l.now()
	key := fmt.Sprintf("ratelimit:%s:%s", p.Name, actor)
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	count, err := slidingWindowScript.Run(ctx, l.client,
		[]string{key},
		now.UnixMilli(),
		p.Window.Milliseconds(),
		member,
	).Int()
	if err != nil {
		l.log.Warn("rate limiter unavailable",
			zap.String("policy", p.Name),
			zap.Bool("fail_open", p.FailOpen),
			zap.Error(err),
		)
		return p.FailOpen, fmt.Errorf("rate limiter: %w", err)
	}

	return count <= p.MaxRequests, nil
}

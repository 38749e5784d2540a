package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"storefront/internal/ratelimit"
	"storefront/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	ctxUserID    = "user_id"
	ctxRole      = "role"
	ctxRequestID = "request_id"

	headerRequestID = "X-Request-ID"
	roleAdmin       = "admin"
)

// LoggerMiddleware writes one access log line per request.
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(ctxRequestID)),
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("http request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("http request", fields...)
		default:
			logger.Info("http request", fields...)
		}
	}
}

// RecoveryMiddleware turns a panic into a generic 500.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				response.ServerError(c)
			}
		}()
		c.Next()
	}
}

// RequestIDMiddleware propagates X-Request-ID, generating one when absent.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Claims is the bearer token issued by the auth service.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddleware accepts HS256 bearer tokens whose subject is a user uuid.
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			response.Unauthorized(c, "Unauthorized")
			return
		}

		userID, role, err := parseToken(strings.TrimSpace(header[len("Bearer "):]), secret)
		if err != nil {
			response.Unauthorized(c, "Unauthorized")
			return
		}

		c.Set(ctxUserID, userID)
		c.Set(ctxRole, role)
		c.Next()
	}
}

func parseToken(tokenString string, secret []byte) (uuid.UUID, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return uuid.Nil, "", err
	}
	if !token.Valid {
		return uuid.Nil, "", errors.New("invalid token")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid subject: %w", err)
	}
	return userID, claims.Role, nil
}

func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ctxRole) != roleAdmin {
			response.Error(c, http.StatusForbidden, "Forbidden")
			return
		}
		c.Next()
	}
}

// PolicyMiddleware applies a sliding-window policy to authenticated reads.
func PolicyMiddleware(limiter *ratelimit.Limiter, policy ratelimit.Policy, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := ratelimit.Actor(userIDString(c), c.ClientIP())
		ok, err := limiter.Admit(c.Request.Context(), actor, policy)
		if err != nil {
			logger.Warn("rate limiter error", zap.String("policy", policy.Name), zap.Error(err))
		}
		if !ok {
			response.TooManyRequests(c, "Too many requests, please try again later")
			return
		}
		c.Next()
	}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one token bucket per remote IP. Buckets idle longer
// than the cleanup window are dropped.
type IPRateLimiter struct {
	ips   map[string]*ipEntry
	mu    sync.Mutex
	rate  rate.Limit
	burst int
	now   func() time.Time
}

func NewIPRateLimiter(r rate.Limit, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		ips:   make(map[string]*ipEntry),
		rate:  r,
		burst: burst,
		now:   time.Now,
	}
}

func (rl *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if entry, exists := rl.ips[ip]; exists {
		entry.lastSeen = rl.now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rl.rate, rl.burst)
	rl.ips[ip] = &ipEntry{limiter: limiter, lastSeen: rl.now()}
	return limiter
}

// Len is the number of tracked IPs.
func (rl *IPRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.ips)
}

// Cleanup drops buckets not used within idle and returns how many went.
func (rl *IPRateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	removed := 0
	for ip, entry := range rl.ips {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.ips, ip)
			removed++
		}
	}
	return removed
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (rl *IPRateLimiter) RunCleanup(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup(idle)
		}
	}
}

func (rl *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.GetLimiter(c.ClientIP()).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded")
			return
		}
		c.Next()
	}
}

func userIDString(c *gin.Context) string {
	if v, ok := c.Get(ctxUserID); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id.String()
		}
	}
	return ""
}

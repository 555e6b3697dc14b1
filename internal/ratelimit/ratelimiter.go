package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Window is the span requests-per-minute limits are counted over
const Window = time.Minute

// Limiter enforces per-credential request limits. A limit of 0 or less
// means unlimited.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

// NoopLimiter allows every request
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (l *NoopLimiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	return true, nil
}

// slidingWindow trims the window, and only records the request when the
// count is still below the limit, so denied calls do not extend a lockout.
// Returns {allowed, count_after, oldest_score}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, member)
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, window * 2)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if #oldest > 0 then
	oldestScore = tonumber(oldest[2])
end
return {allowed, count, tostring(oldestScore)}
`)

// RateLimiter is a sliding-window limiter shared by every replica through
// a Redis sorted set per credential
type RateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewRateLimiter creates a new Redis-backed rate limiter
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

func windowKey(key string) string {
	return "ratelimit:" + key
}

// Allow reports whether one more request fits in the current window
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	allowed, _, _, err := rl.AllowWithDetails(ctx, key, limit)
	return allowed, err
}

// AllowWithDetails also returns the requests left in the window and when
// the oldest counted request leaves it. Unlimited keys report -1 and a zero
// reset time.
func (rl *RateLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	if limit <= 0 {
		return true, -1, time.Time{}, nil
	}

	now := rl.now()
	res, err := slidingWindow.Run(ctx, rl.client, []string{windowKey(key)},
		now.UnixMilli(), Window.Milliseconds(), limit, uuid.NewString(),
	).Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	oldestStr, _ := res[2].(string)
	oldest, err := strconv.ParseInt(oldestStr, 10, 64)
	if err != nil {
		oldest = now.UnixMilli()
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	resetAt := time.UnixMilli(oldest).Add(Window)
	return allowed == 1, remaining, resetAt, nil
}

// GetCurrentUsage returns the number of requests counted in the window
func (rl *RateLimiter) GetCurrentUsage(ctx context.Context, key string) (int64, error) {
	k := windowKey(key)
	windowStart := rl.now().Add(-Window)

	if err := rl.client.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(windowStart.UnixMilli(), 10)).Err(); err != nil {
		return 0, fmt.Errorf("failed to clean old entries: %w", err)
	}
	count, err := rl.client.ZCard(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get current usage: %w", err)
	}
	return count, nil
}

// Reset clears the window for a key
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	return rl.client.Del(ctx, windowKey(key)).Err()
}

// MemoryLimiter is a per-process token bucket per credential, refilled at
// limit per minute with a burst of limit. Used when Redis is not configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limit   int
	limiter *rate.Limiter
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*bucket)}
}

// Allow takes one token from the key's bucket
func (m *MemoryLimiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok || b.limit != limit {
		b = &bucket{
			limit:   limit,
			limiter: rate.NewLimiter(rate.Every(Window/time.Duration(limit)), limit),
		}
		m.buckets[key] = b
	}
	m.mu.Unlock()

	return b.limiter.Allow(), nil
}

// Reset drops a key's bucket
func (m *MemoryLimiter) Reset(key string) {
	m.mu.Lock()
	delete(m.buckets, key)
	m.mu.Unlock()
}

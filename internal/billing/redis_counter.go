package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ai_routing/internal/models"
	"ai_routing/internal/utils"
)

// counterTTL keeps a month's hash around long enough for late settles
const counterTTL = 60 * 24 * time.Hour

// reserveScript seeds the period hash from the database counters on first
// use, checks every limit and holds max(estimate, largest settled call).
// While another call is in flight on a capped key the hold must be non-zero
// and fit the remaining budget. Limits below zero are unlimited. Replies
// are strings so floats survive the Lua conversion.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
local est_usd = tonumber(ARGV[2])
local est_tokens = tonumber(ARGV[3])
local budget = tonumber(ARGV[4])
local token_limit = tonumber(ARGV[5])
local request_limit = tonumber(ARGV[6])

if redis.call('EXISTS', key) == 0 then
	redis.call('HSET', key, 'spend', ARGV[7], 'tokens', ARGV[8], 'requests', ARGV[9],
		'reserved_usd', '0', 'reserved_tokens', '0', 'in_flight', '0', 'max_call', ARGV[10])
end
redis.call('EXPIRE', key, ttl)

local spend = tonumber(redis.call('HGET', key, 'spend')) or 0
local tokens = tonumber(redis.call('HGET', key, 'tokens')) or 0
local requests = tonumber(redis.call('HGET', key, 'requests')) or 0
local reserved_usd = tonumber(redis.call('HGET', key, 'reserved_usd')) or 0
local reserved_tokens = tonumber(redis.call('HGET', key, 'reserved_tokens')) or 0
local in_flight = tonumber(redis.call('HGET', key, 'in_flight')) or 0
local max_call = tonumber(redis.call('HGET', key, 'max_call')) or 0

local hold = est_usd
if max_call > hold then hold = max_call end

if budget >= 0 then
	if spend + reserved_usd >= budget or spend + reserved_usd + est_usd > budget then
		return {'0', 'monthly budget'}
	end
	if in_flight > 0 and (hold <= 0 or spend + reserved_usd + hold > budget) then
		return {'0', 'monthly budget'}
	end
end
if request_limit >= 0 and requests + 1 > request_limit then
	return {'0', 'monthly request limit'}
end
if token_limit >= 0 and tokens + reserved_tokens + est_tokens > token_limit then
	return {'0', 'monthly token limit'}
end

redis.call('HINCRBYFLOAT', key, 'reserved_usd', tostring(hold))
redis.call('HINCRBY', key, 'reserved_tokens', ARGV[3])
redis.call('HINCRBY', key, 'requests', 1)
redis.call('HINCRBY', key, 'in_flight', 1)
return {'1', tostring(hold)}
`)

// settleScript releases a hold, never below zero, adds the actual usage and
// raises the largest settled call
var settleScript = redis.NewScript(`
local key = KEYS[1]
local r_usd = tonumber(ARGV[1])
local r_tokens = tonumber(ARGV[2])
local actual_usd = tonumber(ARGV[3])

local reserved_usd = (tonumber(redis.call('HGET', key, 'reserved_usd')) or 0) - r_usd
if reserved_usd < 0 then reserved_usd = 0 end
local reserved_tokens = (tonumber(redis.call('HGET', key, 'reserved_tokens')) or 0) - r_tokens
if reserved_tokens < 0 then reserved_tokens = 0 end
local in_flight = (tonumber(redis.call('HGET', key, 'in_flight')) or 0) - 1
if in_flight < 0 then in_flight = 0 end
local max_call = tonumber(redis.call('HGET', key, 'max_call')) or 0
if actual_usd > max_call then max_call = actual_usd end

redis.call('HSET', key, 'reserved_usd', tostring(reserved_usd), 'reserved_tokens', tostring(reserved_tokens),
	'in_flight', tostring(in_flight), 'max_call', tostring(max_call))
local spend = redis.call('HINCRBYFLOAT', key, 'spend', ARGV[3])
redis.call('HINCRBY', key, 'tokens', ARGV[4])
redis.call('EXPIRE', key, tonumber(ARGV[5]))
return tostring(spend)
`)

// ChargeSink receives settled charges for the database mirror
type ChargeSink interface {
	Enqueue(ctx context.Context, ev ChargeEvent) error
}

// RedisCounter keeps the authoritative counters in one Redis hash per key
// and month, "budget:<key>:<yyyy>:<mm>". Settled charges are forwarded to
// the database through sink; when the sink refuses, they are applied
// directly.
type RedisCounter struct {
	client *redis.Client
	sink   ChargeSink
	store  KeyStore
	logger *utils.Logger
}

// NewRedisCounter creates a Redis-backed counter
func NewRedisCounter(client *redis.Client, sink ChargeSink, store KeyStore) *RedisCounter {
	return &RedisCounter{
		client: client,
		sink:   sink,
		store:  store,
		logger: utils.NewLogger("budget-redis"),
	}
}

// CounterKey returns the Redis hash holding a key's counters for period "YYYY-MM"
func CounterKey(keyID uuid.UUID, period string) string {
	year, month := period, ""
	if len(period) == 7 {
		year, month = period[:4], period[5:]
	}
	return fmt.Sprintf("budget:%s:%s:%s", keyID, year, month)
}

func limitArg[T float64 | int64](v *T) string {
	if v == nil {
		return "-1"
	}
	return fmt.Sprint(*v)
}

// Reserve holds the estimate against the period hash
func (c *RedisCounter) Reserve(ctx context.Context, key *models.ProviderKey, estUSD float64, estTokens int64, now time.Time) (*Reservation, error) {
	period := models.BudgetPeriodFor(now)
	spend, tokens, requests := key.Counters(period)

	res, err := reserveScript.Run(ctx, c.client, []string{CounterKey(key.ID, period)},
		int64(counterTTL.Seconds()),
		strconv.FormatFloat(estUSD, 'f', -1, 64),
		estTokens,
		limitArg(key.MonthlyBudgetUSD),
		limitArg(key.MonthlyTokenLimit),
		limitArg(key.MonthlyRequestLimit),
		strconv.FormatFloat(spend, 'f', -1, 64),
		tokens,
		requests,
		strconv.FormatFloat(key.MaxCallUSD, 'f', -1, 64),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("budget reserve failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("budget reserve: unexpected reply %v", res)
	}
	if res[0] != "1" {
		return nil, fmt.Errorf("%w: %s", ErrBudgetExceeded, res[1])
	}
	hold, err := strconv.ParseFloat(res[1], 64)
	if err != nil {
		return nil, fmt.Errorf("budget reserve: bad hold %q: %w", res[1], err)
	}
	return &Reservation{KeyID: key.ID, Period: period, USD: hold, Tokens: estTokens}, nil
}

// Settle charges the hash and forwards the charge to the database mirror
func (c *RedisCounter) Settle(ctx context.Context, r *Reservation, actualUSD float64, actualTokens int64, now time.Time) error {
	_, err := settleScript.Run(ctx, c.client, []string{CounterKey(r.KeyID, r.Period)},
		strconv.FormatFloat(r.USD, 'f', -1, 64),
		r.Tokens,
		strconv.FormatFloat(actualUSD, 'f', -1, 64),
		actualTokens,
		int64(counterTTL.Seconds()),
	).Text()
	if err != nil {
		return fmt.Errorf("budget settle failed: %w", err)
	}

	ev := ChargeEvent{KeyID: r.KeyID, Period: r.Period, USD: actualUSD, Tokens: actualTokens, Requests: 1, At: now}
	if c.sink != nil {
		err := c.sink.Enqueue(ctx, ev)
		if err == nil {
			return nil
		}
		c.logger.Warn("Charge queue unavailable, applying directly", "key_id", r.KeyID, "error", err)
	}
	if _, err := c.store.ApplyCharge(ctx, ev.KeyID, ev.Period, ev.USD, ev.Tokens, ev.Requests, now); err != nil {
		return fmt.Errorf("failed to mirror charge for key %s: %w", r.KeyID, err)
	}
	return nil
}

// Usage reads the live hash, falling back to the key row when the period
// has not been touched in Redis yet
func (c *RedisCounter) Usage(ctx context.Context, key *models.ProviderKey, now time.Time) (Usage, error) {
	period := models.BudgetPeriodFor(now)
	vals, err := c.client.HMGet(ctx, CounterKey(key.ID, period), "spend", "tokens", "requests").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, fmt.Errorf("failed to read budget counters: %w", err)
	}
	if len(vals) != 3 || vals[0] == nil {
		spend, tokens, requests := key.Counters(period)
		return Usage{SpendUSD: spend, Tokens: tokens, Requests: requests}, nil
	}

	var u Usage
	u.SpendUSD, _ = strconv.ParseFloat(fmt.Sprint(vals[0]), 64)
	u.Tokens, _ = strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	u.Requests, _ = strconv.ParseInt(fmt.Sprint(vals[2]), 10, 64)
	return u, nil
}

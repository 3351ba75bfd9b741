package security

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTokenBucket is a token bucket shared by every replica through Redis.
type RedisTokenBucket struct {
	Redis      *redis.Client
	Prefix     string
	Capacity   int
	RefillRate float64 // tokens per second
	Now        func() time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

var errBadScriptReply = errors.New("ratelimit: unexpected script reply")

// The script returns {allowed, floor(tokens left), ms until next token}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local filled = math.min(capacity, tokens + delta * refill_rate)

local allowed = 0
local wait_ms = 0
if filled >= 1 then
  allowed = 1
  filled = filled - 1
else
  wait_ms = math.ceil((1 - filled) / refill_rate * 1000)
end

redis.call('HSET', key, 'tokens', tostring(filled), 'last', tostring(now))
redis.call('EXPIRE', key, ttl)

return {allowed, math.floor(filled), wait_ms}
`)

func (l *RedisTokenBucket) key(raw string) string {
	if l.Prefix == "" {
		return raw
	}
	return l.Prefix + ":" + raw
}

// Allow takes one token from the bucket for rawKey. A limiter with no Redis
// or no configured rate allows everything.
func (l *RedisTokenBucket) Allow(ctx context.Context, rawKey string) (Decision, error) {
	if l.Redis == nil || l.Capacity <= 0 || l.RefillRate <= 0 {
		return Decision{Allowed: true, Remaining: l.Capacity}, nil
	}

	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	ts := float64(now().UnixNano()) / 1e9
	ttl := int64(float64(l.Capacity)/l.RefillRate) + 1

	vals, err := tokenBucketScript.Run(ctx, l.Redis, []string{l.key(rawKey)},
		l.Capacity, l.RefillRate, strconv.FormatFloat(ts, 'f', 6, 64), ttl).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(vals) != 3 {
		return Decision{}, errBadScriptReply
	}
	return Decision{
		Allowed:    vals[0] == 1,
		Remaining:  int(vals[1]),
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// RateLimitMiddleware limits each key returned by keyFn. Requests with no
// key are not limited. A Redis failure fails closed.
func RateLimitMiddleware(l *RedisTokenBucket, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if keyFn != nil {
				key = keyFn(r)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := l.Allow(r.Context(), key)
			if err != nil {
				WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				secs := int((d.RetryAfter + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

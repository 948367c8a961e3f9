package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mawney.org/sentinel/internal/ids"
	"mawney.org/sentinel/internal/ratelimit"
)

// hitScript checks and records one hit across every window of a key. KEYS
// are the window ZSETs; ARGV is now_ms, member, then limit and period_ms per
// window. It returns {allowed, limit, remaining, retry_ms, reset_ms}.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
local counts = {}
local allowed = 1
local retry = 0
local denyLimit = 0
for i = 1, #KEYS do
  local limit = tonumber(ARGV[1 + i * 2])
  local period = tonumber(ARGV[2 + i * 2])
  redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', now - period)
  local count = redis.call('ZCARD', KEYS[i])
  counts[i] = count
  if count >= limit then
    local oldest = redis.call('ZRANGE', KEYS[i], count - limit, count - limit, 'WITHSCORES')
    local r = tonumber(oldest[2]) + period - now
    if allowed == 1 or r > retry then
      retry = r
      denyLimit = limit
    end
    allowed = 0
  end
end
if allowed == 0 then
  return {0, denyLimit, 0, retry, now + retry}
end
local bestRemaining = -1
local bestLimit = 0
local bestReset = 0
for i = 1, #KEYS do
  local limit = tonumber(ARGV[1 + i * 2])
  local period = tonumber(ARGV[2 + i * 2])
  redis.call('ZADD', KEYS[i], now, member)
  redis.call('PEXPIRE', KEYS[i], period)
  local remaining = limit - counts[i] - 1
  if bestRemaining < 0 or remaining < bestRemaining then
    bestRemaining = remaining
    bestLimit = limit
    local first = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
    bestReset = tonumber(first[2]) + period
  end
end
return {1, bestLimit, bestRemaining, 0, bestReset}
`)

// WindowBackend is a ratelimit.Backend shared by every replica. Each window
// is a sorted set of hit timestamps; the script makes check-and-record atomic.
type WindowBackend struct {
	client redis.Scripter
	prefix string
}

var _ ratelimit.Backend = (*WindowBackend)(nil)

func NewWindowBackend(client redis.Scripter, prefix string) *WindowBackend {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &WindowBackend{client: client, prefix: prefix}
}

func (b *WindowBackend) Hit(ctx context.Context, key string, windows []ratelimit.Window, now time.Time) (ratelimit.HitResult, error) {
	keys, args := b.scriptInput(key, windows, now)
	vals, err := hitScript.Run(ctx, b.client, keys, args...).Int64Slice()
	if err != nil {
		return ratelimit.HitResult{}, fmt.Errorf("redis window hit: %w", err)
	}
	if len(vals) != 5 {
		return ratelimit.HitResult{}, fmt.Errorf("redis window hit: unexpected reply %v", vals)
	}
	return ratelimit.HitResult{
		Allowed:    vals[0] == 1,
		Limit:      int(vals[1]),
		Remaining:  int(vals[2]),
		RetryAfter: time.Duration(vals[3]) * time.Millisecond,
		ResetAt:    time.UnixMilli(vals[4]),
	}, nil
}

// scriptInput keeps every window of one key in the same hash slot.
func (b *WindowBackend) scriptInput(key string, windows []ratelimit.Window, now time.Time) ([]string, []any) {
	keys := make([]string, len(windows))
	args := make([]any, 0, 2+2*len(windows))
	args = append(args, now.UnixMilli(), strconv.FormatInt(now.UnixMilli(), 10)+"-"+ids.NewAt(now))
	for i, w := range windows {
		period := w.Period.Milliseconds()
		keys[i] = fmt.Sprintf("%srl:{%s}:%d:%d", b.prefix, key, i, period)
		args = append(args, w.Limit, period)
	}
	return keys, args
}

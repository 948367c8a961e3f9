package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mawney.org/sentinel/internal/auth"
)

// extendLock sets the lock only when it moves the expiry later.
var extendLock = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local untilMs = tonumber(ARGV[1])
if cur >= untilMs then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return 1
`)

// Lockouts stores lockouts as expiring keys holding the unlock time.
type Lockouts struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

var _ auth.Lockouts = (*Lockouts)(nil)

func NewLockouts(client redis.Cmdable, prefix string) *Lockouts {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Lockouts{client: client, prefix: prefix + "lock:", now: time.Now}
}

func (l *Lockouts) Lock(ctx context.Context, key string, until time.Time) error {
	ttl := until.Sub(l.now())
	if ttl <= 0 {
		return nil
	}
	secs := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	if err := extendLock.Run(ctx, l.client, []string{l.prefix + key}, until.UnixMilli(), secs).Err(); err != nil {
		return fmt.Errorf("redis lock %s: %w", key, err)
	}
	return nil
}

func (l *Lockouts) LockedUntil(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := l.client.Get(ctx, l.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis lockout lookup: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis lockout %s: %w", key, err)
	}
	until := time.UnixMilli(ms)
	if !until.After(l.now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

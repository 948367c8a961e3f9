package auth

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// Lockout key prefixes.
const (
	LockSubjectPrefix = "subject:"
	LockEmailPrefix   = "email:"
	LockIPPrefix      = "ip:"
)

// Lockouts records temporary denials of token issue. LockedUntil returns false
// once the lock has lapsed.
type Lockouts interface {
	Lock(ctx context.Context, key string, until time.Time) error
	LockedUntil(ctx context.Context, key string) (time.Time, bool, error)
}

// MemoryLockouts keeps lockouts in an expiring in-process cache.
type MemoryLockouts struct {
	cache *cache.Cache
	now   func() time.Time
}

// NewMemoryLockouts builds an empty lockout table. A nil clock means time.Now.
func NewMemoryLockouts(now func() time.Time) *MemoryLockouts {
	if now == nil {
		now = time.Now
	}
	return &MemoryLockouts{cache: cache.New(cache.NoExpiration, time.Minute), now: now}
}

func (m *MemoryLockouts) Lock(_ context.Context, key string, until time.Time) error {
	ttl := until.Sub(m.now())
	if ttl <= 0 {
		return nil
	}
	if cur, ok := m.cache.Get(key); ok {
		if existing := cur.(time.Time); existing.After(until) {
			until = existing
			ttl = until.Sub(m.now())
		}
	}
	m.cache.Set(key, until, ttl)
	return nil
}

func (m *MemoryLockouts) LockedUntil(_ context.Context, key string) (time.Time, bool, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return time.Time{}, false, nil
	}
	until := v.(time.Time)
	if !until.After(m.now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

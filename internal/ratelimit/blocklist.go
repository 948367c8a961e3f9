package ratelimit

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// BlockList rejects IPs flagged by the threat monitor until their block lapses.
type BlockList struct {
	cache *cache.Cache
}

func NewBlockList() *BlockList {
	return &BlockList{cache: cache.New(cache.NoExpiration, time.Minute)}
}

// Block rejects ip until the given time. A later until extends the block.
func (b *BlockList) Block(_ context.Context, ip string, until time.Time) error {
	ttl := time.Until(until)
	if ip == "" || ttl <= 0 {
		return nil
	}
	if cur, ok := b.cache.Get(ip); ok && cur.(time.Time).After(until) {
		return nil
	}
	b.cache.Set(ip, until, ttl)
	return nil
}

// Blocked returns the block expiry for ip, if any.
func (b *BlockList) Blocked(ip string) (time.Time, bool) {
	v, ok := b.cache.Get(ip)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

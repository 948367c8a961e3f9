package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mawney.org/sentinel/internal/auth"
)

// putRevocation upserts one hash field keeping the later not_before and
// expires_at. The value is "not_before_ms:expires_ms".
var putRevocation = redis.NewScript(`
local nb = tonumber(ARGV[2])
local ex = tonumber(ARGV[3])
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local sep = string.find(cur, ':', 1, true)
  local cnb = tonumber(string.sub(cur, 1, sep - 1))
  local cex = tonumber(string.sub(cur, sep + 1))
  if cnb > nb then nb = cnb end
  if cex > ex then ex = cex end
end
redis.call('HSET', KEYS[1], ARGV[1], nb .. ':' .. ex)
return 1
`)

// RevocationStore keeps the revocation set in one Redis hash.
type RevocationStore struct {
	client redis.Cmdable
	key    string
}

var _ auth.RevocationStore = (*RevocationStore)(nil)

func NewRevocationStore(client redis.Cmdable, prefix string) *RevocationStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RevocationStore{client: client, key: prefix + "revocations"}
}

func (s *RevocationStore) Put(ctx context.Context, rev auth.Revocation) error {
	err := putRevocation.Run(ctx, s.client, []string{s.key},
		revocationField(rev.Kind, rev.Value), rev.NotBefore.UnixMilli(), rev.ExpiresAt.UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("redis put revocation: %w", err)
	}
	return nil
}

// Active returns unexpired entries and removes the rest.
func (s *RevocationStore) Active(ctx context.Context, now time.Time) ([]auth.Revocation, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list revocations: %w", err)
	}
	var (
		out   []auth.Revocation
		stale []string
	)
	for field, value := range all {
		rev, ok := decodeRevocation(field, value)
		if !ok || !rev.ExpiresAt.After(now) {
			stale = append(stale, field)
			continue
		}
		out = append(out, rev)
	}
	if len(stale) > 0 {
		_ = s.client.HDel(ctx, s.key, stale...).Err()
	}
	return out, nil
}

func revocationField(kind auth.RevocationKind, value string) string {
	return string(kind) + "|" + value
}

func decodeRevocation(field, value string) (auth.Revocation, bool) {
	kind, v, ok := strings.Cut(field, "|")
	if !ok {
		return auth.Revocation{}, false
	}
	nbRaw, exRaw, ok := strings.Cut(value, ":")
	if !ok {
		return auth.Revocation{}, false
	}
	nb, err1 := strconv.ParseInt(nbRaw, 10, 64)
	ex, err2 := strconv.ParseInt(exRaw, 10, 64)
	if err1 != nil || err2 != nil {
		return auth.Revocation{}, false
	}
	return auth.Revocation{
		Kind:      auth.RevocationKind(kind),
		Value:     v,
		NotBefore: time.UnixMilli(nb),
		ExpiresAt: time.UnixMilli(ex),
	}, true
}

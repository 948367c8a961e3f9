package auth

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"mawney.org/sentinel/internal/obs"
)

// RevocationKind says what a revocation entry matches.
type RevocationKind string

const (
	RevokeJTI     RevocationKind = "jti"
	RevokeLineage RevocationKind = "lineage"
	RevokeSubject RevocationKind = "subject"
)

// Revocation is one entry of the revocation set. For RevokeSubject, access
// tokens issued at or before NotBefore are rejected. ExpiresAt is when the
// entry can no longer match a live token and may be forgotten.
type Revocation struct {
	Kind      RevocationKind
	Value     string
	NotBefore time.Time
	ExpiresAt time.Time
}

func (r Revocation) key() string { return string(r.Kind) + ":" + r.Value }

// RevocationStore is the durable side of the revocation set. Put is an upsert
// that keeps the later NotBefore and ExpiresAt.
type RevocationStore interface {
	Put(ctx context.Context, rev Revocation) error
	Active(ctx context.Context, now time.Time) ([]Revocation, error)
}

// revocationSet mirrors the durable store in process memory so Validate never
// performs I/O.
type revocationSet struct {
	store RevocationStore
	cache *cache.Cache
	now   func() time.Time
}

func newRevocationSet(store RevocationStore, now func() time.Time) *revocationSet {
	return &revocationSet{
		store: store,
		cache: cache.New(cache.NoExpiration, 5*time.Minute),
		now:   now,
	}
}

// add writes through to the durable store before updating the mirror.
func (s *revocationSet) add(ctx context.Context, rev Revocation) error {
	if err := s.store.Put(ctx, rev); err != nil {
		return err
	}
	s.mirror(rev)
	return nil
}

func (s *revocationSet) mirror(rev Revocation) {
	ttl := rev.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return
	}
	if cur, ok := s.cache.Get(rev.key()); ok {
		existing := cur.(Revocation)
		if existing.NotBefore.After(rev.NotBefore) {
			rev.NotBefore = existing.NotBefore
		}
		if existing.ExpiresAt.After(rev.ExpiresAt) {
			rev.ExpiresAt = existing.ExpiresAt
			ttl = rev.ExpiresAt.Sub(s.now())
		}
	}
	s.cache.Set(rev.key(), rev, ttl)
}

// revoked reports whether claims match any live entry.
func (s *revocationSet) revoked(c *Claims) bool {
	if _, ok := s.cache.Get(Revocation{Kind: RevokeJTI, Value: c.ID}.key()); ok {
		return true
	}
	if c.LineageID != "" {
		if _, ok := s.cache.Get(Revocation{Kind: RevokeLineage, Value: c.LineageID}.key()); ok {
			return true
		}
	}
	if v, ok := s.cache.Get(Revocation{Kind: RevokeSubject, Value: c.Subject}.key()); ok {
		cutoff := v.(Revocation).NotBefore
		if c.IssuedAt == nil || !c.IssuedAt.Time.After(cutoff) {
			return true
		}
	}
	return false
}

func (s *revocationSet) lineageRevoked(lineageID string) bool {
	_, ok := s.cache.Get(Revocation{Kind: RevokeLineage, Value: lineageID}.key())
	return ok
}

// sync reloads every active entry from the durable store.
func (s *revocationSet) sync(ctx context.Context) (int, error) {
	active, err := s.store.Active(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, rev := range active {
		s.mirror(rev)
	}
	return len(active), nil
}

// MemoryRevocationStore is a process-local RevocationStore.
type MemoryRevocationStore struct {
	mu      sync.Mutex
	entries map[string]Revocation
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{entries: make(map[string]Revocation)}
}

func (m *MemoryRevocationStore) Put(_ context.Context, rev Revocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[rev.key()]; ok {
		if cur.NotBefore.After(rev.NotBefore) {
			rev.NotBefore = cur.NotBefore
		}
		if cur.ExpiresAt.After(rev.ExpiresAt) {
			rev.ExpiresAt = cur.ExpiresAt
		}
	}
	m.entries[rev.key()] = rev
	return nil
}

func (m *MemoryRevocationStore) Active(_ context.Context, now time.Time) ([]Revocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Revocation, 0, len(m.entries))
	for k, rev := range m.entries {
		if !rev.ExpiresAt.After(now) {
			delete(m.entries, k)
			continue
		}
		out = append(out, rev)
	}
	return out, nil
}

// RunSync reloads the revocation mirror every interval until ctx is done, so
// revocations made by other processes take effect here.
func (s *Service) RunSync(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := obs.Named("auth")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := s.revocations.sync(ctx); err != nil {
				logger.Warn("revocation sync failed", obs.Err(err))
			} else {
				logger.Debug("revocation sync", zap.Int("active", n))
			}
		}
	}
}

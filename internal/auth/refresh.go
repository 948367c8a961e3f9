package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"mawney.org/sentinel/internal/ids"
	"mawney.org/sentinel/internal/secerr"
)

// RefreshToken is the persisted form of a refresh token. Only the hash of the
// secret half is stored.
type RefreshToken struct {
	ID          string
	SubjectID   string
	LineageID   string
	TokenHash   string
	RotatedFrom string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
	RevokedAt   *time.Time
}

// RefreshStore persists refresh tokens. Consume is a compare-and-swap: it
// returns true only for the single caller that moved the token from unconsumed
// to consumed.
type RefreshStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Get(ctx context.Context, id string) (*RefreshToken, error)
	Consume(ctx context.Context, id string, at time.Time) (bool, error)
	RevokeLineage(ctx context.Context, lineageID string, at time.Time) (int64, error)
	RevokeSubject(ctx context.Context, subjectID string, at time.Time) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

func newRefreshToken(subjectID, lineageID, rotatedFrom string, now time.Time, ttl time.Duration) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	rec := &RefreshToken{
		ID:          ids.NewAt(now),
		SubjectID:   subjectID,
		LineageID:   lineageID,
		TokenHash:   hashSecret(secret),
		RotatedFrom: rotatedFrom,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
	return rec.ID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := hashSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

// MemoryRefreshStore keeps refresh tokens in process memory.
type MemoryRefreshStore struct {
	mu   sync.Mutex
	byID map[string]*RefreshToken
}

func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{byID: make(map[string]*RefreshToken)}
}

func (m *MemoryRefreshStore) Create(_ context.Context, tok *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[tok.ID]; ok {
		return secerr.ErrAlreadyExists
	}
	cp := *tok
	m.byID[tok.ID] = &cp
	return nil
}

func (m *MemoryRefreshStore) Get(_ context.Context, id string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.byID[id]
	if !ok {
		return nil, secerr.ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (m *MemoryRefreshStore) Consume(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.byID[id]
	if !ok {
		return false, secerr.ErrNotFound
	}
	if tok.ConsumedAt != nil || tok.RevokedAt != nil {
		return false, nil
	}
	tok.ConsumedAt = &at
	return true, nil
}

func (m *MemoryRefreshStore) RevokeLineage(_ context.Context, lineageID string, at time.Time) (int64, error) {
	return m.revokeWhere(func(t *RefreshToken) bool { return t.LineageID == lineageID }, at), nil
}

func (m *MemoryRefreshStore) RevokeSubject(_ context.Context, subjectID string, at time.Time) (int64, error) {
	return m.revokeWhere(func(t *RefreshToken) bool { return t.SubjectID == subjectID }, at), nil
}

func (m *MemoryRefreshStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, tok := range m.byID {
		if tok.ExpiresAt.Before(before) {
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRefreshStore) revokeWhere(match func(*RefreshToken) bool, at time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, tok := range m.byID {
		if tok.RevokedAt == nil && match(tok) {
			t := at
			tok.RevokedAt = &t
			n++
		}
	}
	return n
}

package credential

import (
	"context"
	"sort"
	"sync"
	"time"

	"mawney.org/sentinel/internal/access"
	"mawney.org/sentinel/internal/fieldcrypt"
	"mawney.org/sentinel/internal/secerr"
)

// MemoryStore keeps users in process memory. It backs tests and single-node
// deployments without DATABASE_URL.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byIndex map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*User),
		byIndex: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[u.ID]; ok {
		return secerr.ErrAlreadyExists
	}
	if _, ok := m.byIndex[u.EmailIndex]; ok {
		return secerr.ErrAlreadyExists
	}
	m.byID[u.ID] = cloneUser(u)
	m.byIndex[u.EmailIndex] = u.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, secerr.ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *MemoryStore) GetByEmailIndex(_ context.Context, index string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byIndex[index]
	if !ok {
		return nil, secerr.ErrNotFound
	}
	return cloneUser(m.byID[id]), nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, id string, fields map[fieldcrypt.Field]string, at time.Time) error {
	return m.mutate(id, func(u *User) {
		ApplyProfileFields(u, fields)
		u.UpdatedAt = at
	})
}

func (m *MemoryStore) SetRoles(_ context.Context, id string, roles []access.Role, at time.Time) error {
	return m.mutate(id, func(u *User) {
		u.Roles = append([]access.Role(nil), roles...)
		u.UpdatedAt = at
	})
}

func (m *MemoryStore) SetActive(_ context.Context, id string, active bool, at time.Time) error {
	return m.mutate(id, func(u *User) {
		u.Active = active
		u.UpdatedAt = at
	})
}

func (m *MemoryStore) SoftDelete(_ context.Context, id string, at time.Time) error {
	return m.mutate(id, func(u *User) {
		if u.Deleted {
			return
		}
		u.Deleted = true
		u.Active = false
		u.DeletedAt = &at
		u.UpdatedAt = at
	})
}

func (m *MemoryStore) TouchLogin(_ context.Context, id string, at time.Time) error {
	return m.mutate(id, func(u *User) { u.LastLoginAt = &at })
}

func (m *MemoryStore) PurgeDeleted(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, u := range m.byID {
		if u.Deleted && u.DeletedAt != nil && u.DeletedAt.Before(before) {
			delete(m.byIndex, u.EmailIndex)
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}

// ScanProfiles visits users in id order without holding the lock across fn.
func (m *MemoryStore) ScanProfiles(ctx context.Context, fn func(*User) error) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		u, err := m.Get(ctx, id)
		if err != nil {
			continue
		}
		if err := fn(u); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) mutate(id string, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return secerr.ErrNotFound
	}
	fn(u)
	return nil
}

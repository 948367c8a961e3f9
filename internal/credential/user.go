// Package credential owns subject records: registration, password checks and
// the encrypted profile fields.
package credential

import (
	"context"
	"time"

	"mawney.org/sentinel/internal/access"
	"mawney.org/sentinel/internal/fieldcrypt"
)

// User is the stored subject record. Email, Phone and Address hold fieldcrypt
// blobs; EmailIndex is the blind index used for lookup and uniqueness.
type User struct {
	ID           string
	Email        string
	EmailIndex   string
	Phone        string
	Address      string
	PasswordHash string
	Roles        []access.Role
	Active       bool
	Deleted      bool
	DeletedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

// Usable reports whether tokens may be issued for u.
func (u *User) Usable() bool {
	return u != nil && u.Active && !u.Deleted
}

// Profile is the decrypted, exportable view of a user.
type Profile struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Phone       string     `json:"phone,omitempty"`
	Address     string     `json:"address,omitempty"`
	Roles       []string   `json:"roles"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// ProfileUpdate carries optional profile changes. Nil leaves a field as is.
type ProfileUpdate struct {
	Phone   *string
	Address *string
}

// Store is the persistence contract for subject records. Implementations map
// missing rows to secerr.ErrNotFound and index collisions to
// secerr.ErrAlreadyExists.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByEmailIndex(ctx context.Context, index string) (*User, error)
	UpdateProfile(ctx context.Context, id string, fields map[fieldcrypt.Field]string, at time.Time) error
	SetRoles(ctx context.Context, id string, roles []access.Role, at time.Time) error
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
	TouchLogin(ctx context.Context, id string, at time.Time) error
	PurgeDeleted(ctx context.Context, before time.Time) (int64, error)
	ScanProfiles(ctx context.Context, fn func(*User) error) error
}

// profileFields lists the encrypted user_profile fields held by u.
func profileFields(u *User) map[fieldcrypt.Field]string {
	return map[fieldcrypt.Field]string{
		fieldcrypt.UserProfileEmail:   u.Email,
		fieldcrypt.UserProfilePhone:   u.Phone,
		fieldcrypt.UserProfileAddress: u.Address,
	}
}

// ApplyProfileFields copies encrypted field values onto u. Unknown fields are
// ignored.
func ApplyProfileFields(u *User, fields map[fieldcrypt.Field]string) {
	for f, v := range fields {
		switch f {
		case fieldcrypt.UserProfileEmail:
			u.Email = v
		case fieldcrypt.UserProfilePhone:
			u.Phone = v
		case fieldcrypt.UserProfileAddress:
			u.Address = v
		}
	}
}

func cloneUser(u *User) *User {
	cp := *u
	cp.Roles = append([]access.Role(nil), u.Roles...)
	if u.DeletedAt != nil {
		t := *u.DeletedAt
		cp.DeletedAt = &t
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		cp.LastLoginAt = &t
	}
	return &cp
}

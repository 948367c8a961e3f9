package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mawney.org/sentinel/internal/access"
	"mawney.org/sentinel/internal/credential"
	"mawney.org/sentinel/internal/fieldcrypt"
	"mawney.org/sentinel/internal/secerr"
)

// CredentialStore persists subjects in the users table.
type CredentialStore struct {
	db *sql.DB
}

var _ credential.Store = (*CredentialStore)(nil)

const userColumns = `id, email, email_index, phone, address, password_hash, roles, active, deleted, deleted_at, created_at, updated_at, last_login_at`

func (s *CredentialStore) Create(ctx context.Context, u *credential.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (`+userColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, u.ID, u.Email, u.EmailIndex, u.Phone, u.Address, u.PasswordHash, joinRoles(u.Roles),
		u.Active, u.Deleted, nullTime(u.DeletedAt), u.CreatedAt, u.UpdatedAt, nullTime(u.LastLoginAt))
	if err != nil {
		if isUniqueViolation(err) {
			return secerr.ErrAlreadyExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *CredentialStore) Get(ctx context.Context, id string) (*credential.User, error) {
	return s.getOne(ctx, `select `+userColumns+` from users where id = $1`, id)
}

func (s *CredentialStore) GetByEmailIndex(ctx context.Context, index string) (*credential.User, error) {
	return s.getOne(ctx, `select `+userColumns+` from users where email_index = $1`, index)
}

func (s *CredentialStore) getOne(ctx context.Context, query string, arg string) (*credential.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, secerr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *CredentialStore) UpdateProfile(ctx context.Context, id string, fields map[fieldcrypt.Field]string, at time.Time) error {
	var (
		sets = []string{"updated_at = $2"}
		args = []any{id, at}
	)
	for _, f := range []fieldcrypt.Field{fieldcrypt.UserProfileEmail, fieldcrypt.UserProfilePhone, fieldcrypt.UserProfileAddress} {
		v, ok := fields[f]
		if !ok {
			continue
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", profileColumn(f), len(args)))
	}
	return s.execOne(ctx, `update users set `+strings.Join(sets, ", ")+` where id = $1`, args...)
}

func (s *CredentialStore) SetRoles(ctx context.Context, id string, roles []access.Role, at time.Time) error {
	return s.execOne(ctx, `update users set roles = $2, updated_at = $3 where id = $1`, id, joinRoles(roles), at)
}

func (s *CredentialStore) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	return s.execOne(ctx, `update users set active = $2, updated_at = $3 where id = $1`, id, active, at)
}

// SoftDelete keeps the first deletion time when called again.
func (s *CredentialStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `
		update users
		set deleted = true,
		    active = false,
		    deleted_at = coalesce(deleted_at, $2),
		    updated_at = case when deleted then updated_at else $2 end
		where id = $1
	`, id, at)
}

func (s *CredentialStore) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `update users set last_login_at = $2 where id = $1`, id, at)
}

func (s *CredentialStore) PurgeDeleted(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from users where deleted and deleted_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge users: %w", err)
	}
	return res.RowsAffected()
}

// ScanProfiles pages through users by id so no cursor stays open across fn.
func (s *CredentialStore) ScanProfiles(ctx context.Context, fn func(*credential.User) error) error {
	const page = 200
	after := ""
	for {
		rows, err := s.db.QueryContext(ctx, `
			select `+userColumns+`
			from users
			where id > $1
			order by id
			limit $2
		`, after, page)
		if err != nil {
			return fmt.Errorf("scan users: %w", err)
		}
		var batch []*credential.User
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, u)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		for _, u := range batch {
			if err := fn(u); err != nil {
				return err
			}
		}
		if len(batch) < page {
			return nil
		}
		after = batch[len(batch)-1].ID
	}
}

func (s *CredentialStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return secerr.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*credential.User, error) {
	var (
		u         credential.User
		roles     string
		deletedAt sql.NullTime
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.EmailIndex, &u.Phone, &u.Address, &u.PasswordHash, &roles,
		&u.Active, &u.Deleted, &deletedAt, &u.CreatedAt, &u.UpdatedAt, &lastLogin); err != nil {
		return nil, err
	}
	parsed, err := access.ParseRoles(strings.Split(roles, ","))
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", u.ID, err)
	}
	u.Roles = parsed
	u.DeletedAt = timePtr(deletedAt)
	u.LastLoginAt = timePtr(lastLogin)
	return &u, nil
}

func joinRoles(roles []access.Role) string {
	return strings.Join(access.Strings(roles), ",")
}

func profileColumn(f fieldcrypt.Field) string {
	switch f {
	case fieldcrypt.UserProfileEmail:
		return "email"
	case fieldcrypt.UserProfilePhone:
		return "phone"
	default:
		return "address"
	}
}

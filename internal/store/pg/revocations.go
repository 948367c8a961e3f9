package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mawney.org/sentinel/internal/auth"
)

// RevocationStore persists the revocation set so it survives restarts.
type RevocationStore struct {
	db *sql.DB
}

var _ auth.RevocationStore = (*RevocationStore)(nil)

func (s *RevocationStore) Put(ctx context.Context, rev auth.Revocation) error {
	_, err := s.db.ExecContext(ctx, `
		insert into revocations (kind, value, not_before, expires_at)
		values ($1,$2,$3,$4)
		on conflict (kind, value) do update
		set not_before = greatest(revocations.not_before, excluded.not_before),
		    expires_at = greatest(revocations.expires_at, excluded.expires_at)
	`, string(rev.Kind), rev.Value, rev.NotBefore, rev.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put revocation: %w", err)
	}
	return nil
}

// Active returns unexpired entries and prunes the rest.
func (s *RevocationStore) Active(ctx context.Context, now time.Time) ([]auth.Revocation, error) {
	if _, err := s.db.ExecContext(ctx, `delete from revocations where expires_at <= $1`, now); err != nil {
		return nil, fmt.Errorf("prune revocations: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		select kind, value, not_before, expires_at
		from revocations
		where expires_at > $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list revocations: %w", err)
	}
	defer rows.Close()

	var out []auth.Revocation
	for rows.Next() {
		var (
			rev  auth.Revocation
			kind string
		)
		if err := rows.Scan(&kind, &rev.Value, &rev.NotBefore, &rev.ExpiresAt); err != nil {
			return nil, err
		}
		rev.Kind = auth.RevocationKind(kind)
		out = append(out, rev)
	}
	return out, rows.Err()
}

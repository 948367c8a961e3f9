package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mawney.org/sentinel/internal/auth"
	"mawney.org/sentinel/internal/secerr"
)

// RefreshStore persists refresh token hashes in refresh_tokens.
type RefreshStore struct {
	db *sql.DB
}

var _ auth.RefreshStore = (*RefreshStore)(nil)

func (s *RefreshStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, subject_id, lineage_id, token_hash, rotated_from, issued_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, tok.ID, tok.SubjectID, tok.LineageID, tok.TokenHash, nullString(tok.RotatedFrom), tok.IssuedAt, tok.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return secerr.ErrAlreadyExists
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (s *RefreshStore) Get(ctx context.Context, id string) (*auth.RefreshToken, error) {
	var (
		tok         auth.RefreshToken
		rotatedFrom sql.NullString
		consumedAt  sql.NullTime
		revokedAt   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, subject_id, lineage_id, token_hash, rotated_from, issued_at, expires_at, consumed_at, revoked_at
		from refresh_tokens
		where id = $1
	`, id).Scan(&tok.ID, &tok.SubjectID, &tok.LineageID, &tok.TokenHash, &rotatedFrom,
		&tok.IssuedAt, &tok.ExpiresAt, &consumedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, secerr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tok.RotatedFrom = rotatedFrom.String
	tok.ConsumedAt = timePtr(consumedAt)
	tok.RevokedAt = timePtr(revokedAt)
	return &tok, nil
}

// Consume is the rotation compare-and-swap. The row lock taken by the update
// serialises concurrent callers; only the first sees a row affected.
func (s *RefreshStore) Consume(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set consumed_at = $2
		where id = $1 and consumed_at is null and revoked_at is null
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("consume refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RefreshStore) RevokeLineage(ctx context.Context, lineageID string, at time.Time) (int64, error) {
	return s.revoke(ctx, `lineage_id`, lineageID, at)
}

func (s *RefreshStore) RevokeSubject(ctx context.Context, subjectID string, at time.Time) (int64, error) {
	return s.revoke(ctx, `subject_id`, subjectID, at)
}

func (s *RefreshStore) revoke(ctx context.Context, column, value string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2
		where `+column+` = $1 and revoked_at is null
	`, value, at)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

func (s *RefreshStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"mawney.org/sentinel/internal/access"
	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/auth"
	"mawney.org/sentinel/internal/credential"
	"mawney.org/sentinel/internal/fieldcrypt"
	"mawney.org/sentinel/internal/secerr"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var userCols = []string{"id", "email", "email_index", "phone", "address", "password_hash", "roles",
	"active", "deleted", "deleted_at", "created_at", "updated_at", "last_login_at"}

func TestCredentialCreateMapsUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	u := &credential.User{ID: "u1", Email: "fc1.k1.x", EmailIndex: "idx", PasswordHash: "h",
		Roles: []access.Role{access.RoleUser}, Active: true, CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec("insert into users").
		WithArgs("u1", "fc1.k1.x", "idx", "", "", "h", "user", true, false, nil, now, now, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := s.Credentials().Create(context.Background(), u); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mock.ExpectExec("insert into users").WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})
	if err := s.Credentials().Create(context.Background(), u); !errors.Is(err, secerr.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCredentialGetByEmailIndex(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	deleted := now.Add(time.Hour)

	mock.ExpectQuery("select .* from users where email_index = \\$1").WithArgs("idx").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u1", "fc1.k1.e", "idx", "fc1.k1.p", "", "h", "admin,user", false, true, deleted, now, deleted, nil))
	u, err := s.Credentials().GetByEmailIndex(context.Background(), "idx")
	if err != nil {
		t.Fatalf("GetByEmailIndex: %v", err)
	}
	if len(u.Roles) != 2 || u.DeletedAt == nil || !u.DeletedAt.Equal(deleted) || u.LastLoginAt != nil {
		t.Fatalf("unexpected user: %+v", u)
	}
	if u.Usable() {
		t.Fatal("deleted user reported usable")
	}

	mock.ExpectQuery("select .* from users where id = \\$1").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(userCols))
	if _, err := s.Credentials().Get(context.Background(), "missing"); !errors.Is(err, secerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCredentialUpdateProfile(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("update users set updated_at = \\$2, phone = \\$3, address = \\$4 where id = \\$1").
		WithArgs("u1", at, "fc1.k1.p", "fc1.k1.a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := s.Credentials().UpdateProfile(context.Background(), "u1", map[fieldcrypt.Field]string{
		fieldcrypt.UserProfileAddress: "fc1.k1.a",
		fieldcrypt.UserProfilePhone:   "fc1.k1.p",
	}, at)
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}

	mock.ExpectExec("update users set deleted = true").WithArgs("ghost", at).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.Credentials().SoftDelete(context.Background(), "ghost", at); !errors.Is(err, secerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCredentialScanProfiles(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("from users where id > \\$1 order by id").WithArgs("", 200).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u1", "e1", "i1", "", "", "h", "user", true, false, nil, now, now, nil).
			AddRow("u2", "e2", "i2", "", "", "h", "read-only", true, false, nil, now, now, now))

	var seen []string
	err := s.Credentials().ScanProfiles(context.Background(), func(u *credential.User) error {
		seen = append(seen, u.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanProfiles: %v", err)
	}
	if len(seen) != 2 || seen[0] != "u1" || seen[1] != "u2" {
		t.Fatalf("unexpected scan order: %v", seen)
	}
}

func TestRefreshConsumeIsCompareAndSwap(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()
	store := s.RefreshTokens()

	mock.ExpectExec("update refresh_tokens set consumed_at = \\$2 where id = \\$1 and consumed_at is null and revoked_at is null").
		WithArgs("r1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update refresh_tokens set consumed_at").
		WithArgs("r1", at).WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := store.Consume(context.Background(), "r1", at)
	if err != nil || !won {
		t.Fatalf("first consume: won=%v err=%v", won, err)
	}
	won, err = store.Consume(context.Background(), "r1", at)
	if err != nil || won {
		t.Fatalf("second consume must lose: won=%v err=%v", won, err)
	}
}

func TestRefreshGetAndRevokeLineage(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	store := s.RefreshTokens()

	mock.ExpectQuery("from refresh_tokens where id = \\$1").WithArgs("r2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject_id", "lineage_id", "token_hash", "rotated_from",
			"issued_at", "expires_at", "consumed_at", "revoked_at"}).
			AddRow("r2", "u1", "sid-1", "hash", "r1", now, now.Add(time.Hour), nil, nil))
	tok, err := store.Get(context.Background(), "r2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tok.RotatedFrom != "r1" || tok.ConsumedAt != nil || tok.LineageID != "sid-1" {
		t.Fatalf("unexpected token: %+v", tok)
	}

	mock.ExpectExec("update refresh_tokens set revoked_at = \\$2 where lineage_id = \\$1 and revoked_at is null").
		WithArgs("sid-1", now).WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := store.RevokeLineage(context.Background(), "sid-1", now)
	if err != nil || n != 3 {
		t.Fatalf("RevokeLineage: n=%d err=%v", n, err)
	}
}

func TestRevocationsUpsertAndActive(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	store := s.Revocations()

	mock.ExpectExec("insert into revocations .* on conflict \\(kind, value\\) do update").
		WithArgs("subject", "u1", now, now.Add(15*time.Minute)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Put(context.Background(), auth.Revocation{Kind: auth.RevokeSubject, Value: "u1", NotBefore: now, ExpiresAt: now.Add(15 * time.Minute)}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	mock.ExpectExec("delete from revocations where expires_at <= \\$1").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery("select kind, value, not_before, expires_at from revocations").WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "value", "not_before", "expires_at"}).
			AddRow("jti", "t1", now, now.Add(time.Minute)).
			AddRow("lineage", "sid-1", now, now.Add(time.Hour)))
	active, err := store.Active(context.Background(), now)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 2 || active[0].Kind != auth.RevokeJTI || active[1].Kind != auth.RevokeLineage {
		t.Fatalf("unexpected revocations: %+v", active)
	}
}

func TestAuditAppendBatchInTransaction(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	events := []audit.Event{
		{ID: "01A", Timestamp: now, Type: audit.TypeAuthentication, SubjectID: "u1", Outcome: audit.OutcomeFailure,
			Details: map[string]any{"reason": "invalid_credentials"}},
		{ID: "01B", Timestamp: now, Type: audit.TypeRateLimit, Outcome: audit.OutcomeBlocked, IP: "10.0.0.1"},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("insert into audit_events .* on conflict \\(id\\) do nothing")
	prep.ExpectExec().WithArgs("01A", now, "authentication", "u1", "", "", "", "", "failure", "", "",
		[]byte(`{"reason":"invalid_credentials"}`)).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("01B", now, "security_ratelimit", nil, "", "10.0.0.1", "", "", "blocked", "", "",
		[]byte(`{}`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := s.Audit().Append(context.Background(), events); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestAuditAppendRollsBackOnError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("insert into audit_events")
	prep.ExpectExec().WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.Audit().Append(context.Background(), []audit.Event{{ID: "01C", Timestamp: time.Now(), Type: audit.TypeRequest}})
	if err == nil {
		t.Fatal("expected error")
	}
}

var auditCols = []string{"seq", "id", "ts", "type", "subject_id", "email_index", "ip", "route", "method",
	"outcome", "user_agent", "request_id", "details"}

func TestAuditQueryScopedToSubject(t *testing.T) {
	s, mock := newMock(t)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("from audit_events where subject_id = \\$1 and ts >= \\$2 and type = \\$3 order by ts desc, seq desc limit \\$4\\) recent order by ts asc, seq asc").
		WithArgs("u1", since, "data_access", 50).
		WillReturnRows(sqlmock.NewRows(auditCols).
			AddRow(7, "01D", since.Add(time.Minute), "data_access", "u1", "", "", "/user/data-export", "GET", "success", "", "r1", []byte(`{"record_count":3}`)))

	events, err := s.Audit().Query(context.Background(), audit.Query{SubjectID: "u1", Since: since, Type: audit.TypeDataAccess, Limit: 50})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 || events[0].Details["record_count"].(float64) != 3 {
		t.Fatalf("unexpected events: %+v", events)
	}

	if _, err := s.Audit().Query(context.Background(), audit.Query{}); !errors.Is(err, secerr.ErrInvalidInput) {
		t.Fatalf("query without subject must fail, got %v", err)
	}
}

func TestAuditTailAndPurge(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("from audit_events where seq > \\$1 order by seq asc limit \\$2").WithArgs(int64(41), 10).
		WillReturnRows(sqlmock.NewRows(auditCols).
			AddRow(42, "01B", now, "security_ratelimit", nil, "", "10.0.0.1", "", "", "blocked", "", "", []byte(`{}`)))
	events, err := s.Audit().Tail(context.Background(), 41, 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 42 || events[0].SubjectID != "" || events[0].Details != nil {
		t.Fatalf("unexpected tail: %+v", events)
	}

	mock.ExpectQuery("select coalesce\\(").WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(41))
	seq, err := s.Audit().SeqBefore(context.Background(), now)
	if err != nil || seq != 41 {
		t.Fatalf("SeqBefore: seq=%d err=%v", seq, err)
	}

	cutoff := now.AddDate(-7, 0, 0)
	mock.ExpectExec("delete from audit_events where ts < \\$1").WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 42))
	n, err := s.Audit().Purge(context.Background(), cutoff)
	if err != nil || n != 42 {
		t.Fatalf("Purge: n=%d err=%v", n, err)
	}
}

func TestLeaseHoldsAdvisoryLock(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	lease := s.Lease(MonitorLeaseKey)

	mock.ExpectQuery("select pg_try_advisory_lock\\(\\$1\\)").WithArgs(MonitorLeaseKey).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	held, err := lease.Hold(ctx)
	if err != nil || held {
		t.Fatalf("Hold while taken elsewhere: held=%v err=%v", held, err)
	}

	mock.ExpectQuery("select pg_try_advisory_lock\\(\\$1\\)").WithArgs(MonitorLeaseKey).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	if held, err = lease.Hold(ctx); err != nil || !held {
		t.Fatalf("Hold: held=%v err=%v", held, err)
	}
	// Already held: only the session is checked.
	if held, err = lease.Hold(ctx); err != nil || !held {
		t.Fatalf("Hold again: held=%v err=%v", held, err)
	}

	mock.ExpectExec("select pg_advisory_unlock\\(\\$1\\)").WithArgs(MonitorLeaseKey).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

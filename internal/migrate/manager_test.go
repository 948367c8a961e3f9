package migrate

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id int);\ncreate index a_idx on a (id);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"0002_b.up.sql":   {Data: []byte("create table b (x text default 'a;b');")},
		"0002_b.down.sql": {Data: []byte("drop table b;")},
		"embed.go":        {Data: []byte("package migrations")},
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := NewManager(db, testFS(), WithClock(func() time.Time { return now }))

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b \\(x text default 'a;b'\\);").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := mgr.Up(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"0002_b.up.sql"}, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mgr := NewManager(db, testFS())

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index a_idx").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	applied, err := mgr.Up(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "0001_a.up.sql")
	require.Empty(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRevertsLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mgr := NewManager(db, testFS())

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql").AddRow("0002_b.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table b;").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations where name = \\$1").
		WithArgs("0002_b.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := mgr.Down(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0002_b.up.sql", name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownWithEmptyHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	_, err = NewManager(db, testFS()).Down(context.Background())
	require.ErrorIs(t, err, ErrNothingApplied)
}

func TestPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("create table if not exists audit_schema").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from audit_schema").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))

	pending, err := NewManager(db, testFS(), WithTable("audit_schema")).Pending(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"0002_b.up.sql"}, pending)
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("a;\n'b;c';\n  ")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
	if got[1] != "\n'b;c';" {
		t.Fatalf("unexpected second statement %q", got[1])
	}
}

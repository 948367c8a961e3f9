package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mawney.org/sentinel/internal/audit"
)

// AuditStore is the append-only audit_events table. The only delete it issues
// is Purge, which the retention job alone calls.
type AuditStore struct {
	db *sql.DB
}

var (
	_ audit.Store  = (*AuditStore)(nil)
	_ audit.Purger = (*AuditStore)(nil)
)

const (
	auditColumns = `id, ts, type, subject_id, email_index, ip, route, method, outcome, user_agent, request_id, details`
	auditSelect  = `seq, ` + auditColumns
)

// Append writes the batch in one transaction. Rows whose id already exists
// are skipped, so a retried batch never duplicates.
func (s *AuditStore) Append(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		insert into audit_events (`+auditColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		on conflict (id) do nothing
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		details := []byte("{}")
		if len(ev.Details) > 0 {
			if details, err = json.Marshal(ev.Details); err != nil {
				return fmt.Errorf("encode details for %s: %w", ev.ID, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.Timestamp, string(ev.Type), nullString(ev.SubjectID),
			ev.EmailIndex, ev.IP, ev.Route, ev.Method, string(ev.Outcome), ev.UserAgent, ev.RequestID, details); err != nil {
			return fmt.Errorf("insert audit event %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

func (s *AuditStore) Query(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	var (
		where = []string{"subject_id = $1"}
		args  = []any{q.SubjectID}
	)
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !q.Until.IsZero() {
		args = append(args, q.Until)
		where = append(where, fmt.Sprintf("ts <= $%d", len(args)))
	}
	if q.Type != "" {
		args = append(args, string(q.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	args = append(args, q.Limit)
	// The newest rows are picked first and then returned oldest first.
	query := `select ` + auditSelect + ` from (select ` + auditSelect + ` from audit_events where ` +
		strings.Join(where, " and ") + fmt.Sprintf(` order by ts desc, seq desc limit $%d`, len(args)) +
		`) recent order by ts asc, seq asc`
	return s.list(ctx, query, args...)
}

func (s *AuditStore) Tail(ctx context.Context, after int64, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = audit.DefaultQueryLimit
	}
	return s.list(ctx, `select `+auditSelect+` from audit_events where seq > $1 order by seq asc limit $2`, after, limit)
}

func (s *AuditStore) SeqBefore(ctx context.Context, t time.Time) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		select coalesce(
			(select min(seq) from audit_events where ts >= $1) - 1,
			(select max(seq) from audit_events),
			0)
	`, t).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("audit seq before %s: %w", t.Format(time.RFC3339), err)
	}
	return seq, nil
}

func (s *AuditStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from audit_events where ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	return res.RowsAffected()
}

func (s *AuditStore) list(ctx context.Context, query string, args ...any) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			ev        audit.Event
			typ       string
			outcome   string
			subjectID sql.NullString
			details   []byte
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Timestamp, &typ, &subjectID, &ev.EmailIndex, &ev.IP, &ev.Route,
			&ev.Method, &outcome, &ev.UserAgent, &ev.RequestID, &details); err != nil {
			return nil, err
		}
		ev.Type = audit.EventType(typ)
		ev.Outcome = audit.Outcome(outcome)
		ev.SubjectID = subjectID.String
		if len(details) > 0 && string(details) != "{}" {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("decode details for %s: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

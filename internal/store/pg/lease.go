package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// MonitorLeaseKey is the advisory lock key the threat monitors compete for.
const MonitorLeaseKey int64 = 0x73656e74696e656c

// Lease is a session-level advisory lock. The session lives on one dedicated
// connection; the lock goes with it when the connection dies.
type Lease struct {
	db  *sql.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn
}

// Hold reports whether this process holds the lock, trying to take it when it
// does not.
func (l *Lease) Hold(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		_ = l.conn.Close()
		l.conn = nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("lease conn: %w", err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `select pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks and returns the connection to the pool.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `select pg_advisory_unlock($1)`, l.key)
	err = errors.Join(err, l.conn.Close())
	l.conn = nil
	return err
}

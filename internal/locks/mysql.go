package locks

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLLocker backs locks with GET_LOCK. Like advisory locks these are
// session-scoped, so each held lease pins one connection.
type MySQLLocker struct {
	db *sql.DB
}

func NewMySQLLocker(dsn string) (*MySQLLocker, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return &MySQLLocker{db: db}, nil
}

func (m *MySQLLocker) TryAcquire(ctx context.Context, key int64) (*Lease, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	name := lockName(key)
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0)`, name).Scan(&got); err != nil {
		conn.Close()
		return nil, fmt.Errorf("get_lock: %w", err)
	}
	if !got.Valid || got.Int64 != 1 {
		conn.Close()
		return nil, nil
	}
	return &Lease{
		Key: key,
		release: func(ctx context.Context) error {
			defer conn.Close()
			var released sql.NullInt64
			if err := conn.QueryRowContext(ctx, `SELECT RELEASE_LOCK(?)`, name).Scan(&released); err != nil {
				return fmt.Errorf("release_lock: %w", err)
			}
			return nil
		},
		renew: func(ctx context.Context) (bool, error) {
			if err := conn.PingContext(ctx); err != nil {
				return false, nil
			}
			return true, nil
		},
	}, nil
}

func (m *MySQLLocker) Close() error {
	return m.db.Close()
}

package locks

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker backs locks with pg_try_advisory_lock. Advisory locks are
// session-scoped, so each held lease pins one pool connection until release.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

func (p *PostgresLocker) TryAcquire(ctx context.Context, key int64) (*Lease, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, nil
	}
	return &Lease{
		Key: key,
		release: func(ctx context.Context) error {
			defer conn.Release()
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
				return fmt.Errorf("advisory unlock: %w", err)
			}
			return nil
		},
		renew: func(ctx context.Context) (bool, error) {
			// The lock lives and dies with the pinned session.
			if err := conn.Ping(ctx); err != nil {
				return false, nil
			}
			return true, nil
		},
	}, nil
}

// Close is a no-op: the pool is shared with the storage layer and owned by
// the caller.
func (p *PostgresLocker) Close() error {
	return nil
}

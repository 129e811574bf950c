package locks

import "context"

// Lease is a held lock. Release must be called on every exit path; callers
// defer it immediately after a successful acquisition.
type Lease struct {
	Key     int64
	release func(ctx context.Context) error
	renew   func(ctx context.Context) (bool, error)
}

// NewLease builds a lease from backend release and renew hooks. A nil renew
// hook means the lease never expires on its own.
func NewLease(key int64, release func(ctx context.Context) error, renew func(ctx context.Context) (bool, error)) *Lease {
	return &Lease{Key: key, release: release, renew: renew}
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	return l.release(ctx)
}

// Renew verifies the backing session still holds the lock, extending its
// expiry where the backend has one. Returns false once the lock is lost.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	if l == nil {
		return false, nil
	}
	if l.renew == nil {
		return true, nil
	}
	return l.renew(ctx)
}

// Locker is a cluster-wide named mutex. TryAcquire never blocks on
// contention: a nil Lease with a nil error means someone else holds the key.
type Locker interface {
	TryAcquire(ctx context.Context, key int64) (*Lease, error)
	Close() error
}

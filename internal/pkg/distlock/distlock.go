package distlock

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock guards a resource across processes. The scheduler takes one per
// campaign so that two worker replicas never drive the same campaign at once.
// A single lock instance is not safe for concurrent use; each goroutine gets
// its own.
type DistLock interface {
	// Acquire is non-blocking. Returns true only if this instance now holds
	// the lock.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock up if this instance still owns it.
	Release(ctx context.Context) error
}

// Extender is implemented by TTL-based locks whose lease must be renewed
// while long work is still running. Advisory locks live as long as their
// connection and have nothing to extend.
type Extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

// NewLock picks a backend: Redis when a client is available (works across
// hosts), otherwise a PostgreSQL advisory lock on the shared database.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// =============================================================================
// PostgreSQL Advisory Lock
// =============================================================================
// Session-scoped pg_try_advisory_lock / pg_advisory_unlock. Advisory locks
// belong to the connection that took them, so Acquire pins a *sql.Conn for
// the lifetime of the lock and Release unlocks on that same connection
// before handing it back to the pool. If the worker crashes the connection
// drops and the lock is released server-side, so a wedged replica cannot
// hold a campaign forever.

// PGAdvisoryLock implements DistLock on top of PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock hashes the key to the int64 lock ID advisory locks need.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire pins a connection and tries pg_try_advisory_lock on it, which
// returns immediately. On failure the connection goes straight back to
// the pool.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		return false, errors.New("distlock: lock already held")
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks on the pinned connection and returns it to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}

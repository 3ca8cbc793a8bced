package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func redisPair(t *testing.T, key string, ttl time.Duration) (*miniredis.Miniredis, *RedisLock, *RedisLock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisLock(client, key, ttl), NewRedisLock(client, key, ttl)
}

func TestRedisLockMutualExclusion(t *testing.T) {
	_, a, b := redisPair(t, "campaign:c1", time.Minute)
	ctx := context.Background()

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first Acquire = (%v, %v), want held", ok, err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second holder acquired a held lock")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("Acquire after release = (%v, %v), want held", ok, err)
	}
}

func TestRedisLockReleaseOnlyByOwner(t *testing.T) {
	_, a, b := redisPair(t, "campaign:c1", time.Minute)
	ctx := context.Background()

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}
	// b never held the lock; its release must not drop a's.
	if err := b.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatal("lock was dropped by a non-owner release")
	}
}

func TestRedisLockExtendRenewsLease(t *testing.T) {
	mr, a, b := redisPair(t, "campaign:c1", time.Minute)
	ctx := context.Background()

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}
	if err := a.Extend(ctx, 10*time.Minute); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if ttl := mr.TTL("lock:campaign:c1"); ttl <= time.Minute {
		t.Errorf("ttl = %v, want extended past the initial lease", ttl)
	}

	// An expired lock belongs to whoever takes it next; a stale holder's
	// Extend must not resurrect it.
	mr.FastForward(11 * time.Minute)
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatal("expired lock should be acquirable")
	}
	if err := a.Extend(ctx, 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	if got, _ := mr.Get("lock:campaign:c1"); got != b.owner {
		t.Error("stale holder extended a lock it no longer owns")
	}
}

func TestPGAdvisoryLockPinsOneConnection(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	// One pooled connection: if Release ran on a different connection than
	// Acquire, the unlock below could never be served.
	db.SetMaxOpenConns(1)

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	l := NewPGAdvisoryLock(db, "campaign:c1")
	ctx := context.Background()

	ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("Acquire = (%v, %v), want held", ok, err)
	}
	if l.conn == nil {
		t.Fatal("advisory lock must pin its connection while held")
	}
	if ok, err := l.Acquire(ctx); err == nil || ok {
		t.Error("re-acquiring a held lock instance must fail")
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if l.conn != nil {
		t.Error("connection must return to the pool after release")
	}
	// Released twice is a no-op.
	if err := l.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPGAdvisoryLockContended(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	l := NewPGAdvisoryLock(db, "campaign:c1")
	ok, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("contended lock reported as held")
	}
	if l.conn != nil {
		t.Error("a failed acquire must not pin a connection")
	}
}

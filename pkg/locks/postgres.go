package locks

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type pgConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLocker holds leases in the app_locks table. It must be given the pool,
// not a transaction, so leases are visible to other workers immediately.
type PostgresLocker struct {
	db   pgConn
	opts Options
}

// NewPostgresLocker creates a lease locker on the app_locks table.
func NewPostgresLocker(db pgConn, opts Options) *PostgresLocker {
	return &PostgresLocker{db: db, opts: opts.withDefaults()}
}

var _ Locker = (*PostgresLocker)(nil)

func (l *PostgresLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	tok, err := gonanoid.New()
	if err != nil {
		return err
	}
	return withLease(ctx, l, key, l.opts.TokenPrefix+tok, l.opts, fn)
}

func (l *PostgresLocker) tryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	var returnedKey string
	err := l.db.QueryRow(ctx, tryAcquireSQL, key, token, ttl.Milliseconds()).Scan(&returnedKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return returnedKey != "", nil
}

func (l *PostgresLocker) renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	var returnedKey string
	err := l.db.QueryRow(ctx, renewSQL, key, token, ttl.Milliseconds()).Scan(&returnedKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *PostgresLocker) release(ctx context.Context, key, token string) error {
	_, err := l.db.Exec(ctx, releaseSQL, key, token)
	return err
}

const tryAcquireSQL = `
INSERT INTO app_locks (lock_key, locked_by, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (lock_key) DO UPDATE
SET locked_by  = EXCLUDED.locked_by,
    expires_at = EXCLUDED.expires_at
WHERE app_locks.expires_at < now()
   OR app_locks.locked_by = EXCLUDED.locked_by
RETURNING lock_key;
`

const renewSQL = `
UPDATE app_locks
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE lock_key = $1 AND locked_by = $2
RETURNING lock_key;
`

const releaseSQL = `
DELETE FROM app_locks
WHERE lock_key = $1 AND locked_by = $2;
`

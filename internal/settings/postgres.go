package settings

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresStore keeps settings in a PostgreSQL table, for deployments where
// several hosts share one credential.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Compile-time check to ensure PostgresStore implements Store and Locker
var (
	_ Store  = (*PostgresStore)(nil)
	_ Locker = (*PostgresStore)(nil)
)

// advisoryLockKey identifies cloudkey's lock among the database's advisory
// locks. It spells "cloudkey" in ASCII.
const advisoryLockKey = int64(0x636c6f75646b6579)

// NewPostgresStore connects to dsn and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("dsn cannot be empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "creating connection pool")
	}

	// Ping the database to ensure connection is valid
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	// Closing the sql.DB view does not close the pool.
	db := stdlib.OpenDBFromPool(pool)
	err = migrate(ctx, db, goose.DialectPostgres)
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Get implements Store.
func (p *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "reading setting %q", key)
	}
	return value, true, nil
}

// Set implements Store. All values are written in one transaction.
func (p *PostgresStore) Set(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for key, value := range values {
			batch.Queue(`
				INSERT INTO settings (key, value) VALUES ($1, $2)
				ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
			`, key, value)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrap(err, "writing settings")
		}
		return nil
	})
}

// Lock implements Locker with a session-level advisory lock held on a
// dedicated pool connection. The server releases it if the session dies.
func (p *PostgresStore) Lock(ctx context.Context) (func(), error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(lockErr(ctx, err), "acquiring connection for lock")
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		conn.Release()
		return nil, errors.Wrap(lockErr(ctx, err), "taking advisory lock")
	}

	return onceFunc(func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, advisoryLockKey); err != nil {
			// Closing the session is the only other way to drop the lock.
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}), nil
}

// lockErr prefers the context's error once it has ended, since pgx reports
// an interrupted wait in driver terms.
func lockErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Close implements Store.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

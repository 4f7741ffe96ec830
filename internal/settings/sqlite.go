package settings

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

const sqliteDriverName = "cloudkey_sqlite3"

func init() {
	sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			_, err := conn.Exec(`
				PRAGMA busy_timeout = 5000;
				PRAGMA journal_mode = WAL;
				PRAGMA synchronous  = FULL;
			`, nil)

			return err
		},
	})
}

// SQLiteStore keeps settings in a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Compile-time check to ensure SQLiteStore implements Store and Locker
var (
	_ Store  = (*SQLiteStore)(nil)
	_ Locker = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrapf(err, "creating database directory for %s", path)
	}

	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// A single writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	if err := migrate(ctx, db, goose.DialectSQLite3); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "reading setting %q", key)
	}
	return value, true, nil
}

// Set implements Store. All values are written in one transaction.
func (s *SQLiteStore) Set(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`)
	if err != nil {
		return errors.Wrap(err, "prepare upsert")
	}
	defer func() { _ = stmt.Close() }()

	for key, value := range values {
		if _, err := stmt.ExecContext(ctx, key, value); err != nil {
			return errors.Wrapf(err, "writing setting %q", key)
		}
	}

	return errors.Wrap(tx.Commit(), "commit settings")
}

// Lock implements Locker with an advisory lock on a sibling ".lock" file. A
// database transaction would hold the only connection and block our own writes.
func (s *SQLiteStore) Lock(ctx context.Context) (func(), error) {
	return lockFile(ctx, s.path+".lock")
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

package settings

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	"github.com/cockroachdb/errors"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// migrate applies the embedded schema migrations. Already applied versions
// are skipped, so it is safe to run on every open.
func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "opening embedded migrations")
	}

	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return errors.Wrap(err, "preparing migrations")
	}

	if _, err := provider.Up(ctx); err != nil {
		return errors.Wrap(err, "applying migrations")
	}
	return nil
}

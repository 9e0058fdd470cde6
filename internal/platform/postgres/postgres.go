package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type Options struct {
	Attempts int
	Backoff  time.Duration
	Logger   *slog.Logger
}

// Open connects to Postgres, retrying while the database starts up.
func Open(ctx context.Context, dsn string, opts Options) (*sql.DB, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 10
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	for i := 1; ; i++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		if i == opts.Attempts {
			break
		}
		opts.Logger.InfoContext(ctx, "waiting for database", "attempt", i, "of", opts.Attempts, "error", err)

		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(opts.Backoff):
		}
	}

	db.Close()
	return nil, errors.Wrapf(err, "database not reachable after %d attempts", opts.Attempts)
}

// Migrate applies every pending migration from dir.
func Migrate(dsn, dir string) error {
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return errors.Wrap(err, "migration init")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migration up")
	}
	return nil
}

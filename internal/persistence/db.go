package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register sqlite driver
)

var openPragmas = []struct {
	name string
	stmt string
}{
	{name: "enable foreign keys", stmt: `PRAGMA foreign_keys = ON;`},
	{name: "set wal mode", stmt: `PRAGMA journal_mode = WAL;`},
	{name: "set busy timeout", stmt: `PRAGMA busy_timeout = 5000;`},
}

// Open opens the registry database at path and migrates it to the current
// schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, p := range openPragmas {
		if _, err := db.ExecContext(ctx, p.stmt); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

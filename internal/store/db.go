package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Open connects to the configured database and returns it with its dialect.
func Open(ctx context.Context, driver, databaseURL string, maxOpenConns int) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, Dialect{}, err
	}

	driverName := "pgx"
	if dialect == SQLite {
		driverName = "sqlite"
	}
	db, err := sql.Open(driverName, databaseURL)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("open db: %w", err)
	}

	if dialect == SQLite {
		// One connection: SQLite has a single writer and each pooled
		// connection would need its own PRAGMA setup.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, Dialect{}, fmt.Errorf("sqlite %s: %w", pragma, err)
			}
		}
	} else {
		if maxOpenConns <= 0 {
			maxOpenConns = 20
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(maxOpenConns / 2)
		db.SetMaxOpenConns(maxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Dialect{}, fmt.Errorf("ping db: %w", err)
	}
	return db, dialect, nil
}

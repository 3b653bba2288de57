package database

import (
	"context"
	"database/sql"
	"fmt"

	"imagegen-backend/internal/store"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) the SQLite database at path, applies the
// embedded migrations and returns a store over it.
func OpenSQLite(ctx context.Context, path string) (*store.SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if err := NewMigrator(db, store.DialectSQLite).Run(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store.NewSQLStore(db, store.DialectSQLite), nil
}

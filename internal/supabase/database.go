package supabase

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"imagegen-backend/internal/database"
	"imagegen-backend/internal/store"
)

// DatabaseClient is the key-value store over the project's Postgres
// database, reached directly rather than through the REST gateway.
type DatabaseClient struct {
	*store.SQLStore
}

// NewDatabaseClient opens connectionString, applies the Postgres migrations
// and returns a ready store.
func NewDatabaseClient(ctx context.Context, connectionString string) (*DatabaseClient, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := database.NewMigrator(db, store.DialectPostgres).Run(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DatabaseClient{SQLStore: store.NewSQLStore(db, store.DialectPostgres)}, nil
}

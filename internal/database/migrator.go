package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"

	"go.uber.org/zap"
	"imagegen-backend/internal/store"
)

//go:embed migrations
var migrationsFS embed.FS

type Migrator struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewMigrator(db *sql.DB, dialect store.Dialect) *Migrator {
	return &Migrator{db: db, dialect: dialect}
}

func (m *Migrator) Run(ctx context.Context) error {
	// Create migrations table if it doesn't exist
	if err := m.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	dir := path.Join("migrations", string(m.dialect))
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		migrationName := entry.Name()

		applied, err := m.isMigrationApplied(ctx, migrationName)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if applied {
			zap.L().Debug("Migration already applied, skipping", zap.String("migration", migrationName))
			continue
		}

		migrationSQL, err := migrationsFS.ReadFile(path.Join(dir, migrationName))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", migrationName, err)
		}

		zap.L().Info("Applying migration", zap.String("migration", migrationName), zap.String("dialect", string(m.dialect)))

		// Execute migration in a transaction
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, string(migrationSQL)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", migrationName, err)
		}

		if _, err := tx.ExecContext(ctx,
			m.dialect.Rebind("INSERT INTO schema_migrations (name) VALUES (?)"),
			migrationName,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", migrationName, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", migrationName, err)
		}
	}

	return nil
}

func (m *Migrator) createMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

func (m *Migrator) isMigrationApplied(ctx context.Context, name string) (bool, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		m.dialect.Rebind("SELECT COUNT(*) FROM schema_migrations WHERE name = ?"),
		name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Dialect captures the few differences between the SQL backends.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store on top of the kv_entries table created by
// internal/database migrations.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// DB exposes the underlying handle for migrations.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT entry_value FROM kv_entries
		WHERE entry_key = ? AND (expires_at IS NULL OR expires_at > ?)
	`), key, s.now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return []byte(value), nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) error {
	o := ApplyOptions(opts)
	now := s.now()

	var expiresAt sql.NullInt64
	if o.TTL > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(o.TTL).UnixMilli(), Valid: true}
	}

	// An expired row is replaced rather than updated so the key takes a new
	// position in insertion order.
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		DELETE FROM kv_entries
		WHERE entry_key = ? AND expires_at IS NOT NULL AND expires_at <= ?
	`), key, now.UnixMilli()); err != nil {
		return fmt.Errorf("failed to clear expired %s: %w", key, err)
	}

	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO kv_entries (entry_key, entry_value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entry_key) DO UPDATE
		SET entry_value = excluded.entry_value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`), key, string(value), expiresAt, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	query := `
		SELECT entry_key FROM kv_entries
		WHERE substr(entry_key, 1, ?) = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY seq ASC`
	args := []interface{}{utf8.RuneCountInString(prefix), prefix, s.now().UnixMilli()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM kv_entries WHERE entry_key = ?`), key)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?
	`), s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/supabase-community/postgrest-go"
	"imagegen-backend/internal/store"
)

const kvTable = "kv_entries"

// RESTStore implements store.Store over the kv_entries table through the
// Supabase REST gateway, for deployments that only expose the project URL
// and a service key. The table comes from the Postgres migrations.
type RESTStore struct {
	client Querier
	now    func() time.Time
}

func NewRESTStore(client Querier) *RESTStore {
	return &RESTStore{client: client, now: time.Now}
}

type kvRow struct {
	Key       string `json:"entry_key"`
	Value     string `json:"entry_value"`
	ExpiresAt *int64 `json:"expires_at"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

func (r kvRow) expired(now int64) bool {
	return r.ExpiresAt != nil && *r.ExpiresAt <= now
}

func (s *RESTStore) Get(ctx context.Context, key string) ([]byte, error) {
	var rows []kvRow
	_, err := s.client.From(kvTable).
		Select("entry_key,entry_value,expires_at", "", false).
		Eq("entry_key", key).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if len(rows) == 0 || rows[0].expired(s.now().UnixMilli()) {
		return nil, store.ErrNotFound
	}
	return []byte(rows[0].Value), nil
}

func (s *RESTStore) Put(ctx context.Context, key string, value []byte, opts ...store.PutOption) error {
	o := store.ApplyOptions(opts)
	now := s.now().UnixMilli()

	// Same rule as the SQL backend: an expired key is re-inserted so it
	// moves to the end of insertion order.
	_, _, err := s.client.From(kvTable).
		Delete("minimal", "").
		Eq("entry_key", key).
		Lte("expires_at", strconv.FormatInt(now, 10)).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to clear expired %s: %w", key, err)
	}

	row := kvRow{Key: key, Value: string(value), UpdatedAt: now}
	if o.TTL > 0 {
		expiresAt := now + o.TTL.Milliseconds()
		row.ExpiresAt = &expiresAt
	}
	if _, _, err := s.client.From(kvTable).Insert(row, true, "entry_key", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// List pushes a LIKE filter to the server and applies the exact prefix
// match, expiry and limit locally, since '_' is a LIKE wildcard.
func (s *RESTStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	var rows []kvRow
	_, err := s.client.From(kvTable).
		Select("entry_key,expires_at", "", false).
		Like("entry_key", prefix+"*").
		Order("seq", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	now := s.now().UnixMilli()
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		if !strings.HasPrefix(row.Key, prefix) || row.expired(now) {
			continue
		}
		keys = append(keys, row.Key)
		if limit > 0 && len(keys) == limit {
			break
		}
	}
	return keys, nil
}

func (s *RESTStore) Delete(ctx context.Context, key string) error {
	if _, _, err := s.client.From(kvTable).Delete("minimal", "").Eq("entry_key", key).Execute(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *RESTStore) PurgeExpired(ctx context.Context) (int64, error) {
	body, _, err := s.client.From(kvTable).
		Delete("representation", "").
		Lte("expires_at", strconv.FormatInt(s.now().UnixMilli(), 10)).
		Execute()
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	var deleted []json.RawMessage
	if len(body) > 0 {
		if err := json.Unmarshal(body, &deleted); err != nil {
			return 0, fmt.Errorf("failed to decode purge response: %w", err)
		}
	}
	return int64(len(deleted)), nil
}

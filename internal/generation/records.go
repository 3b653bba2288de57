package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"imagegen-backend/internal/store"
)

const (
	recordPrefix       = "record:"
	DefaultRecordLimit = 20
)

const (
	RecordTypeImageToImage = "image_to_image"
	RecordTypeBatch        = "batch"
)

// Record is written once, after a job succeeds, and never modified.
type Record struct {
	Username            string   `json:"username"`
	Type                string   `json:"type,omitempty"`
	Prompt              string   `json:"prompt"`
	ImageURL            string   `json:"imageUrl"`
	RequestID           string   `json:"requestId"`
	CreatedAt           int64    `json:"createdAt"`
	AspectRatio         *string  `json:"aspectRatio,omitempty"`
	Seed                *int64   `json:"seed,omitempty"`
	ImagePromptStrength *float64 `json:"imagePromptStrength,omitempty"`
	ArchivedURL         string   `json:"archivedUrl,omitempty"`
	BatchID             string   `json:"batchId,omitempty"`
}

type RecordStore struct {
	store store.Store
	now   func() time.Time
}

func NewRecordStore(s store.Store) *RecordStore {
	return &RecordStore{store: s, now: time.Now}
}

// Save stamps CreatedAt when unset and writes the record under a key that
// cannot collide with another record of the same millisecond.
func (r *RecordStore) Save(ctx context.Context, rec *Record) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = r.now().UnixMilli()
	}
	key := fmt.Sprintf("%s%s:%s-%s", recordPrefix, rec.Username,
		strconv.FormatInt(rec.CreatedAt, 10), uuid.NewString()[:8])
	if err := store.PutJSON(ctx, r.store, key, rec); err != nil {
		return fmt.Errorf("failed to save generation record: %w", err)
	}
	return nil
}

// List returns the user's newest records first.
func (r *RecordStore) List(ctx context.Context, username string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultRecordLimit
	}
	keys, err := r.store.List(ctx, recordPrefix+username+":", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	if len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		var rec Record
		if err := store.GetJSON(ctx, r.store, key, &rec); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt > records[j].CreatedAt
	})
	return records, nil
}

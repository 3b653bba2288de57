// Package store defines the key-value contract the generation pipeline is
// built on, plus the in-process, SQL and Redis backends.
//
// The contract mirrors a plain KV namespace: single-key reads and writes,
// optional per-key expiry and prefix listing in insertion order. There are
// no transactions and no compare-and-swap; callers that need
// read-modify-write atomicity serialize through internal/lock.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("key not found")

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) error
	// List returns keys starting with prefix, oldest insertion first.
	// A limit <= 0 means no limit.
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Purger is implemented by backends without native expiry. The sweeper
// calls it periodically.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// PutOptions collects optional write settings.
type PutOptions struct {
	TTL time.Duration
}

type PutOption func(*PutOptions)

// WithTTL makes the entry expire after d.
func WithTTL(d time.Duration) PutOption {
	return func(o *PutOptions) {
		o.TTL = d
	}
}

// ApplyOptions folds opts into a PutOptions value.
func ApplyOptions(opts []PutOption) PutOptions {
	var o PutOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// GetJSON reads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and writes it under key.
func PutJSON(ctx context.Context, s Store, key string, v interface{}, opts ...PutOption) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data, opts...)
}

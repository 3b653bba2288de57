// Package keypool rotates upstream provider API keys and keeps per-key
// usage counters.
package keypool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"imagegen-backend/internal/lock"
	"imagegen-backend/internal/metrics"
	"imagegen-backend/internal/store"
)

const (
	cursorKey       = "config:api_key_index"
	statsKeyPrefix  = "api_key_stats:"
	cursorLockName  = "keypool:cursor"
	statsLockPrefix = "keypool:stats:"
)

// ErrNoKeyConfigured is returned by Next when the pool is empty.
var ErrNoKeyConfigured = errors.New("no API key configured")

// KeyStats is the admin view of one key. The key itself never leaves the
// pool unmasked.
type KeyStats struct {
	KeyPreview string  `json:"keyPreview"`
	Total      int64   `json:"total"`
	Success    int64   `json:"success"`
	Failed     int64   `json:"failed"`
	LastUsed   *int64  `json:"lastUsed"`
	LastError  *string `json:"lastError"`
}

type usage struct {
	Total     int64   `json:"total"`
	Success   int64   `json:"success"`
	Failed    int64   `json:"failed"`
	LastUsed  *int64  `json:"lastUsed"`
	LastError *string `json:"lastError"`
}

type Pool struct {
	store  store.Store
	locker lock.Locker
	now    func() time.Time

	mu   sync.RWMutex
	keys []string
}

func New(s store.Store, locker lock.Locker, keys []string) *Pool {
	p := &Pool{store: s, locker: locker, now: time.Now}
	p.Configure(keys)
	return p
}

// Configure replaces the working set. Blank entries are dropped and
// duplicates removed, keeping first occurrence order.
func (p *Pool) Configure(candidates []string) {
	seen := make(map[string]struct{}, len(candidates))
	keys := make([]string, 0, len(candidates))
	for _, k := range candidates {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	p.mu.Lock()
	p.keys = keys
	p.mu.Unlock()
}

// Size returns the number of configured keys.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys)
}

func (p *Pool) snapshot() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Next advances the shared cursor and returns the key under it. With a
// single key the cursor is left alone.
func (p *Pool) Next(ctx context.Context) (string, error) {
	keys := p.snapshot()
	switch len(keys) {
	case 0:
		return "", ErrNoKeyConfigured
	case 1:
		return keys[0], nil
	}

	unlock, err := p.locker.Lock(ctx, cursorLockName)
	if err != nil {
		return "", fmt.Errorf("failed to lock key cursor: %w", err)
	}
	defer unlock()

	current := 0
	data, err := p.store.Get(ctx, cursorKey)
	switch {
	case err == nil:
		if n, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil && n >= 0 {
			current = n
		}
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("failed to read key cursor: %w", err)
	}

	next := (current + 1) % len(keys)
	if err := p.store.Put(ctx, cursorKey, []byte(strconv.Itoa(next))); err != nil {
		return "", fmt.Errorf("failed to save key cursor: %w", err)
	}
	return keys[next], nil
}

// RecordUsage updates the counters for key. Errors are logged and
// swallowed so that bookkeeping never changes a request's outcome.
func (p *Pool) RecordUsage(ctx context.Context, key string, success bool, detail string) {
	result := "success"
	if !success {
		result = "failed"
	}
	metrics.Get().KeyUsageTotal.WithLabelValues(MaskKey(key), result).Inc()

	if err := p.recordUsage(ctx, key, success, detail); err != nil {
		zap.L().Warn("Failed to record API key usage",
			zap.String("key", MaskKey(key)),
			zap.Error(err))
	}
}

func (p *Pool) recordUsage(ctx context.Context, key string, success bool, detail string) error {
	hash := HashKey(key)
	unlock, err := p.locker.Lock(ctx, statsLockPrefix+hash)
	if err != nil {
		return err
	}
	defer unlock()

	var u usage
	if err := store.GetJSON(ctx, p.store, statsKeyPrefix+hash, &u); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	u.Total++
	if success {
		u.Success++
	} else {
		u.Failed++
		d := detail
		u.LastError = &d
	}
	now := p.now().UnixMilli()
	u.LastUsed = &now

	return store.PutJSON(ctx, p.store, statsKeyPrefix+hash, u)
}

// Stats returns one entry per configured key, zeroed for keys that were
// never used.
func (p *Pool) Stats(ctx context.Context) ([]KeyStats, error) {
	keys := p.snapshot()
	out := make([]KeyStats, 0, len(keys))
	for _, key := range keys {
		var u usage
		err := store.GetJSON(ctx, p.store, statsKeyPrefix+HashKey(key), &u)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to load stats for %s: %w", MaskKey(key), err)
		}
		out = append(out, KeyStats{
			KeyPreview: MaskKey(key),
			Total:      u.Total,
			Success:    u.Success,
			Failed:     u.Failed,
			LastUsed:   u.LastUsed,
			LastError:  u.LastError,
		})
	}
	return out, nil
}

// HashKey returns the first 16 hex digits of the key's SHA-256.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// MaskKey renders the first 8 and last 4 characters. Short keys are fully
// masked since the two halves would overlap.
func MaskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..." + key[len(key)-4:]
}

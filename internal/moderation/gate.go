// Package moderation screens prompts before any paid work starts and keeps
// an audit trail of rejections.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
	"imagegen-backend/internal/lock"
	"imagegen-backend/internal/metrics"
	"imagegen-backend/internal/store"
)

const (
	MinPromptLength = 3
	MaxPromptLength = 2000

	customWordsKey = "config:sensitive_words"
	auditPrefix    = "moderation:"
	auditTTL       = 30 * 24 * time.Hour
	wordsLockName  = "moderation:words"

	DefaultLogLimit = 100
)

const (
	ReasonEmpty    = "Prompt 不能为空"
	ReasonTooLong  = "Prompt 长度不能超过 2000 字符"
	ReasonTooShort = "Prompt 长度不能少于 3 字符"
	reasonBlocked  = "Prompt 包含敏感词："
)

// BuiltinWords is the lexicon every deployment starts with.
var BuiltinWords = []string{
	"violence", "blood", "gore", "nsfw", "nude", "naked",
	"暴力", "血腥", "色情", "裸体", "赌博", "毒品",
}

// ErrEmptyWord is returned by AddWord for blank input.
var ErrEmptyWord = errors.New("敏感词不能为空")

type Result struct {
	Passed      bool   `json:"passed"`
	Reason      string `json:"reason,omitempty"`
	BlockedWord string `json:"blocked_word,omitempty"`
}

// Rejection carries a failed Result through error returns.
type Rejection struct {
	Reason      string
	BlockedWord string
}

func (r *Rejection) Error() string {
	return r.Reason
}

// Err returns nil for a passing result and a *Rejection otherwise.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	return &Rejection{Reason: r.Reason, BlockedWord: r.BlockedWord}
}

type LogEntry struct {
	Username  string `json:"username"`
	Prompt    string `json:"prompt"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

type WordList struct {
	Builtin []string `json:"builtin"`
	Custom  []string `json:"custom"`
	Total   int      `json:"total"`
}

type Gate struct {
	store   store.Store
	locker  lock.Locker
	builtin []string
	now     func() time.Time
}

// NewGate builds a gate whose builtin lexicon is BuiltinWords plus extra.
func NewGate(s store.Store, locker lock.Locker, extra []string) *Gate {
	builtin := make([]string, 0, len(BuiltinWords)+len(extra))
	builtin = append(builtin, BuiltinWords...)
	for _, w := range extra {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			builtin = append(builtin, w)
		}
	}
	return &Gate{store: s, locker: locker, builtin: builtin, now: time.Now}
}

type wordsFile struct {
	Words []string `yaml:"words"`
}

// LoadWordsFile reads additional builtin words from a YAML file of the
// form `words: [...]`.
func LoadWordsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", path, err)
	}
	var f wordsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", path, err)
	}
	return f.Words, nil
}

// Check applies the rules in order: non-empty, length within
// [MinPromptLength, MaxPromptLength] code points, then a case-insensitive
// substring match against lexicon. The first failing rule wins.
func Check(prompt string, lexicon []string) Result {
	if prompt == "" {
		return Result{Reason: ReasonEmpty}
	}

	n := utf8.RuneCountInString(prompt)
	if n > MaxPromptLength {
		return Result{Reason: ReasonTooLong}
	}
	if n < MinPromptLength {
		return Result{Reason: ReasonTooShort}
	}

	lower := strings.ToLower(prompt)
	for _, word := range lexicon {
		if word == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(word)) {
			return Result{Reason: reasonBlocked + word, BlockedWord: word}
		}
	}
	return Result{Passed: true}
}

// Moderate checks prompt against builtin and custom words. An unreadable
// custom list degrades to the builtin lexicon.
func (g *Gate) Moderate(ctx context.Context, prompt string) Result {
	custom, err := g.customWords(ctx)
	if err != nil {
		zap.L().Warn("Failed to load custom sensitive words, using builtin list", zap.Error(err))
	}

	lexicon := make([]string, 0, len(g.builtin)+len(custom))
	lexicon = append(lexicon, g.builtin...)
	lexicon = append(lexicon, custom...)

	res := Check(prompt, lexicon)
	if !res.Passed {
		metrics.Get().ModerationRejections.Inc()
	}
	return res
}

// LogRejection appends an audit entry that expires after 30 days. Failures
// are logged only.
func (g *Gate) LogRejection(ctx context.Context, username, prompt, reason string) {
	ts := g.now().UnixMilli()
	key := auditPrefix + strconv.FormatInt(ts, 10) + ":" + username
	entry := LogEntry{Username: username, Prompt: prompt, Reason: reason, Timestamp: ts}
	if err := store.PutJSON(ctx, g.store, key, entry, store.WithTTL(auditTTL)); err != nil {
		zap.L().Error("Failed to log moderation failure",
			zap.String("username", username),
			zap.Error(err))
	}
}

// Logs returns up to limit audit entries, newest first.
func (g *Gate) Logs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	keys, err := g.store.List(ctx, auditPrefix, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list moderation logs: %w", err)
	}
	if len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}

	logs := make([]LogEntry, 0, len(keys))
	for _, key := range keys {
		var entry LogEntry
		if err := store.GetJSON(ctx, g.store, key, &entry); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		logs = append(logs, entry)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].Timestamp > logs[j].Timestamp
	})
	return logs, nil
}

// AddWord stores word (lowercased) in the custom lexicon. Adding an
// existing word is a no-op.
func (g *Gate) AddWord(ctx context.Context, word string) (string, error) {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return "", ErrEmptyWord
	}

	unlock, err := g.locker.Lock(ctx, wordsLockName)
	if err != nil {
		return "", err
	}
	defer unlock()

	custom, err := g.customWords(ctx)
	if err != nil {
		return "", err
	}
	for _, w := range custom {
		if w == word {
			return word, nil
		}
	}
	custom = append(custom, word)
	if err := store.PutJSON(ctx, g.store, customWordsKey, custom); err != nil {
		return "", fmt.Errorf("failed to save sensitive words: %w", err)
	}
	return word, nil
}

// Words lists the builtin and custom lexicons.
func (g *Gate) Words(ctx context.Context) (WordList, error) {
	custom, err := g.customWords(ctx)
	if err != nil {
		return WordList{}, err
	}
	return WordList{
		Builtin: g.builtin,
		Custom:  custom,
		Total:   len(g.builtin) + len(custom),
	}, nil
}

func (g *Gate) customWords(ctx context.Context) ([]string, error) {
	words := make([]string, 0)
	err := store.GetJSON(ctx, g.store, customWordsKey, &words)
	if errors.Is(err, store.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return words, nil
}

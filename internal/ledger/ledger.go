// Package ledger owns user credit balances.
//
// User records live in the key-value store as whole JSON documents. Every
// mutation here takes the per-user lock, reads the record, applies one of
// the pure operations on User and writes it back, so concurrent requests
// from the same user cannot lose updates.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"imagegen-backend/internal/lock"
	"imagegen-backend/internal/metrics"
	"imagegen-backend/internal/store"
)

const userKeyPrefix = "user:"

// Usernames are embedded in store keys, so separators are not allowed.
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUserNotFound        = errors.New("user not found")
	ErrUserExists          = errors.New("user already exists")
	ErrInvalidAmount       = errors.New("amount must not be negative")
	ErrInvalidUsername     = errors.New("username may only contain letters, digits, '.', '_' and '-'")
)

type User struct {
	Username       string `json:"username"`
	Credits        int    `json:"credits"`
	TotalGenerated int    `json:"totalGenerated"`
	CreatedAt      int64  `json:"createdAt"`
}

// Charge describes one escrow movement: Credits leave the balance and
// Generations are added to totalGenerated. Refund reverses both.
type Charge struct {
	Credits     int
	Generations int
}

// Debit subtracts c.Credits and counts c.Generations. It fails without
// touching u when the balance is too small.
func (u *User) Debit(c Charge) error {
	if c.Credits < 0 || c.Generations < 0 {
		return ErrInvalidAmount
	}
	if u.Credits < c.Credits {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, c.Credits, u.Credits)
	}
	u.Credits -= c.Credits
	u.TotalGenerated += c.Generations
	return nil
}

// Credit restores c. totalGenerated never goes below zero.
func (u *User) Credit(c Charge) {
	u.Credits += c.Credits
	u.TotalGenerated -= c.Generations
	if u.TotalGenerated < 0 {
		u.TotalGenerated = 0
	}
}

type Ledger struct {
	store  store.Store
	locker lock.Locker
	now    func() time.Time
}

func New(s store.Store, locker lock.Locker) *Ledger {
	return &Ledger{store: s, locker: locker, now: time.Now}
}

func userKey(username string) string {
	return userKeyPrefix + username
}

func (l *Ledger) Get(ctx context.Context, username string) (*User, error) {
	var u User
	if err := store.GetJSON(ctx, l.store, userKey(username), &u); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user %s: %w", username, err)
	}
	return &u, nil
}

// Create registers username with an opening balance.
func (l *Ledger) Create(ctx context.Context, username string, credits int) (*User, error) {
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return nil, ErrInvalidUsername
	}
	if credits < 0 {
		return nil, ErrInvalidAmount
	}

	var created *User
	err := l.withUser(ctx, username, func() error {
		if _, err := l.Get(ctx, username); err == nil {
			return ErrUserExists
		} else if !errors.Is(err, ErrUserNotFound) {
			return err
		}
		created = &User{Username: username, Credits: credits, CreatedAt: l.now().UnixMilli()}
		return l.save(ctx, created)
	})
	return created, err
}

// Charge debits c from username's balance.
func (l *Ledger) Charge(ctx context.Context, username string, c Charge) (*User, error) {
	u, err := l.update(ctx, username, func(u *User) error {
		return u.Debit(c)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			metrics.Get().InsufficientCredits.Inc()
		}
		return nil, err
	}
	metrics.Get().CreditsDebited.Add(float64(c.Credits))
	return u, nil
}

// Refund credits c back to username.
func (l *Ledger) Refund(ctx context.Context, username string, c Charge) (*User, error) {
	if c.Credits < 0 || c.Generations < 0 {
		return nil, ErrInvalidAmount
	}
	u, err := l.update(ctx, username, func(u *User) error {
		u.Credit(c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.Get().CreditsRefunded.Add(float64(c.Credits))
	return u, nil
}

// Grant tops up a balance without touching totalGenerated.
func (l *Ledger) Grant(ctx context.Context, username string, amount int) (*User, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.update(ctx, username, func(u *User) error {
		u.Credits += amount
		return nil
	})
}

func (l *Ledger) update(ctx context.Context, username string, apply func(*User) error) (*User, error) {
	var updated *User
	err := l.withUser(ctx, username, func() error {
		u, err := l.Get(ctx, username)
		if err != nil {
			return err
		}
		if err := apply(u); err != nil {
			return err
		}
		if err := l.save(ctx, u); err != nil {
			return err
		}
		updated = u
		return nil
	})
	return updated, err
}

func (l *Ledger) withUser(ctx context.Context, username string, fn func() error) error {
	unlock, err := l.locker.Lock(ctx, userKey(username))
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (l *Ledger) save(ctx context.Context, u *User) error {
	if err := store.PutJSON(ctx, l.store, userKey(u.Username), u); err != nil {
		return fmt.Errorf("failed to save user %s: %w", u.Username, err)
	}
	return nil
}

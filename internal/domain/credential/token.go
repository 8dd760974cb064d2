// Package credential models API tokens and the quotas attached to them.
package credential

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ahrav/market-scout/internal/domain/shared"
)

const (
	tokenPrefix    = "rs."
	tokenRandLen   = 32
	base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// NewTokenID returns a fresh token identifier of the form "rs.<32 base62 chars>".
func NewTokenID() (string, error) {
	b := make([]byte, tokenRandLen)
	alphabetLen := big.NewInt(int64(len(base62Alphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("generating token id: %w", err)
		}
		b[i] = base62Alphabet[n.Int64()]
	}
	return tokenPrefix + string(b), nil
}

// Token is an API credential with an expiry and two quotas: a lifetime
// operation budget and a cap on concurrently active tasks.
type Token struct {
	id        string
	createdAt time.Time
	ttl       time.Duration
	opLimit   int64
	tcLimit   int64
	opCount   int64
	taskCount int64
}

// NewToken creates a token with zeroed counters.
func NewToken(id string, createdAt time.Time, ttl time.Duration, opLimit, tcLimit int64) (*Token, error) {
	if err := validateLimits(ttl, opLimit, tcLimit); err != nil {
		return nil, err
	}
	return &Token{
		id:        id,
		createdAt: createdAt,
		ttl:       ttl,
		opLimit:   opLimit,
		tcLimit:   tcLimit,
	}, nil
}

// ReconstructToken rebuilds a token from persisted state. Active task count is
// not persisted, so restored tokens start with no active tasks.
func ReconstructToken(id string, createdAt time.Time, ttl time.Duration, opLimit, tcLimit, opCount int64) *Token {
	return &Token{
		id:        id,
		createdAt: createdAt,
		ttl:       ttl,
		opLimit:   opLimit,
		tcLimit:   tcLimit,
		opCount:   opCount,
	}
}

func validateLimits(ttl time.Duration, opLimit, tcLimit int64) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive: %w", shared.ErrInvalidParameter)
	}
	if opLimit <= 0 {
		return fmt.Errorf("op_limit must be positive: %w", shared.ErrInvalidParameter)
	}
	if tcLimit <= 0 {
		return fmt.Errorf("tc_limit must be positive: %w", shared.ErrInvalidParameter)
	}
	return nil
}

// Accessors.
func (t *Token) ID() string { return t.id }
func (t *Token) CreatedAt() time.Time { return t.createdAt }
func (t *Token) TTL() time.Duration { return t.ttl }
func (t *Token) OpLimit() int64 { return t.opLimit }
func (t *Token) TCLimit() int64 { return t.tcLimit }
func (t *Token) OpCount() int64 { return t.opCount }
func (t *Token) TaskCount() int64 { return t.taskCount }
func (t *Token) ExpiresAt() time.Time { return t.createdAt.Add(t.ttl) }

// IsExpired reports whether the token is unusable at now. A token is usable
// only while now < created_at + ttl.
func (t *Token) IsExpired(now time.Time) bool { return !now.Before(t.ExpiresAt()) }

// Consume charges cost operations against the op budget. The counter is left
// untouched if the charge would exceed the limit.
func (t *Token) Consume(cost int64) error {
	if cost <= 0 {
		return fmt.Errorf("cost must be positive: %w", shared.ErrInvalidParameter)
	}
	if t.opCount+cost > t.opLimit {
		return fmt.Errorf("token %s used %d of %d ops: %w", t.id, t.opCount, t.opLimit, shared.ErrQuotaExceeded)
	}
	t.opCount += cost
	return nil
}

// AcquireTask claims one concurrent task slot.
func (t *Token) AcquireTask() error {
	if t.taskCount+1 > t.tcLimit {
		return fmt.Errorf("token %s has %d of %d active tasks: %w",
			t.id, t.taskCount, t.tcLimit, shared.ErrConcurrencyLimitExceeded)
	}
	t.taskCount++
	return nil
}

// ReleaseTask returns one concurrent task slot. It never drops below zero.
func (t *Token) ReleaseTask() {
	if t.taskCount > 0 {
		t.taskCount--
	}
}

// UpdateParams carries the optional fields of a token update. Nil fields are
// left unchanged.
type UpdateParams struct {
	TTL     *time.Duration
	OpLimit *int64
	TCLimit *int64
}

// IsEmpty reports whether no field is set.
func (p UpdateParams) IsEmpty() bool { return p.TTL == nil && p.OpLimit == nil && p.TCLimit == nil }

// Apply replaces the supplied fields. A limit may not drop below the counter
// it bounds.
func (t *Token) Apply(p UpdateParams) error {
	ttl, opLimit, tcLimit := t.ttl, t.opLimit, t.tcLimit
	if p.TTL != nil {
		ttl = *p.TTL
	}
	if p.OpLimit != nil {
		opLimit = *p.OpLimit
	}
	if p.TCLimit != nil {
		tcLimit = *p.TCLimit
	}

	if err := validateLimits(ttl, opLimit, tcLimit); err != nil {
		return err
	}
	if opLimit < t.opCount {
		return fmt.Errorf("op_limit %d below current usage %d: %w", opLimit, t.opCount, shared.ErrInvalidParameter)
	}
	if tcLimit < t.taskCount {
		return fmt.Errorf("tc_limit %d below active tasks %d: %w", tcLimit, t.taskCount, shared.ErrInvalidParameter)
	}

	t.ttl, t.opLimit, t.tcLimit = ttl, opLimit, tcLimit
	return nil
}

// Snapshot is an immutable copy of a token's state.
type Snapshot struct {
	ID        string
	CreatedAt time.Time
	TTL       time.Duration
	OpLimit   int64
	TCLimit   int64
	OpCount   int64
	TaskCount int64
}

// ExpiresAt returns the instant the token stops being usable.
func (s Snapshot) ExpiresAt() time.Time { return s.CreatedAt.Add(s.TTL) }

// Snapshot copies the token's current state.
func (t *Token) Snapshot() Snapshot {
	return Snapshot{
		ID:        t.id,
		CreatedAt: t.createdAt,
		TTL:       t.ttl,
		OpLimit:   t.opLimit,
		TCLimit:   t.tcLimit,
		OpCount:   t.opCount,
		TaskCount: t.taskCount,
	}
}

// Package memory provides an in-memory token repository for development and
// tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ahrav/market-scout/internal/domain/credential"
	"github.com/ahrav/market-scout/internal/domain/shared"
)

var _ credential.Repository = (*TokenStore)(nil)

// TokenStore keeps token snapshots in a map.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]credential.Snapshot
}

// NewTokenStore creates an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]credential.Snapshot)}
}

// Save inserts or replaces a token definition, keeping the stored usage.
func (s *TokenStore) Save(ctx context.Context, t credential.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.tokens[t.ID]; ok && prev.OpCount > t.OpCount {
		t.OpCount = prev.OpCount
	}
	t.TaskCount = 0
	s.tokens[t.ID] = t
	return nil
}

// Delete removes a token.
func (s *TokenStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[id]; !ok {
		return fmt.Errorf("token %s: %w", id, shared.ErrNotFound)
	}
	delete(s.tokens, id)
	return nil
}

// List returns every stored token ordered by creation time.
func (s *TokenStore) List(ctx context.Context) ([]credential.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]credential.Snapshot, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateUsage records op counters. Unknown ids are ignored.
func (s *TokenStore) UpdateUsage(ctx context.Context, usage map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, n := range usage {
		t, ok := s.tokens[id]
		if !ok {
			continue
		}
		t.OpCount = n
		s.tokens[id] = t
	}
	return nil
}

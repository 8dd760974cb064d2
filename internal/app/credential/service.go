// Package credential provides the token store and quota enforcer. The
// in-memory state is authoritative for counters; definitions are written
// through to the repository and usage is flushed periodically.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/market-scout/internal/domain/credential"
	"github.com/ahrav/market-scout/internal/domain/shared"
	"github.com/ahrav/market-scout/pkg/common/logger"
	"github.com/ahrav/market-scout/pkg/common/timeutil"
)

// metrics defines the interface for tracking credential-related metrics.
type metrics interface {
	IncAuthorization(ctx context.Context, outcome string)
	IncSlotRejected(ctx context.Context)
	SetTokenCount(ctx context.Context, n int)
}

// RevocationListener is notified after a token has been revoked.
type RevocationListener func(ctx context.Context, tokenID string)

type tokenEntry struct {
	mu      sync.Mutex
	token   *domain.Token
	dirty   bool
	revoked bool
}

// Service owns every token and its counters. All mutation of a token happens
// under that token's mutex, so check-and-increment is atomic per token.
type Service struct {
	mu     sync.RWMutex
	tokens map[string]*tokenEntry

	listenersMu sync.RWMutex
	listeners   []RevocationListener

	repo  domain.Repository
	clock timeutil.Provider

	logger  *logger.Logger
	metrics metrics
	tracer  trace.Tracer
}

// NewService creates a credential service backed by repo.
func NewService(
	repo domain.Repository,
	clock timeutil.Provider,
	logger *logger.Logger,
	metrics metrics,
	tracer trace.Tracer,
) *Service {
	return &Service{
		tokens:  make(map[string]*tokenEntry),
		repo:    repo,
		clock:   clock,
		logger:  logger.With("component", "credential_service"),
		metrics: metrics,
		tracer:  tracer,
	}
}

// OnRevoke registers a listener called after every successful revocation.
func (s *Service) OnRevoke(l RevocationListener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenersMu.Unlock()
}

// Load replaces the in-memory state with the repository contents.
func (s *Service) Load(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "credential_service.load")
	defer span.End()

	snaps, err := s.repo.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing tokens failed")
		return fmt.Errorf("loading tokens: %w", err)
	}

	tokens := make(map[string]*tokenEntry, len(snaps))
	for _, snap := range snaps {
		tok := domain.ReconstructToken(snap.ID, snap.CreatedAt, snap.TTL, snap.OpLimit, snap.TCLimit, snap.OpCount)
		tokens[snap.ID] = &tokenEntry{token: tok}
	}

	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()

	s.metrics.SetTokenCount(ctx, len(tokens))
	span.SetAttributes(attribute.Int("token_count", len(tokens)))
	s.logger.Info(ctx, "tokens loaded", "count", len(tokens))
	return nil
}

// Create issues a new token.
func (s *Service) Create(ctx context.Context, ttl time.Duration, opLimit, tcLimit int64) (domain.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "credential_service.create",
		trace.WithAttributes(
			attribute.String("ttl", ttl.String()),
			attribute.Int64("op_limit", opLimit),
			attribute.Int64("tc_limit", tcLimit),
		))
	defer span.End()

	id, err := domain.NewTokenID()
	if err != nil {
		span.RecordError(err)
		return domain.Snapshot{}, err
	}

	tok, err := domain.NewToken(id, s.clock.Now(), ttl, opLimit, tcLimit)
	if err != nil {
		span.RecordError(err)
		return domain.Snapshot{}, err
	}

	snap := tok.Snapshot()
	if err := s.repo.Save(ctx, snap); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "saving token failed")
		return domain.Snapshot{}, fmt.Errorf("saving token: %w", err)
	}

	s.mu.Lock()
	s.tokens[id] = &tokenEntry{token: tok}
	count := len(s.tokens)
	s.mu.Unlock()

	s.metrics.SetTokenCount(ctx, count)
	s.logger.Info(ctx, "token created", "token_id", id, "ttl", ttl, "op_limit", opLimit, "tc_limit", tcLimit)
	return snap, nil
}

// Update replaces the supplied fields of a token.
func (s *Service) Update(ctx context.Context, id string, params domain.UpdateParams) (domain.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "credential_service.update",
		trace.WithAttributes(attribute.String("token_id", id)))
	defer span.End()

	e, err := s.lookup(id)
	if err != nil {
		return domain.Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.usable(e, id); err != nil {
		return domain.Snapshot{}, err
	}

	prev := *e.token
	if err := e.token.Apply(params); err != nil {
		return domain.Snapshot{}, err
	}

	snap := e.token.Snapshot()
	if err := s.repo.Save(ctx, snap); err != nil {
		*e.token = prev
		span.RecordError(err)
		span.SetStatus(codes.Error, "saving token failed")
		return domain.Snapshot{}, fmt.Errorf("saving token: %w", err)
	}
	e.dirty = false

	s.logger.Info(ctx, "token updated", "token_id", id, "ttl", snap.TTL, "op_limit", snap.OpLimit, "tc_limit", snap.TCLimit)
	return snap, nil
}

// Revoke removes a token immediately and notifies revocation listeners.
func (s *Service) Revoke(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "credential_service.revoke",
		trace.WithAttributes(attribute.String("token_id", id)))
	defer span.End()

	s.mu.Lock()
	e, ok := s.tokens[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("token %s: %w", id, shared.ErrNotFound)
	}
	delete(s.tokens, id)
	count := len(s.tokens)
	s.mu.Unlock()

	e.mu.Lock()
	e.revoked = true
	e.mu.Unlock()

	if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, shared.ErrNotFound) {
		// The token is already gone from memory; a stale row only matters
		// after a restart.
		span.RecordError(err)
		s.logger.Error(ctx, "deleting revoked token failed", "token_id", id, "error", err)
	}

	s.metrics.SetTokenCount(ctx, count)
	s.logger.Info(ctx, "token revoked", "token_id", id)

	s.listenersMu.RLock()
	listeners := make([]RevocationListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ctx, id)
	}
	return nil
}

// Get returns the caller's own token. It fails with shared.ErrExpired once
// the token has expired.
func (s *Service) Get(ctx context.Context, id string) (domain.Snapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return domain.Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.usable(e, id); err != nil {
		return domain.Snapshot{}, err
	}
	return e.token.Snapshot(), nil
}

// PublicInfo returns a token's state regardless of expiry.
func (s *Service) PublicInfo(ctx context.Context, id string) (domain.Snapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return domain.Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.revoked {
		return domain.Snapshot{}, fmt.Errorf("token %s: %w", id, shared.ErrNotFound)
	}
	return e.token.Snapshot(), nil
}

// Validate checks that a token exists and has not expired.
func (s *Service) Validate(ctx context.Context, id string) error {
	_, err := s.Get(ctx, id)
	return err
}

// Authorize charges cost operations to the token. The op counter is only
// incremented when the charge fits within op_limit.
func (s *Service) Authorize(ctx context.Context, id string, cost int64) error {
	e, err := s.lookup(id)
	if err != nil {
		s.metrics.IncAuthorization(ctx, shared.Kind(err))
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.usable(e, id); err != nil {
		s.metrics.IncAuthorization(ctx, shared.Kind(err))
		return err
	}
	if err := e.token.Consume(cost); err != nil {
		s.metrics.IncAuthorization(ctx, shared.Kind(err))
		return err
	}
	e.dirty = true

	s.metrics.IncAuthorization(ctx, "ok")
	return nil
}

// ReserveTaskSlot claims one concurrent task slot. The caller must Release
// the returned slot when the task reaches a terminal state.
func (s *Service) ReserveTaskSlot(ctx context.Context, id string) (*Slot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.usable(e, id); err != nil {
		return nil, err
	}
	if err := e.token.AcquireTask(); err != nil {
		s.metrics.IncSlotRejected(ctx)
		return nil, err
	}

	return newSlot(id, func() {
		e.mu.Lock()
		e.token.ReleaseTask()
		e.mu.Unlock()
	}), nil
}

// Count returns the number of live tokens.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// FlushUsage writes changed op counters to the repository.
func (s *Service) FlushUsage(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "credential_service.flush_usage")
	defer span.End()

	s.mu.RLock()
	entries := make(map[string]*tokenEntry, len(s.tokens))
	for id, e := range s.tokens {
		entries[id] = e
	}
	s.mu.RUnlock()

	usage := make(map[string]int64)
	for id, e := range entries {
		e.mu.Lock()
		if e.dirty && !e.revoked {
			usage[id] = e.token.OpCount()
			e.dirty = false
		}
		e.mu.Unlock()
	}

	if len(usage) == 0 {
		return nil
	}
	span.SetAttributes(attribute.Int("token_count", len(usage)))

	if err := s.repo.UpdateUsage(ctx, usage); err != nil {
		for id := range usage {
			e := entries[id]
			e.mu.Lock()
			e.dirty = true
			e.mu.Unlock()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "flushing usage failed")
		return fmt.Errorf("flushing token usage: %w", err)
	}
	return nil
}

// RunUsageFlusher flushes usage every interval until ctx is cancelled, then
// performs a final flush.
func (s *Service) RunUsageFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush on a fresh context so shutdown does not drop usage.
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := s.FlushUsage(flushCtx); err != nil {
				s.logger.Error(flushCtx, "final usage flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.FlushUsage(ctx); err != nil {
				s.logger.Warn(ctx, "usage flush failed", "error", err)
			}
		}
	}
}

func (s *Service) lookup(id string) (*tokenEntry, error) {
	s.mu.RLock()
	e, ok := s.tokens[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("token %s: %w", id, shared.ErrNotFound)
	}
	return e, nil
}

// usable must be called with e.mu held.
func (s *Service) usable(e *tokenEntry, id string) error {
	if e.revoked {
		return fmt.Errorf("token %s: %w", id, shared.ErrNotFound)
	}
	if e.token.IsExpired(s.clock.Now()) {
		return fmt.Errorf("token %s expired at %s: %w", id, e.token.ExpiresAt().Format(time.RFC3339), shared.ErrExpired)
	}
	return nil
}

// Package postgres provides the PostgreSQL token repository.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/market-scout/internal/domain/credential"
	"github.com/ahrav/market-scout/internal/domain/shared"
	"github.com/ahrav/market-scout/internal/infra/storage"
)

var _ credential.Repository = (*tokenStore)(nil)

const (
	upsertTokenSQL = `
INSERT INTO tokens (id, created_at, ttl_ms, op_limit, tc_limit, op_count)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    ttl_ms     = EXCLUDED.ttl_ms,
    op_limit   = EXCLUDED.op_limit,
    tc_limit   = EXCLUDED.tc_limit,
    op_count   = GREATEST(tokens.op_count, EXCLUDED.op_count),
    updated_at = NOW()`

	deleteTokenSQL = `DELETE FROM tokens WHERE id = $1`

	listTokensSQL = `
SELECT id, created_at, ttl_ms, op_limit, tc_limit, op_count
FROM tokens
ORDER BY created_at`

	updateUsageSQL = `UPDATE tokens SET op_count = $2, updated_at = NOW() WHERE id = $1`
)

// tokenStore implements credential.Repository using PostgreSQL.
type tokenStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewTokenStore creates a new PostgreSQL-backed token repository with tracing.
func NewTokenStore(pool *pgxpool.Pool, tracer trace.Tracer) *tokenStore {
	return &tokenStore{db: pool, tracer: tracer}
}

// Save inserts or replaces a token definition. Stored usage never moves
// backwards.
func (s *tokenStore) Save(ctx context.Context, t credential.Snapshot) error {
	dbAttrs := append(storage.DefaultDBAttributes, attribute.String("token_id", t.ID))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_token", dbAttrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, upsertTokenSQL,
			t.ID, t.CreatedAt, t.TTL.Milliseconds(), t.OpLimit, t.TCLimit, t.OpCount)
		if err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
		return nil
	})
}

// Delete removes a token.
func (s *tokenStore) Delete(ctx context.Context, id string) error {
	dbAttrs := append(storage.DefaultDBAttributes, attribute.String("token_id", id))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_token", dbAttrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, deleteTokenSQL, id)
		if err != nil {
			return fmt.Errorf("failed to delete token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("token %s: %w", id, shared.ErrNotFound)
		}
		return nil
	})
}

// List returns every stored token.
func (s *tokenStore) List(ctx context.Context) ([]credential.Snapshot, error) {
	var out []credential.Snapshot

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_tokens", storage.DefaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, listTokensSQL)
		if err != nil {
			return fmt.Errorf("failed to list tokens: %w", err)
		}

		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (credential.Snapshot, error) {
			var (
				t     credential.Snapshot
				ttlMS int64
			)
			if err := row.Scan(&t.ID, &t.CreatedAt, &ttlMS, &t.OpLimit, &t.TCLimit, &t.OpCount); err != nil {
				return credential.Snapshot{}, err
			}
			t.TTL = time.Duration(ttlMS) * time.Millisecond
			return t, nil
		})
		if err != nil {
			return fmt.Errorf("failed to scan tokens: %w", err)
		}
		return nil
	})
	return out, err
}

// UpdateUsage writes op counters in a single batch.
func (s *tokenStore) UpdateUsage(ctx context.Context, usage map[string]int64) error {
	dbAttrs := append(storage.DefaultDBAttributes, attribute.Int("token_count", len(usage)))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_token_usage", dbAttrs, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for id, n := range usage {
			batch.Queue(updateUsageSQL, id, n)
		}
		if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to update token usage: %w", err)
		}
		return nil
	})
}

// Package postgres provides the PostgreSQL task archive.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/internal/domain/shared"
	"github.com/ahrav/market-scout/internal/infra/storage"
)

var _ dispatch.ArchiveRepository = (*archiveStore)(nil)

const (
	archiveTaskSQL = `
INSERT INTO task_archive (
    task_id, order_id, token_id, idx, product, proxy, status, reason, detail,
    result, attempts, seq, created_at, started_at, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (task_id) DO UPDATE SET
    status       = EXCLUDED.status,
    reason       = EXCLUDED.reason,
    detail       = EXCLUDED.detail,
    result       = EXCLUDED.result,
    attempts     = EXCLUDED.attempts,
    seq          = EXCLUDED.seq,
    completed_at = EXCLUDED.completed_at,
    archived_at  = NOW()`

	archiveColumns = `task_id, order_id, token_id, idx, product, proxy, status, reason, detail,
    result, attempts, seq, created_at, started_at, completed_at`

	getArchivedTaskSQL = `SELECT ` + archiveColumns + ` FROM task_archive WHERE task_id = $1`

	listArchivedOrderSQL = `SELECT ` + archiveColumns + ` FROM task_archive WHERE order_id = $1 ORDER BY idx`

	purgeArchiveSQL = `DELETE FROM task_archive WHERE archived_at < $1`
)

// archiveStore implements dispatch.ArchiveRepository using PostgreSQL.
type archiveStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewArchiveStore creates a new PostgreSQL-backed task archive with tracing.
func NewArchiveStore(pool *pgxpool.Pool, tracer trace.Tracer) *archiveStore {
	return &archiveStore{db: pool, tracer: tracer}
}

// Archive stores a task snapshot, replacing an earlier copy.
func (s *archiveStore) Archive(ctx context.Context, t dispatch.TaskSnapshot) error {
	dbAttrs := append(storage.DefaultDBAttributes,
		attribute.String("task_id", t.ID),
		attribute.String("order_id", t.OrderID),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.archive_task", dbAttrs, func(ctx context.Context) error {
		var result []byte
		if len(t.Result) > 0 {
			result = t.Result
		}
		_, err := s.db.Exec(ctx, archiveTaskSQL,
			t.ID, t.OrderID, t.TokenID, t.Index, t.Product, t.Proxy,
			string(t.Status), string(t.Reason), t.Detail, result, t.Attempts, int64(t.Seq),
			t.CreatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to archive task: %w", err)
		}
		return nil
	})
}

// Get returns an archived task.
func (s *archiveStore) Get(ctx context.Context, taskID string) (dispatch.TaskSnapshot, error) {
	var out dispatch.TaskSnapshot
	dbAttrs := append(storage.DefaultDBAttributes, attribute.String("task_id", taskID))

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_archived_task", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, getArchivedTaskSQL, taskID)
		if err != nil {
			return fmt.Errorf("failed to get archived task: %w", err)
		}
		out, err = pgx.CollectExactlyOneRow(rows, scanSnapshot)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("archived task %s: %w", taskID, shared.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to scan archived task: %w", err)
		}
		return nil
	})
	return out, err
}

// ListOrder returns the archived tasks of an order by index.
func (s *archiveStore) ListOrder(ctx context.Context, orderID string) ([]dispatch.TaskSnapshot, error) {
	var out []dispatch.TaskSnapshot
	dbAttrs := append(storage.DefaultDBAttributes, attribute.String("order_id", orderID))

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_archived_order", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, listArchivedOrderSQL, orderID)
		if err != nil {
			return fmt.Errorf("failed to list archived order: %w", err)
		}
		out, err = pgx.CollectRows(rows, scanSnapshot)
		if err != nil {
			return fmt.Errorf("failed to scan archived order: %w", err)
		}
		return nil
	})
	return out, err
}

// Purge deletes tasks archived before cutoff and returns how many were removed.
func (s *archiveStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.purge_archive", storage.DefaultDBAttributes, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, purgeArchiveSQL, cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge archive: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func scanSnapshot(row pgx.CollectableRow) (dispatch.TaskSnapshot, error) {
	var (
		t                      dispatch.TaskSnapshot
		status, reason         string
		result                 []byte
		seq                    int64
		startedAt, completedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&t.ID, &t.OrderID, &t.TokenID, &t.Index, &t.Product, &t.Proxy,
		&status, &reason, &t.Detail, &result, &t.Attempts, &seq,
		&t.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return dispatch.TaskSnapshot{}, err
	}

	t.Status = dispatch.TaskStatus(status)
	t.Reason = dispatch.FailureReason(reason)
	t.Result = result
	t.Seq = uint64(seq)
	if startedAt.Valid {
		t.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = completedAt.Time
	}
	// Only terminal tasks are archived.
	t.Terminal = true
	return t, nil
}

func nullTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

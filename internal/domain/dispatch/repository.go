package dispatch

import "context"

// ArchiveRepository keeps evicted tasks so their outcome outlives the
// registry's retention window.
type ArchiveRepository interface {
	Archive(ctx context.Context, task TaskSnapshot) error
	// Get returns shared.ErrNotFound when the task was never archived.
	Get(ctx context.Context, taskID string) (TaskSnapshot, error)
	ListOrder(ctx context.Context, orderID string) ([]TaskSnapshot, error)
}

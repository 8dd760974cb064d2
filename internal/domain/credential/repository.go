package credential

import "context"

// Repository persists token definitions and usage. Implementations need not
// be authoritative for counters; the credential service owns the live values
// and writes usage back periodically.
type Repository interface {
	Save(ctx context.Context, token Snapshot) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Snapshot, error)
	// UpdateUsage records the op counter for each token id present in usage.
	UpdateUsage(ctx context.Context, usage map[string]int64) error
}

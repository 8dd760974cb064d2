package dispatch

import (
	"context"

	domain "github.com/ahrav/market-scout/internal/domain/dispatch"
)

// Publishers fans an event out to several publishers in order.
type Publishers []Publisher

// Publish implements Publisher.
func (p Publishers) Publish(ctx context.Context, ev domain.TaskEvent) {
	for _, pub := range p {
		pub.Publish(ctx, ev)
	}
}

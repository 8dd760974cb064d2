// Package memory provides an in-memory task archive.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/internal/domain/shared"
)

var _ dispatch.ArchiveRepository = (*ArchiveStore)(nil)

// ArchiveStore keeps evicted tasks, bounded to the most recent capacity
// entries. A capacity of zero keeps everything.
type ArchiveStore struct {
	mu       sync.Mutex
	tasks    map[string]dispatch.TaskSnapshot
	orders   map[string][]string
	order    []string
	capacity int
}

// NewArchiveStore creates an archive holding at most capacity tasks.
func NewArchiveStore(capacity int) *ArchiveStore {
	return &ArchiveStore{
		tasks:    make(map[string]dispatch.TaskSnapshot),
		orders:   make(map[string][]string),
		capacity: capacity,
	}
}

// Archive stores a task snapshot, replacing an earlier copy.
func (s *ArchiveStore) Archive(ctx context.Context, task dispatch.TaskSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; !exists {
		s.order = append(s.order, task.ID)
		s.orders[task.OrderID] = append(s.orders[task.OrderID], task.ID)
	}
	s.tasks[task.ID] = task

	for s.capacity > 0 && len(s.order) > s.capacity {
		s.evictOldest()
	}
	return nil
}

func (s *ArchiveStore) evictOldest() {
	id := s.order[0]
	s.order = s.order[1:]

	task := s.tasks[id]
	delete(s.tasks, id)

	ids := s.orders[task.OrderID]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.orders, task.OrderID)
	} else {
		s.orders[task.OrderID] = ids
	}
}

// Get returns an archived task.
func (s *ArchiveStore) Get(ctx context.Context, taskID string) (dispatch.TaskSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return dispatch.TaskSnapshot{}, fmt.Errorf("archived task %s: %w", taskID, shared.ErrNotFound)
	}
	return task, nil
}

// ListOrder returns the archived tasks of an order by index.
func (s *ArchiveStore) ListOrder(ctx context.Context, orderID string) ([]dispatch.TaskSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.orders[orderID]
	out := make([]dispatch.TaskSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tasks[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

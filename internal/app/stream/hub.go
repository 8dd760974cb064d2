// Package stream fans task events out to live subscribers.
package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/pkg/common/logger"
	"github.com/ahrav/market-scout/pkg/common/timeutil"
)

// DefaultBufferSize is the per-subscriber buffer used when none is configured.
const DefaultBufferSize = 16

// SnapshotSource returns the current state of a task. The hub uses it to
// seed every new subscription.
type SnapshotSource interface {
	Get(ctx context.Context, taskID string) (dispatch.TaskSnapshot, error)
}

// metrics defines the interface for tracking stream metrics.
type metrics interface {
	IncEventsDropped(ctx context.Context)
}

// Hub keeps the live subscriptions of every task. Publish never blocks: a
// slow subscriber loses its oldest buffered events instead.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}

	source     SnapshotSource
	bufferSize int
	clock      timeutil.Provider

	logger  *logger.Logger
	metrics metrics
}

// NewHub creates a hub. bufferSize <= 0 selects DefaultBufferSize.
func NewHub(bufferSize int, clock timeutil.Provider, logger *logger.Logger, metrics metrics) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		topics:     make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
		clock:      clock,
		logger:     logger.With("component", "stream_hub"),
		metrics:    metrics,
	}
}

// SetSource wires the snapshot source. It must be called before Subscribe.
func (h *Hub) SetSource(src SnapshotSource) { h.source = src }

// Subscribe opens a subscription to taskID. The first event is a snapshot of
// the task's current state; live transitions follow. The subscription's
// channel is closed after a terminal event has been delivered. Unknown tasks
// fail with the source's not-found error.
func (h *Hub) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	if h.source == nil {
		return nil, fmt.Errorf("stream hub has no snapshot source")
	}

	sub := newSubscription(h, taskID, h.bufferSize)

	// Register before reading the snapshot so no transition in between is
	// lost; transitions already covered by the snapshot are filtered by seq.
	h.mu.Lock()
	subs, ok := h.topics[taskID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[taskID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	snap, err := h.source.Get(ctx, taskID)
	if err != nil {
		h.remove(sub)
		return nil, err
	}

	ev := dispatch.NewTaskEvent(snap, h.clock.Now())
	ev.Snapshot = true
	sub.start(ev)

	if sub.isClosed() {
		h.unregister(sub)
	}
	return sub, nil
}

// Publish delivers ev to every subscriber of its task.
func (h *Hub) Publish(ctx context.Context, ev dispatch.TaskEvent) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.topics[ev.Task.ID]))
	for sub := range h.topics[ev.Task.ID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if dropped := sub.push(ev); dropped {
			h.metrics.IncEventsDropped(ctx)
		}
		if sub.isClosed() {
			h.unregister(sub)
		}
	}
}

// CloseTopic ends every subscription of taskID. Events already buffered are
// still readable.
func (h *Hub) CloseTopic(taskID string) {
	h.mu.Lock()
	subs := h.topics[taskID]
	delete(h.topics, taskID)
	h.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
}

// SubscriberCount returns the number of open subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	return n
}

func (h *Hub) remove(sub *Subscription) {
	h.unregister(sub)
	sub.close()
}

func (h *Hub) unregister(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[sub.taskID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, sub.taskID)
		}
	}
}

package stream

import (
	"sync"

	"github.com/ahrav/market-scout/internal/domain/dispatch"
)

// Subscription is one consumer's view of a task's events.
type Subscription struct {
	hub    *Hub
	taskID string

	mu      sync.Mutex
	ch      chan dispatch.TaskEvent
	ready   bool
	early   []dispatch.TaskEvent
	lastSeq uint64
	closed  bool
	dropped uint64
}

func newSubscription(h *Hub, taskID string, size int) *Subscription {
	return &Subscription{hub: h, taskID: taskID, ch: make(chan dispatch.TaskEvent, size)}
}

// TaskID returns the subscribed task.
func (s *Subscription) TaskID() string { return s.taskID }

// Events returns the event channel. It is closed once the task is terminal,
// the topic is closed or the subscription is cancelled.
func (s *Subscription) Events() <-chan dispatch.TaskEvent { return s.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close cancels the subscription. It is safe to call more than once.
func (s *Subscription) Close() { s.hub.remove(s) }

// start delivers the snapshot followed by any live events that raced with it.
func (s *Subscription) start(snapshot dispatch.TaskEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.enqueue(snapshot)
	early := s.early
	s.early = nil
	for _, ev := range early {
		s.enqueue(ev)
	}
	s.ready = true
}

// push offers a live event. It reports whether an older event was dropped to
// make room.
func (s *Subscription) push(ev dispatch.TaskEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if !s.ready {
		s.early = append(s.early, ev)
		return false
	}
	return s.enqueue(ev)
}

// enqueue must be called with s.mu held. Events at or below the last
// delivered sequence are ignored; a terminal event closes the channel.
func (s *Subscription) enqueue(ev dispatch.TaskEvent) bool {
	if s.closed || ev.Task.Seq <= s.lastSeq {
		return false
	}
	s.lastSeq = ev.Task.Seq

	dropped := false
	for sent := false; !sent; {
		select {
		case s.ch <- ev:
			sent = true
			continue
		default:
		}
		// Full: discard the oldest buffered event.
		select {
		case <-s.ch:
			s.dropped++
			dropped = true
		default:
		}
	}

	if ev.Task.Terminal {
		s.closeLocked()
	}
	return dropped
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.early = nil
	close(s.ch)
}

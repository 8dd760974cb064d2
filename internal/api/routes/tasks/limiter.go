package tasks

import (
	"context"
	"sync"
)

type streamMetrics interface {
	SetOpenStreams(ctx context.Context, n int)
}

// StreamLimiter caps the number of concurrently open WebSocket streams.
type StreamLimiter struct {
	mu      sync.Mutex
	open    int
	limit   int
	metrics streamMetrics
}

// NewStreamLimiter creates a limiter admitting at most limit streams.
func NewStreamLimiter(limit int, metrics streamMetrics) *StreamLimiter {
	return &StreamLimiter{limit: limit, metrics: metrics}
}

// Acquire reserves a stream. It reports false when the limit is reached.
func (l *StreamLimiter) Acquire(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open >= l.limit {
		return false
	}
	l.open++
	l.metrics.SetOpenStreams(ctx, l.open)
	return true
}

// Release frees a stream reserved by Acquire.
func (l *StreamLimiter) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open > 0 {
		l.open--
	}
	l.metrics.SetOpenStreams(ctx, l.open)
}

// Open returns the number of open streams.
func (l *StreamLimiter) Open() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Limit returns the configured cap.
func (l *StreamLimiter) Limit() int { return l.limit }

package credential

import (
	"sync"
	"sync/atomic"
)

// Slot is a reserved concurrent-task slot. Release is idempotent and safe to
// call from any goroutine.
type Slot struct {
	tokenID  string
	once     sync.Once
	release  func()
	released atomic.Bool
}

func newSlot(tokenID string, release func()) *Slot {
	return &Slot{tokenID: tokenID, release: release}
}

// TokenID returns the token the slot is charged to.
func (s *Slot) TokenID() string { return s.tokenID }

// Release returns the slot to its token. Only the first call has an effect.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.release()
		s.released.Store(true)
	})
}

// Released reports whether the slot has been returned to its token.
func (s *Slot) Released() bool { return s != nil && s.released.Load() }

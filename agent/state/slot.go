package state

import (
	"fmt"
	"sync"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

// Slot is a write-once cell of the run state. Exactly one stage owns it.
type Slot[T any] struct {
	mu      sync.RWMutex
	written bool
	value   T
}

func (s *Slot[T]) Set(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written {
		return contractx.ErrSlotAlreadyWritten
	}
	s.value = v
	s.written = true
	return nil
}

func (s *Slot[T]) Get() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.written
}

func (s *Slot[T]) Written() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.written
}

// BranchSlot holds the result of a fan-out branch: either a value or the
// explicit unavailable sentinel with its cause.
type BranchSlot[T any] struct {
	slot  Slot[T]
	cause error
	unav  bool
	guard sync.RWMutex
}

func (b *BranchSlot[T]) Set(v T) error {
	return b.slot.Set(v)
}

// SetUnavailable writes the sentinel. It shares write-once semantics with Set.
func (b *BranchSlot[T]) SetUnavailable(cause error) error {
	var zero T
	if err := b.slot.Set(zero); err != nil {
		return err
	}
	b.guard.Lock()
	b.unav = true
	b.cause = cause
	b.guard.Unlock()
	return nil
}

// Get returns the branch value. ok is false when the branch is unavailable
// or was never written.
func (b *BranchSlot[T]) Get() (T, bool) {
	v, written := b.slot.Get()
	if !written {
		return v, false
	}
	b.guard.RLock()
	defer b.guard.RUnlock()
	return v, !b.unav
}

func (b *BranchSlot[T]) Written() bool {
	return b.slot.Written()
}

// Cause returns why the branch is unavailable, or nil.
func (b *BranchSlot[T]) Cause() error {
	b.guard.RLock()
	defer b.guard.RUnlock()
	if !b.unav {
		return nil
	}
	if b.cause == nil {
		return contractx.ErrBranchUnavailable
	}
	return fmt.Errorf("%w: %v", contractx.ErrBranchUnavailable, b.cause)
}

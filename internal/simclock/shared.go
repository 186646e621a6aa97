package simclock

import "sync/atomic"

// ReadOnly 是 Worker 取得的唯讀視圖
type ReadOnly interface {
	Now() Clock
}

// Shared is the controller-owned clock. One writer (the controller loop)
// and any number of readers. The value is held as a single word of total
// nanoseconds so a reader never observes seconds and nanoseconds from two
// different advances.
type Shared struct {
	total     atomic.Uint64
	increment int64
}

// NewShared returns a zeroed clock that advances by increment per tick.
func NewShared(increment int64) (*Shared, error) {
	if increment <= 0 || increment >= NanosPerSecond {
		return nil, ErrInvalidIncrement
	}
	return &Shared{increment: increment}, nil
}

// Now returns a consistent snapshot.
func (s *Shared) Now() Clock {
	return FromNanos(s.total.Load())
}

// Advance moves the clock forward one tick and returns the new value.
// Only the controller calls it.
func (s *Shared) Advance() Clock {
	c := s.Now()
	c.Advance(s.increment)
	s.total.Store(c.TotalNanos())
	return c
}

func (s *Shared) Reset() {
	s.total.Store(0)
}

// Increment returns the step added by each Advance.
func (s *Shared) Increment() int64 {
	return s.increment
}

package acquisition

import "go.uber.org/atomic"

// Slot hands one value at a time from the worker to a consumer. The worker only publishes once
// the consumer has taken the previous value, so at most one item is ever in flight.
type Slot[T any] struct {
	ch       chan T
	inFlight atomic.Int32
}

func newSlot[T any]() *Slot[T] {
	return &Slot[T]{ch: make(chan T, 1)}
}

// offer publishes v unless a previous value is still unconsumed.
func (s *Slot[T]) offer(v T) bool {
	if !s.inFlight.CompareAndSwap(0, 1) {
		return false
	}
	select {
	case s.ch <- v:
		return true
	default:
		s.inFlight.Store(0)
		return false
	}
}

// TryReceive takes the pending value without blocking.
func (s *Slot[T]) TryReceive() (T, bool) {
	select {
	case v := <-s.ch:
		s.inFlight.Dec()
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Pending reports whether a value is waiting for the consumer.
func (s *Slot[T]) Pending() bool {
	return s.inFlight.Load() > 0
}

// drain discards a pending value.
func (s *Slot[T]) drain() {
	s.TryReceive()
}

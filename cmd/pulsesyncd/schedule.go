package main

import (
	"sync"
	"time"
)

// scheduledStart is a single-fire deferred activation bound to one
// generation and one absolute target time.
//
// It either fires (delivering a ScheduleFired event to the daemon loop) or
// is cancelled before firing. Cancellation before the timer expires
// guarantees the event is never delivered. A fire that was already queued
// when a supersession or stop was processed is harmless: the reducer
// re-checks the captured generation and discards the stale event.
type scheduledStart struct {
	generation uint64
	targetMS   int64

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

// armSchedule starts a timer goroutine that delivers ScheduleFired to the
// events channel once wall-clock time reaches targetMS. The returned handle
// must be cancelled when superseded so the timer is released.
func armSchedule(generation uint64, targetMS int64, events chan<- Event) *scheduledStart {
	s := &scheduledStart{
		generation: generation,
		targetMS:   targetMS,
		cancelCh:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	delay := time.Until(time.UnixMilli(targetMS))
	if delay < 0 {
		delay = 0
	}

	go func() {
		defer close(s.done)

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case at := <-timer.C:
			// Deliver the fire unless cancellation won the race. The select
			// below keeps delivery and cancellation mutually exclusive from
			// this goroutine's point of view; a fire that still slips into
			// the queue ahead of the cancelling message is discarded by the
			// reducer's generation check.
			select {
			case events <- ScheduleFired{Generation: s.generation, At: at}:
			case <-s.cancelCh:
			}
		case <-s.cancelCh:
		}
	}()

	return s
}

// Cancel stops the pending fire. Safe to call multiple times and after the
// handle has already fired or been cancelled.
func (s *scheduledStart) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelCh)
	})
}

// Done reports completion of the timer goroutine (fired or cancelled).
func (s *scheduledStart) Done() <-chan struct{} {
	return s.done
}

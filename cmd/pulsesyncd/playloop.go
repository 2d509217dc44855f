package main

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// playLoop is the cancellable repeating driver that pulses the actuator.
//
// The interval is re-read at the top of every iteration, so tempo changes
// take effect on the next pulse without restarting the loop. Waits are
// interruptible: a stop request aborts an in-flight wait instead of letting
// it run out, so stopping feels immediate.
//
// Timing is drift-free: the loop keeps an absolute next-tick instant and
// advances it by the current interval after each pulse. If the loop falls
// behind (slow actuator, clock jump) it skips forward by whole intervals
// rather than bursting pulses to catch up.
type playLoop struct {
	generation uint64
	actuator   PulseActuator
	logger     *slog.Logger

	// intervalMS is the current pulse interval, updated on tempo changes.
	intervalMS atomic.Int64

	// pendingShiftMS accumulates phase-shift deltas to be consumed exactly
	// once at the next iteration boundary. A positive shift moves pulses
	// earlier.
	pendingShiftMS atomic.Int64

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

// startPlayLoop starts the pulse driver for one generation.
// onError receives actuator failures; it must not block.
func startPlayLoop(generation uint64, bpm int, actuator PulseActuator, logger *slog.Logger, onError func(error)) *playLoop {
	l := &playLoop{
		generation: generation,
		actuator:   actuator,
		logger:     logger,
		cancelCh:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	l.SetBPM(bpm)

	go l.run(onError)
	return l
}

// SetBPM updates the pulse interval. Effective from the next iteration.
func (l *playLoop) SetBPM(bpm int) {
	if bpm <= 0 {
		return
	}
	interval := int64(60_000 / bpm)
	if interval < 1 {
		interval = 1
	}
	l.intervalMS.Store(interval)
}

// ShiftNext queues a one-shot timing adjustment in milliseconds, consumed at
// the next iteration boundary. Positive values pulse earlier.
func (l *playLoop) ShiftNext(deltaMS int) {
	l.pendingShiftMS.Add(int64(deltaMS))
}

// Cancel requests the loop to stop. It does not wait for the in-flight
// pulse to finish; use Done to observe completion.
func (l *playLoop) Cancel() {
	l.cancelOnce.Do(func() {
		close(l.cancelCh)
	})
}

// Done reports completion of the loop goroutine.
func (l *playLoop) Done() <-chan struct{} {
	return l.done
}

func (l *playLoop) run(onError func(error)) {
	defer close(l.done)

	l.logger.Info("play loop started", "generation", l.generation, "interval_ms", l.intervalMS.Load())

	nextTick := time.Now()
	for {
		if shift := l.pendingShiftMS.Swap(0); shift != 0 {
			nextTick = nextTick.Add(-time.Duration(shift) * time.Millisecond)
			l.logger.Info("applied pending phase shift", "shift_ms", shift)
		}

		interval := time.Duration(l.intervalMS.Load()) * time.Millisecond

		if err := l.actuator.StartPulse(); err != nil {
			l.logger.Error("pulse failed", "error", err, "generation", l.generation)
			if onError != nil {
				onError(err)
			}
		} else {
			l.logger.Debug("pulse", "generation", l.generation)
		}

		nextTick = nextTick.Add(interval)
		now := time.Now()
		if wait := nextTick.Sub(now); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-l.cancelCh:
				timer.Stop()
				l.logger.Info("play loop stopped", "generation", l.generation)
				return
			}
		} else {
			// Behind schedule: skip forward by whole intervals.
			for !nextTick.After(now) {
				nextTick = nextTick.Add(interval)
			}
			select {
			case <-l.cancelCh:
				l.logger.Info("play loop stopped", "generation", l.generation)
				return
			default:
			}
		}
	}
}

package main

import (
	"context"
	"log/slog"
)

// ============================================================================
// Central Daemon Loop - Reducer-driven scheduling controller
// ============================================================================
//
// Design rules enforced here:
//   - The reducer performs no I/O and computes: next state + commands.
//   - The daemon loop is the only place that executes side effects (timers,
//     playback loop lifecycle, persistence, snapshot delivery).
//   - Outcomes of side effects are turned into Events and fed back into the
//     reducer; in particular a scheduled start firing re-enters the loop as
//     a ScheduleFired event, so the stale-generation check runs under the
//     same single-writer discipline as every other transition.
//   - Events are processed strictly in delivery order: a later run command
//     always observes the state produced by an earlier one, even while the
//     earlier one's scheduled or playback work is still in flight.
//
// ============================================================================

// runDaemon is the main daemon loop. It exits when ctx is canceled or the
// events channel is closed, cancelling any outstanding handles on the way
// out.
func runDaemon(
	ctx context.Context,
	events chan Event,
	rt *runtime,
	cfg ControllerConfig,
	state *ControllerState,
	logger *slog.Logger,
) {
	if state == nil {
		logger.Error("controller state is nil")
		return
	}

	// Explicit queues:
	// - eventQueue holds events awaiting reduction
	// - cmdQueue holds commands awaiting execution
	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}
	enqueueCommands := func(cmds []Command) {
		if len(cmds) == 0 {
			return
		}
		cmdQueue = append(cmdQueue, cmds...)
	}

	// Reduce all queued events, enqueuing any resulting commands and fanning
	// out broadcasts and warnings.
	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev, cfg)
			if rr.State != nil {
				state = rr.State
			}
			enqueueCommands(rr.Commands)

			for _, w := range rr.Warnings {
				logger.Warn(w.Reason, "detail", w.Detail)
			}
			for _, b := range rr.Broadcasts {
				rt.broadcast(b)
			}
		}
	}

	// Execute all queued commands. Effects never call Reduce directly; any
	// feedback they produce lands on the events channel and is reduced on
	// the next loop turn.
	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]
			rt.runEffect(cmd)
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			rt.shutdown()
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				rt.shutdown()
				return
			}
			enqueueEvent(ev)
			flushEvents()
			flushCommands()
		}
	}
}

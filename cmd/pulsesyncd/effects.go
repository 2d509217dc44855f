package main

import (
	"encoding/json"
	"log/slog"
	"time"
)

// runtime owns the cancellable handles and executes reducer-emitted
// Commands. It is driven exclusively by the daemon goroutine; the handles it
// manages run their own goroutines but only ever talk back through the
// events channel.
type runtime struct {
	events   chan Event
	actuator PulseActuator
	store    *ConfigStore
	hub      *Hub
	logger   *slog.Logger

	scheduled *scheduledStart
	loop      *playLoop

	// draining is a cancelled loop whose goroutine may still be finishing
	// its in-flight pulse. The next loop start waits for it, so the actuator
	// is never driven by two loops at once even across a stop/start batch.
	draining *playLoop
}

func newRuntime(events chan Event, actuator PulseActuator, store *ConfigStore, hub *Hub, logger *slog.Logger) *runtime {
	return &runtime{
		events:   events,
		actuator: actuator,
		store:    store,
		hub:      hub,
		logger:   logger,
	}
}

// runEffect executes a single Command. Cancellation requests return without
// waiting for teardown; replacing the playback loop is the one place that
// waits for the previous loop to finish, so the actuator is never driven by
// two loops at once.
func (rt *runtime) runEffect(cmd Command) {
	switch c := cmd.(type) {
	case CmdArmSchedule:
		if rt.scheduled != nil {
			rt.scheduled.Cancel()
		}
		rt.scheduled = armSchedule(c.Generation, c.TargetMS, rt.events)
		rt.logger.Debug("schedule armed", "generation", c.Generation, "target_ms", c.TargetMS)

	case CmdCancelSchedule:
		if rt.scheduled != nil {
			rt.scheduled.Cancel()
			rt.scheduled = nil
		}

	case CmdStartLoop:
		if rt.loop != nil {
			// A pulse is bounded and short; waiting here keeps the
			// single-active-loop guarantee airtight.
			rt.loop.Cancel()
			<-rt.loop.Done()
			rt.loop = nil
		}
		rt.drainStoppedLoop()
		rt.scheduled = nil
		rt.loop = startPlayLoop(c.Generation, c.BPM, rt.actuator, rt.logger, func(err error) {
			select {
			case rt.events <- ActuatorFailed{Err: err, At: time.Now()}:
			default:
			}
		})

	case CmdStopLoop:
		if rt.loop != nil {
			// Keep the handle until the goroutine reports done. A stop is
			// async for the caller, but a start issued in the same batch must
			// not overlap the outgoing loop's in-flight pulse.
			rt.loop.Cancel()
			rt.draining = rt.loop
			rt.loop = nil
		}

	case CmdApplyTempo:
		if rt.loop != nil {
			rt.loop.SetBPM(c.BPM)
		}

	case CmdApplyPhaseShift:
		if rt.loop != nil {
			rt.loop.ShiftNext(c.DeltaMS)
		}

	case CmdStopActuator:
		if err := rt.actuator.StopPulse(); err != nil {
			rt.logger.Error("actuator stop failed", "error", err)
		}

	case CmdSavePhaseShift:
		if rt.store == nil {
			break
		}
		if err := rt.store.SavePhaseShift(c.MS); err != nil {
			rt.logger.Error("failed to persist phase shift", "error", err, "ms", c.MS)
		} else {
			rt.logger.Info("committed phase shift", "phase_shift_ms", c.MS)
		}

	case CmdPublishSnapshot:
		if c.Reply == nil {
			rt.logger.Warn("snapshot requested with nil reply channel")
			break
		}
		// Never block the daemon loop on a slow requester.
		select {
		case c.Reply <- c.Snapshot:
		default:
			rt.logger.Warn("snapshot reply channel not ready; dropping snapshot")
		}

	default:
		rt.logger.Warn("unknown command type", "command", cmd.String())
	}
}

// drainStoppedLoop waits for a previously stopped loop to finish its last
// pulse, if one is still winding down.
func (rt *runtime) drainStoppedLoop() {
	if rt.draining == nil {
		return
	}
	<-rt.draining.Done()
	rt.draining = nil
}

// broadcast serializes a reducer broadcast into the status WebSocket wire
// envelope and fans it out. Drops silently when no hub is attached.
func (rt *runtime) broadcast(b Broadcast) {
	if rt.hub == nil {
		return
	}
	now := time.Now()
	msg, err := json.Marshal(envelope{Type: b.Type, Ts: &now, Data: b.Data})
	if err != nil {
		rt.logger.Error("failed to marshal broadcast", "error", err, "type", b.Type)
		return
	}
	rt.hub.BroadcastBytes(msg)
}

// shutdown cancels outstanding handles and silences the actuator. Called
// once when the daemon loop exits.
func (rt *runtime) shutdown() {
	if rt.scheduled != nil {
		rt.scheduled.Cancel()
		rt.scheduled = nil
	}
	if rt.loop != nil {
		rt.loop.Cancel()
		<-rt.loop.Done()
		rt.loop = nil
	}
	rt.drainStoppedLoop()
	if err := rt.actuator.StopPulse(); err != nil {
		rt.logger.Warn("actuator stop failed during shutdown", "error", err)
	}
}

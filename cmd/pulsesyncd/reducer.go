package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// This file implements the reducer-style building blocks of the daemon:
//
//   - Events: inputs to the reducer (bus messages, schedule fires, IPC
//     requests, actuator failures)
//   - Commands: side effects requested by the reducer (arm/cancel the
//     scheduled start, start/stop the playback loop, persist phase shift)
//   - Reduce(): computes next state + commands, without performing I/O
//
// The reducer must be pure. It must not read the clock (events carry their
// receipt time), perform I/O, or mutate anything outside the returned state.
// The daemon loop executes Commands and feeds resulting observations back as
// Events; in particular a scheduled start firing re-enters the reducer as a
// ScheduleFired event, so its generation check runs under the same
// serialization discipline as every other state transition.

// ==============================
// Events
// ==============================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// TempoMessage is a raw bpm payload delivered by the bus.
type TempoMessage struct {
	Payload string `json:"payload"`
	At      time.Time
}

func (TempoMessage) eventMarker() {}

// RunMessage is a raw run-command payload delivered by the bus.
// "0" (and stop synonyms) means stop; a positive integer is an absolute
// start timestamp in epoch-milliseconds.
type RunMessage struct {
	Payload string `json:"payload"`
	At      time.Time
}

func (RunMessage) eventMarker() {}

// ScheduleFired is emitted by an armed scheduled start when its target time
// is reached. Generation is the generation captured when the start was
// armed; the reducer discards the event if it no longer matches.
type ScheduleFired struct {
	Generation uint64
	At         time.Time
}

func (ScheduleFired) eventMarker() {}

// SetPhaseShift requests a new phase-shift calibration value (from IPC or a
// status client).
type SetPhaseShift struct {
	MS int `json:"ms"`
	At time.Time
}

func (SetPhaseShift) eventMarker() {}

// SnapshotRequest asks for a copy of the current state. The reply is
// delivered by the effects layer so the reducer stays pure.
type SnapshotRequest struct {
	Reply chan StateSnapshot
}

func (SnapshotRequest) eventMarker() {}

// ActuatorFailed is emitted when executing an actuator command fails.
type ActuatorFailed struct {
	Err error
	At  time.Time
}

func (ActuatorFailed) eventMarker() {}

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect to be executed by the daemon
// loop: timer management, playback loop lifecycle, persistence.
type Command interface {
	commandMarker()
	String() string
}

// CmdArmSchedule arms a single-fire scheduled start for the given
// generation at the given absolute target time.
type CmdArmSchedule struct {
	Generation uint64
	TargetMS   int64
}

func (CmdArmSchedule) commandMarker() {}
func (c CmdArmSchedule) String() string {
	return fmt.Sprintf("CmdArmSchedule(generation=%d target_ms=%d)", c.Generation, c.TargetMS)
}

// CmdCancelSchedule cancels the outstanding scheduled start, if any.
type CmdCancelSchedule struct{}

func (CmdCancelSchedule) commandMarker() {}
func (CmdCancelSchedule) String() string { return "CmdCancelSchedule()" }

// CmdStartLoop starts the playback loop for the given generation, pulsing
// at the interval derived from BPM until stopped.
type CmdStartLoop struct {
	Generation uint64
	BPM        int
}

func (CmdStartLoop) commandMarker() {}
func (c CmdStartLoop) String() string {
	return fmt.Sprintf("CmdStartLoop(generation=%d bpm=%d)", c.Generation, c.BPM)
}

// CmdStopLoop cancels the active playback loop, if any.
type CmdStopLoop struct{}

func (CmdStopLoop) commandMarker() {}
func (CmdStopLoop) String() string { return "CmdStopLoop()" }

// CmdApplyTempo updates the interval of the running playback loop. The loop
// re-reads its interval at each iteration boundary, so the change takes
// effect on the next pulse, never mid-pulse.
type CmdApplyTempo struct {
	BPM int
}

func (CmdApplyTempo) commandMarker() {}
func (c CmdApplyTempo) String() string {
	return fmt.Sprintf("CmdApplyTempo(bpm=%d)", c.BPM)
}

// CmdApplyPhaseShift queues a one-shot timing adjustment consumed by the
// playback loop at its next iteration boundary.
type CmdApplyPhaseShift struct {
	DeltaMS int
}

func (CmdApplyPhaseShift) commandMarker() {}
func (c CmdApplyPhaseShift) String() string {
	return fmt.Sprintf("CmdApplyPhaseShift(delta_ms=%d)", c.DeltaMS)
}

// CmdStopActuator tells the actuator to silence all motors.
type CmdStopActuator struct{}

func (CmdStopActuator) commandMarker() {}
func (CmdStopActuator) String() string { return "CmdStopActuator()" }

// CmdSavePhaseShift persists the phase-shift calibration.
type CmdSavePhaseShift struct {
	MS int
}

func (CmdSavePhaseShift) commandMarker() {}
func (c CmdSavePhaseShift) String() string {
	return fmt.Sprintf("CmdSavePhaseShift(ms=%d)", c.MS)
}

// CmdPublishSnapshot delivers a reducer-produced snapshot to the requester.
// The channel send happens in the effects layer to keep the reducer pure.
type CmdPublishSnapshot struct {
	Reply    chan StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishSnapshot) commandMarker() {}
func (CmdPublishSnapshot) String() string { return "CmdPublishSnapshot()" }

// ==============================
// Broadcasts and warnings
// ==============================

// Broadcast is a state event fanned out to status WebSocket clients.
type Broadcast struct {
	Type string
	Data any
}

// Warning is a discarded-input diagnostic. The daemon loop logs these at
// warning level; the message itself is dropped and state is unchanged.
type Warning struct {
	Reason string
	Detail string
}

// ==============================
// Payload parsing
// ==============================

// parseTempoPayload parses a bpm payload. The value must be a positive
// integer.
func parseTempoPayload(payload string) (int, error) {
	bpm, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return 0, fmt.Errorf("invalid bpm payload: %q", payload)
	}
	if bpm <= 0 {
		return 0, fmt.Errorf("bpm must be a positive integer, got %d", bpm)
	}
	return bpm, nil
}

// parseRunPayload parses a run payload. A handful of stop synonyms are
// accepted alongside "0"; anything else must be an epoch-ms timestamp no
// smaller than minEpochMS.
func parseRunPayload(payload string) (stop bool, targetMS int64, err error) {
	normalized := strings.ToLower(strings.TrimSpace(payload))
	switch normalized {
	case "0", "false", "off", "stop", "no":
		return true, 0, nil
	}

	targetMS, convErr := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
	if convErr != nil {
		return false, 0, fmt.Errorf("invalid run payload: %q", payload)
	}
	if targetMS < minEpochMS {
		return false, 0, fmt.Errorf("invalid start timestamp (expected epoch-ms): %d", targetMS)
	}
	return false, targetMS, nil
}

// ==============================
// Reducer input/output
// ==============================

// ReduceResult is the output of Reduce(): next state plus the Commands to
// execute, the Broadcasts to fan out, and any Warnings to log.
type ReduceResult struct {
	State      *ControllerState
	Commands   []Command
	Broadcasts []Broadcast
	Warnings   []Warning
}

// ControllerConfig holds the reducer's tunables.
type ControllerConfig struct {
	// StaleThresholdMS rejects start timestamps whose target is further in
	// the past than this when the message is processed.
	StaleThresholdMS int64
}

// Reduce is the pure reducer.
//
// Rules:
// - Must not perform I/O or read the clock (events carry their time)
// - Must not block
// - Must not mutate anything outside the returned state
//
// The daemon loop must execute Commands, translate outcomes into Events and
// feed those back into Reduce().
func Reduce(s *ControllerState, e Event, cfg ControllerConfig) ReduceResult {
	if s == nil {
		s = NewControllerState(0)
	}

	var cmds []Command
	var bcasts []Broadcast
	var warns []Warning

	switch ev := e.(type) {
	case TempoMessage:
		bpm, err := parseTempoPayload(ev.Payload)
		if err != nil {
			warns = append(warns, Warning{Reason: "tempo rejected", Detail: err.Error()})
			break
		}
		if bpm == s.BPM {
			break
		}
		s.BPM = bpm
		s.LastEvent = fmt.Sprintf("updated bpm=%d", bpm)
		if s.Run == RunPlaying {
			// Takes effect at the loop's next iteration boundary.
			cmds = append(cmds, CmdApplyTempo{BPM: bpm})
		}
		bcasts = append(bcasts, Broadcast{Type: "tempo_changed", Data: map[string]any{
			"bpm":         bpm,
			"interval_ms": s.IntervalMS(),
		}})

	case RunMessage:
		stop, payloadTargetMS, err := parseRunPayload(ev.Payload)
		if err != nil {
			warns = append(warns, Warning{Reason: "run command rejected", Detail: err.Error()})
			break
		}

		if stop {
			next := reduceStop(s)
			cmds = append(cmds, next.Commands...)
			bcasts = append(bcasts, next.Broadcasts...)
			break
		}

		next := reduceStart(s, payloadTargetMS, ev.At, cfg)
		cmds = append(cmds, next.Commands...)
		bcasts = append(bcasts, next.Broadcasts...)
		warns = append(warns, next.Warnings...)

	case ScheduleFired:
		// Invariant: a scheduled start may only transition to playing if its
		// captured generation is still current. A fire racing a supersession
		// or a stop arrives here after the state was already updated, so the
		// check below makes it a guaranteed no-op.
		if ev.Generation != s.ActiveGeneration || s.Run != RunScheduled {
			s.LastEvent = fmt.Sprintf("ignored stale scheduled start generation=%d", ev.Generation)
			break
		}

		s.Run = RunPlaying
		s.Sched.ActualMS = ev.At.UnixMilli()
		s.LastEvent = fmt.Sprintf("scheduled start reached target_ms=%d actual_ms=%d",
			s.Sched.TargetMS, s.Sched.ActualMS)
		cmds = append(cmds, CmdStartLoop{Generation: ev.Generation, BPM: s.BPM})
		bcasts = append(bcasts, runStateBroadcast(s))

	case SetPhaseShift:
		next := reducePhaseShift(s, ev.MS)
		cmds = append(cmds, next.Commands...)
		bcasts = append(bcasts, next.Broadcasts...)
		warns = append(warns, next.Warnings...)

	case SnapshotRequest:
		cmds = append(cmds, CmdPublishSnapshot{Reply: ev.Reply, Snapshot: s.Snapshot()})

	case ActuatorFailed:
		// Keep state as-is; pulse delivery is best-effort and the loop keeps
		// its cadence.
		s.LastEvent = fmt.Sprintf("actuator error: %v", ev.Err)

	default:
		// Unknown event type: no-op.
	}

	return ReduceResult{
		State:      s,
		Commands:   cmds,
		Broadcasts: bcasts,
		Warnings:   warns,
	}
}

// reduceStop handles a stop command. Stop is absorbing: any outstanding
// scheduled start is cancelled and any active loop is stopped, regardless of
// generation. The active generation is left as-is; it becomes inert since no
// handle references it. Idempotent when already stopped.
func reduceStop(s *ControllerState) ReduceResult {
	var cmds []Command
	var bcasts []Broadcast

	switch s.Run {
	case RunScheduled:
		cmds = append(cmds, CmdCancelSchedule{})
	case RunPlaying:
		cmds = append(cmds, CmdStopLoop{}, CmdStopActuator{})
	}

	changed := s.Run != RunStopped
	s.Run = RunStopped
	s.LastEvent = "updated run=0"

	// Commit session phase-shift deltas accumulated while playing.
	if s.Phase.SessionDeltaMS != 0 {
		s.Phase.AppliedMS += s.Phase.SessionDeltaMS
		s.Phase.SessionDeltaMS = 0
		s.Phase.PendingMS = 0
		cmds = append(cmds, CmdSavePhaseShift{MS: s.Phase.AppliedMS})
		bcasts = append(bcasts, phaseShiftBroadcast(s))
	}
	s.Phase.PendingMS = 0

	if changed {
		bcasts = append(bcasts, runStateBroadcast(s))
	}

	return ReduceResult{State: s, Commands: cmds, Broadcasts: bcasts}
}

// reduceStart handles an accepted start timestamp. It mints a new
// generation, supersedes any outstanding scheduled start or active loop, and
// either arms a scheduled start or, when the target is already due, starts
// playback immediately.
func reduceStart(s *ControllerState, payloadTargetMS int64, at time.Time, cfg ControllerConfig) ReduceResult {
	var cmds []Command
	var bcasts []Broadcast
	var warns []Warning

	nowMS := at.UnixMilli()
	targetMS := payloadTargetMS - int64(s.Phase.EffectiveMS())

	threshold := cfg.StaleThresholdMS
	if threshold <= 0 {
		threshold = defaultStaleThresholdMS
	}
	if lag := nowMS - targetMS; lag > threshold {
		warns = append(warns, Warning{
			Reason: "start rejected",
			Detail: fmt.Sprintf("stale start timestamp payload_target_ms=%d lag_ms=%d", payloadTargetMS, lag),
		})
		s.LastEvent = fmt.Sprintf("ignored stale start timestamp payload_target_ms=%d", payloadTargetMS)
		return ReduceResult{State: s, Warnings: warns}
	}

	// Supersede outstanding work. The generation bump below already makes a
	// racing fire of the old schedule a no-op; cancelling also releases its
	// timer.
	switch s.Run {
	case RunScheduled:
		cmds = append(cmds, CmdCancelSchedule{})
	case RunPlaying:
		cmds = append(cmds, CmdStopLoop{})
	}

	s.ActiveGeneration++
	g := s.ActiveGeneration

	if targetMS <= nowMS {
		// Start time already due: skip scheduling and start right away.
		warns = append(warns, Warning{
			Reason: "late start",
			Detail: fmt.Sprintf("target_ms=%d now_ms=%d lag_ms=%d", targetMS, nowMS, nowMS-targetMS),
		})
		s.Run = RunPlaying
		s.setScheduleTimes(payloadTargetMS, targetMS, nowMS)
		s.LastEvent = fmt.Sprintf("late start target_ms=%d", targetMS)
		cmds = append(cmds, CmdStartLoop{Generation: g, BPM: s.BPM})
		bcasts = append(bcasts, runStateBroadcast(s))
		return ReduceResult{State: s, Commands: cmds, Broadcasts: bcasts, Warnings: warns}
	}

	s.Run = RunScheduled
	s.setScheduleTimes(payloadTargetMS, targetMS, 0)
	s.LastEvent = fmt.Sprintf("scheduled start target_ms=%d delay_ms=%d generation=%d",
		targetMS, targetMS-nowMS, g)
	cmds = append(cmds, CmdArmSchedule{Generation: g, TargetMS: targetMS})
	bcasts = append(bcasts, runStateBroadcast(s))
	return ReduceResult{State: s, Commands: cmds, Broadcasts: bcasts, Warnings: warns}
}

// reducePhaseShift handles a calibration request. While playing the change
// is queued for the loop's next iteration; while scheduled the pending start
// is re-armed against the same payload target; while stopped it applies and
// persists immediately.
func reducePhaseShift(s *ControllerState, requestedMS int) ReduceResult {
	var cmds []Command
	var bcasts []Broadcast
	var warns []Warning

	if requestedMS < phaseShiftMinMS || requestedMS > phaseShiftMaxMS {
		warns = append(warns, Warning{
			Reason: "phase shift rejected",
			Detail: fmt.Sprintf("phase_shift_ms must be in [%d, %d], got %d", phaseShiftMinMS, phaseShiftMaxMS, requestedMS),
		})
		return ReduceResult{State: s, Warnings: warns}
	}

	switch s.Run {
	case RunPlaying:
		delta := requestedMS - s.Phase.EffectiveMS()
		if delta == 0 {
			break
		}
		s.Phase.SessionDeltaMS += delta
		s.Phase.PendingMS += delta
		s.LastEvent = fmt.Sprintf("queued phase shift delta_ms=%d", delta)
		cmds = append(cmds, CmdApplyPhaseShift{DeltaMS: delta})
		bcasts = append(bcasts, phaseShiftBroadcast(s))

	case RunScheduled:
		if requestedMS == s.Phase.AppliedMS {
			break
		}
		s.Phase.AppliedMS = requestedMS
		s.Phase.SessionDeltaMS = 0
		s.Phase.PendingMS = 0
		cmds = append(cmds, CmdSavePhaseShift{MS: requestedMS})

		// Re-arm the pending start against the same payload target with the
		// new shift. This mints a new generation so the old handle is stale
		// by construction.
		targetMS := s.Sched.PayloadTargetMS - int64(requestedMS)
		cmds = append(cmds, CmdCancelSchedule{})
		s.ActiveGeneration++
		s.setScheduleTimes(s.Sched.PayloadTargetMS, targetMS, 0)
		s.LastEvent = fmt.Sprintf("updated phase_shift_ms=%d (rescheduled)", requestedMS)
		cmds = append(cmds, CmdArmSchedule{Generation: s.ActiveGeneration, TargetMS: targetMS})
		bcasts = append(bcasts, phaseShiftBroadcast(s), runStateBroadcast(s))

	default:
		if requestedMS == s.Phase.AppliedMS {
			break
		}
		s.Phase.AppliedMS = requestedMS
		s.Phase.SessionDeltaMS = 0
		s.Phase.PendingMS = 0
		s.LastEvent = fmt.Sprintf("updated phase_shift_ms=%d", requestedMS)
		cmds = append(cmds, CmdSavePhaseShift{MS: requestedMS})
		bcasts = append(bcasts, phaseShiftBroadcast(s))
	}

	return ReduceResult{State: s, Commands: cmds, Broadcasts: bcasts, Warnings: warns}
}

func runStateBroadcast(s *ControllerState) Broadcast {
	return Broadcast{Type: "run_state_changed", Data: map[string]any{
		"run_state":  string(s.Run),
		"generation": s.ActiveGeneration,
	}}
}

func phaseShiftBroadcast(s *ControllerState) Broadcast {
	return Broadcast{Type: "phase_shift_changed", Data: map[string]any{
		"phase_shift_ms":           s.Phase.AppliedMS,
		"pending_phase_shift_ms":   s.Phase.PendingMS,
		"effective_phase_shift_ms": s.Phase.EffectiveMS(),
	}}
}

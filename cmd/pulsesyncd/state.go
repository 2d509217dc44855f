package main

// ControllerState is the daemon-owned state container for the scheduling
// controller.
//
// Goals:
//   - Keep all reducer-owned state in one place (pure reducer, no external
//     mutation).
//   - Make it easy to publish a coherent snapshot to other clients
//     (IPC/status WebSocket).
//
// The daemon goroutine is the single writer; nothing outside the daemon loop
// may hold a reference to this struct.
type ControllerState struct {
	// BPM is the current tempo. Always positive; starts at defaultBPM until
	// the first valid tempo message arrives.
	BPM int

	// Run is the playback lifecycle state: stopped, scheduled or playing.
	Run RunState

	// ActiveGeneration identifies the most recently accepted start. It is
	// minted on every accepted start command and never reused, so a
	// scheduled start firing with an older generation is recognizably stale.
	ActiveGeneration uint64

	// Phase is the per-node phase-shift calibration state.
	Phase PhaseState

	// Sched records the timestamps of the most recent schedule for
	// diagnostics and status clients.
	Sched ScheduleTimes

	// LastEvent is a short human-readable description of the last state
	// change, surfaced to status clients.
	LastEvent string
}

// RunState is the playback lifecycle state.
type RunState string

const (
	RunStopped   RunState = "stopped"
	RunScheduled RunState = "scheduled"
	RunPlaying   RunState = "playing"
)

// PhaseState tracks the per-node phase-shift offset in milliseconds.
//
// AppliedMS is the persisted baseline. SessionDeltaMS accumulates changes
// requested while playing; it is folded into AppliedMS and persisted when
// playback stops. PendingMS is the portion not yet consumed by the playback
// loop (applied at the next iteration boundary).
type PhaseState struct {
	AppliedMS      int
	SessionDeltaMS int
	PendingMS      int
}

// EffectiveMS is the offset used when computing a start target.
func (p PhaseState) EffectiveMS() int {
	return p.AppliedMS + p.SessionDeltaMS
}

// ScheduleTimes records the most recent scheduled start, for status clients.
// A zero value means "unknown".
type ScheduleTimes struct {
	PayloadTargetMS int64 // target as published on the bus
	TargetMS        int64 // payload target adjusted by phase shift
	ActualMS        int64 // wall clock when playback actually began
}

// NewControllerState returns the initial controller state. phaseShiftMS is
// the persisted calibration loaded from the config store.
func NewControllerState(phaseShiftMS int) *ControllerState {
	return &ControllerState{
		BPM:   defaultBPM,
		Run:   RunStopped,
		Phase: PhaseState{AppliedMS: phaseShiftMS},
	}
}

// IntervalMS is the pulse interval derived from the current tempo.
func (s *ControllerState) IntervalMS() int64 {
	return 60_000 / int64(s.BPM)
}

// StateSnapshot is a copy of the externally visible controller state,
// safe to hand to other goroutines.
type StateSnapshot struct {
	BPM              int    `json:"bpm"`
	RunState         string `json:"run_state"`
	Generation       uint64 `json:"generation"`
	IntervalMS       int64  `json:"interval_ms"`
	PhaseShiftMS     int    `json:"phase_shift_ms"`
	PendingShiftMS   int    `json:"pending_phase_shift_ms"`
	EffectiveShiftMS int    `json:"effective_phase_shift_ms"`

	LastPayloadTargetMS int64 `json:"last_payload_target_ms,omitempty"`
	LastTargetMS        int64 `json:"last_target_ms,omitempty"`
	LastActualMS        int64 `json:"last_actual_ms,omitempty"`

	LastEvent string `json:"last_event,omitempty"`
}

// Snapshot builds a copy of the externally visible state.
// This is intended to be called only by the daemon goroutine (single-owner).
func (s *ControllerState) Snapshot() StateSnapshot {
	return StateSnapshot{
		BPM:              s.BPM,
		RunState:         string(s.Run),
		Generation:       s.ActiveGeneration,
		IntervalMS:       s.IntervalMS(),
		PhaseShiftMS:     s.Phase.AppliedMS,
		PendingShiftMS:   s.Phase.PendingMS,
		EffectiveShiftMS: s.Phase.EffectiveMS(),

		LastPayloadTargetMS: s.Sched.PayloadTargetMS,
		LastTargetMS:        s.Sched.TargetMS,
		LastActualMS:        s.Sched.ActualMS,

		LastEvent: s.LastEvent,
	}
}

// setScheduleTimes records schedule timestamps. actualMS may be zero when
// the start has not fired yet.
// This is intended to be called only by the daemon goroutine (single-owner).
func (s *ControllerState) setScheduleTimes(payloadTargetMS, targetMS, actualMS int64) {
	s.Sched.PayloadTargetMS = payloadTargetMS
	s.Sched.TargetMS = targetMS
	s.Sched.ActualMS = actualMS
}

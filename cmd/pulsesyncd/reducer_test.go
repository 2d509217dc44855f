package main

import (
	"fmt"
	"testing"
	"time"
)

func testConfig() ControllerConfig {
	return ControllerConfig{StaleThresholdMS: defaultStaleThresholdMS}
}

// futureRunPayload builds a run payload targeting now + delta.
func futureRunPayload(now time.Time, delta time.Duration) string {
	return fmt.Sprintf("%d", now.Add(delta).UnixMilli())
}

func findCommand[T Command](t *testing.T, cmds []Command) (T, bool) {
	t.Helper()
	for _, c := range cmds {
		if cmd, ok := c.(T); ok {
			return cmd, true
		}
	}
	var zero T
	return zero, false
}

// TestReducer_Tempo_Stopped tests tempo updates while stopped: state changes,
// no loop command is emitted.
func TestReducer_Tempo_Stopped(t *testing.T) {
	state := NewControllerState(0)

	rr := Reduce(state, TempoMessage{Payload: "90", At: time.Now()}, testConfig())

	if rr.State.BPM != 90 {
		t.Fatalf("expected bpm 90, got %d", rr.State.BPM)
	}
	if rr.State.IntervalMS() != 666 {
		t.Errorf("expected interval 666ms for 90 bpm, got %d", rr.State.IntervalMS())
	}
	if _, ok := findCommand[CmdApplyTempo](t, rr.Commands); ok {
		t.Errorf("expected no CmdApplyTempo while stopped, got %v", rr.Commands)
	}
	if len(rr.Broadcasts) != 1 || rr.Broadcasts[0].Type != "tempo_changed" {
		t.Errorf("expected tempo_changed broadcast, got %v", rr.Broadcasts)
	}
}

// TestReducer_Tempo_Playing tests that a tempo change during playback emits
// CmdApplyTempo so the loop swaps at its next iteration boundary.
func TestReducer_Tempo_Playing(t *testing.T) {
	state := NewControllerState(0)
	state.Run = RunPlaying

	rr := Reduce(state, TempoMessage{Payload: "150", At: time.Now()}, testConfig())

	cmd, ok := findCommand[CmdApplyTempo](t, rr.Commands)
	if !ok {
		t.Fatalf("expected CmdApplyTempo, got %v", rr.Commands)
	}
	if cmd.BPM != 150 {
		t.Errorf("expected CmdApplyTempo bpm 150, got %d", cmd.BPM)
	}
	if rr.State.Run != RunPlaying {
		t.Errorf("tempo change must not alter run state, got %s", rr.State.Run)
	}
}

// TestReducer_Tempo_Invalid tests that malformed and non-positive tempo
// payloads are dropped with a warning and leave state untouched.
func TestReducer_Tempo_Invalid(t *testing.T) {
	for _, payload := range []string{"abc", "", "-10", "0", "12.5"} {
		state := NewControllerState(0)
		rr := Reduce(state, TempoMessage{Payload: payload, At: time.Now()}, testConfig())

		if rr.State.BPM != defaultBPM {
			t.Errorf("payload %q: expected bpm unchanged at %d, got %d", payload, defaultBPM, rr.State.BPM)
		}
		if len(rr.Warnings) != 1 {
			t.Errorf("payload %q: expected 1 warning, got %d", payload, len(rr.Warnings))
		}
		if len(rr.Commands) != 0 {
			t.Errorf("payload %q: expected no commands, got %v", payload, rr.Commands)
		}
	}
}

// TestReducer_Start_Future tests that a future start timestamp arms a
// scheduled start at payload target minus the effective phase shift.
func TestReducer_Start_Future(t *testing.T) {
	now := time.Now()
	state := NewControllerState(200)

	payload := futureRunPayload(now, 3*time.Second)
	rr := Reduce(state, RunMessage{Payload: payload, At: now}, testConfig())

	if rr.State.Run != RunScheduled {
		t.Fatalf("expected scheduled, got %s", rr.State.Run)
	}
	if rr.State.ActiveGeneration != 1 {
		t.Errorf("expected generation 1, got %d", rr.State.ActiveGeneration)
	}

	cmd, ok := findCommand[CmdArmSchedule](t, rr.Commands)
	if !ok {
		t.Fatalf("expected CmdArmSchedule, got %v", rr.Commands)
	}
	wantTarget := now.Add(3*time.Second).UnixMilli() - 200
	if cmd.TargetMS != wantTarget {
		t.Errorf("expected target %d (payload minus phase shift), got %d", wantTarget, cmd.TargetMS)
	}
	if cmd.Generation != rr.State.ActiveGeneration {
		t.Errorf("armed generation %d does not match state generation %d", cmd.Generation, rr.State.ActiveGeneration)
	}
}

// TestReducer_Start_Stale tests that a start timestamp older than the stale
// threshold is rejected outright.
func TestReducer_Start_Stale(t *testing.T) {
	now := time.Now()
	state := NewControllerState(0)

	payload := fmt.Sprintf("%d", now.Add(-6*time.Second).UnixMilli())
	rr := Reduce(state, RunMessage{Payload: payload, At: now}, testConfig())

	if rr.State.Run != RunStopped {
		t.Fatalf("expected stopped after stale start, got %s", rr.State.Run)
	}
	if rr.State.ActiveGeneration != 0 {
		t.Errorf("stale start must not mint a generation, got %d", rr.State.ActiveGeneration)
	}
	if len(rr.Commands) != 0 {
		t.Errorf("expected no commands, got %v", rr.Commands)
	}
	if len(rr.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(rr.Warnings))
	}
}

// TestReducer_Start_Late tests a start timestamp that is already due but
// inside the stale threshold: playback begins immediately with a warning.
func TestReducer_Start_Late(t *testing.T) {
	now := time.Now()
	state := NewControllerState(0)

	payload := fmt.Sprintf("%d", now.Add(-2*time.Second).UnixMilli())
	rr := Reduce(state, RunMessage{Payload: payload, At: now}, testConfig())

	if rr.State.Run != RunPlaying {
		t.Fatalf("expected playing after late start, got %s", rr.State.Run)
	}
	cmd, ok := findCommand[CmdStartLoop](t, rr.Commands)
	if !ok {
		t.Fatalf("expected CmdStartLoop, got %v", rr.Commands)
	}
	if cmd.Generation != rr.State.ActiveGeneration {
		t.Errorf("loop generation %d does not match state generation %d", cmd.Generation, rr.State.ActiveGeneration)
	}
	if len(rr.Warnings) != 1 {
		t.Errorf("expected late-start warning, got %v", rr.Warnings)
	}
}

// TestReducer_ScheduleFired_Current tests the scheduled-to-playing
// transition when the fired generation is still current.
func TestReducer_ScheduleFired_Current(t *testing.T) {
	now := time.Now()
	state := NewControllerState(0)
	rr := Reduce(state, RunMessage{Payload: futureRunPayload(now, 2*time.Second), At: now}, testConfig())

	fireAt := now.Add(2 * time.Second)
	rr = Reduce(rr.State, ScheduleFired{Generation: rr.State.ActiveGeneration, At: fireAt}, testConfig())

	if rr.State.Run != RunPlaying {
		t.Fatalf("expected playing, got %s", rr.State.Run)
	}
	if _, ok := findCommand[CmdStartLoop](t, rr.Commands); !ok {
		t.Fatalf("expected CmdStartLoop, got %v", rr.Commands)
	}
	if rr.State.Sched.ActualMS != fireAt.UnixMilli() {
		t.Errorf("expected actual_ms %d, got %d", fireAt.UnixMilli(), rr.State.Sched.ActualMS)
	}
}

// TestReducer_ScheduleFired_StaleGeneration tests that a fire carrying a
// superseded generation is a no-op.
func TestReducer_ScheduleFired_StaleGeneration(t *testing.T) {
	now := time.Now()
	state := NewControllerState(0)

	rr := Reduce(state, RunMessage{Payload: futureRunPayload(now, 2*time.Second), At: now}, testConfig())
	staleGen := rr.State.ActiveGeneration

	// A second start supersedes the first.
	rr = Reduce(rr.State, RunMessage{Payload: futureRunPayload(now, 4*time.Second), At: now}, testConfig())
	if _, ok := findCommand[CmdCancelSchedule](t, rr.Commands); !ok {
		t.Fatalf("expected CmdCancelSchedule on supersede, got %v", rr.Commands)
	}
	if rr.State.ActiveGeneration != staleGen+1 {
		t.Fatalf("expected generation bump, got %d", rr.State.ActiveGeneration)
	}

	// The old schedule fires anyway (it raced the cancel).
	rr = Reduce(rr.State, ScheduleFired{Generation: staleGen, At: now.Add(2 * time.Second)}, testConfig())

	if rr.State.Run != RunScheduled {
		t.Fatalf("stale fire must not start playback, state is %s", rr.State.Run)
	}
	if len(rr.Commands) != 0 {
		t.Errorf("stale fire must not emit commands, got %v", rr.Commands)
	}
}

// TestReducer_ScheduleFired_AfterStop tests that a fire arriving after stop
// is discarded even with a matching generation.
func TestReducer_ScheduleFired_AfterStop(t *testing.T) {
	now := time.Now()
	state := NewControllerState(0)

	rr := Reduce(state, RunMessage{Payload: futureRunPayload(now, 2*time.Second), At: now}, testConfig())
	gen := rr.State.ActiveGeneration

	rr = Reduce(rr.State, RunMessage{Payload: "0", At: now}, testConfig())
	if rr.State.Run != RunStopped {
		t.Fatalf("expected stopped, got %s", rr.State.Run)
	}

	rr = Reduce(rr.State, ScheduleFired{Generation: gen, At: now.Add(2 * time.Second)}, testConfig())
	if rr.State.Run != RunStopped {
		t.Fatalf("fire after stop must not start playback, state is %s", rr.State.Run)
	}
	if len(rr.Commands) != 0 {
		t.Errorf("expected no commands, got %v", rr.Commands)
	}
}

// TestReducer_Stop_WhilePlaying tests that stop tears down the loop and
// silences the actuator.
func TestReducer_Stop_WhilePlaying(t *testing.T) {
	now := time.Now()
	state := NewControllerState(0)
	rr := Reduce(state, RunMessage{Payload: fmt.Sprintf("%d", now.UnixMilli()), At: now}, testConfig())
	if rr.State.Run != RunPlaying {
		t.Fatalf("setup: expected playing, got %s", rr.State.Run)
	}

	rr = Reduce(rr.State, RunMessage{Payload: "0", At: now}, testConfig())

	if rr.State.Run != RunStopped {
		t.Fatalf("expected stopped, got %s", rr.State.Run)
	}
	if _, ok := findCommand[CmdStopLoop](t, rr.Commands); !ok {
		t.Errorf("expected CmdStopLoop, got %v", rr.Commands)
	}
	if _, ok := findCommand[CmdStopActuator](t, rr.Commands); !ok {
		t.Errorf("expected CmdStopActuator, got %v", rr.Commands)
	}
}

// TestReducer_Stop_Idempotent tests that stop while already stopped is a
// clean no-op.
func TestReducer_Stop_Idempotent(t *testing.T) {
	state := NewControllerState(0)
	rr := Reduce(state, RunMessage{Payload: "0", At: time.Now()}, testConfig())

	if rr.State.Run != RunStopped {
		t.Fatalf("expected stopped, got %s", rr.State.Run)
	}
	if len(rr.Commands) != 0 {
		t.Errorf("expected no commands, got %v", rr.Commands)
	}
	if len(rr.Broadcasts) != 0 {
		t.Errorf("expected no broadcasts for a no-op stop, got %v", rr.Broadcasts)
	}
}

// TestReducer_Stop_Synonyms tests the accepted stop spellings.
func TestReducer_Stop_Synonyms(t *testing.T) {
	for _, payload := range []string{"0", "false", "off", "stop", "no", " STOP ", "False"} {
		now := time.Now()
		state := NewControllerState(0)
		rr := Reduce(state, RunMessage{Payload: futureRunPayload(now, 2*time.Second), At: now}, testConfig())

		rr = Reduce(rr.State, RunMessage{Payload: payload, At: now}, testConfig())
		if rr.State.Run != RunStopped {
			t.Errorf("payload %q: expected stopped, got %s", payload, rr.State.Run)
		}
	}
}

// TestReducer_Run_InvalidPayload tests that garbage and sub-floor timestamps
// are rejected.
func TestReducer_Run_InvalidPayload(t *testing.T) {
	for _, payload := range []string{"abc", "", "12.5", "1234", "99999999999"} {
		state := NewControllerState(0)
		rr := Reduce(state, RunMessage{Payload: payload, At: time.Now()}, testConfig())

		if rr.State.Run != RunStopped {
			t.Errorf("payload %q: expected stopped, got %s", payload, rr.State.Run)
		}
		if len(rr.Warnings) != 1 {
			t.Errorf("payload %q: expected 1 warning, got %d", payload, len(rr.Warnings))
		}
	}
}

// TestReducer_PhaseShift_Idle tests calibration while stopped: applied and
// persisted immediately.
func TestReducer_PhaseShift_Idle(t *testing.T) {
	state := NewControllerState(0)
	rr := Reduce(state, SetPhaseShift{MS: 150, At: time.Now()}, testConfig())

	if rr.State.Phase.AppliedMS != 150 {
		t.Fatalf("expected applied 150, got %d", rr.State.Phase.AppliedMS)
	}
	cmd, ok := findCommand[CmdSavePhaseShift](t, rr.Commands)
	if !ok {
		t.Fatalf("expected CmdSavePhaseShift, got %v", rr.Commands)
	}
	if cmd.MS != 150 {
		t.Errorf("expected save 150, got %d", cmd.MS)
	}
}

// TestReducer_PhaseShift_Playing tests calibration during playback: the
// delta is queued for the loop and committed on stop.
func TestReducer_PhaseShift_Playing(t *testing.T) {
	now := time.Now()
	state := NewControllerState(100)
	rr := Reduce(state, RunMessage{Payload: fmt.Sprintf("%d", now.UnixMilli()), At: now}, testConfig())
	if rr.State.Run != RunPlaying {
		t.Fatalf("setup: expected playing, got %s", rr.State.Run)
	}

	rr = Reduce(rr.State, SetPhaseShift{MS: 250, At: now}, testConfig())

	cmd, ok := findCommand[CmdApplyPhaseShift](t, rr.Commands)
	if !ok {
		t.Fatalf("expected CmdApplyPhaseShift, got %v", rr.Commands)
	}
	if cmd.DeltaMS != 150 {
		t.Errorf("expected delta 150 (250-100), got %d", cmd.DeltaMS)
	}
	if rr.State.Phase.AppliedMS != 100 {
		t.Errorf("applied baseline must not move while playing, got %d", rr.State.Phase.AppliedMS)
	}
	if rr.State.Phase.EffectiveMS() != 250 {
		t.Errorf("expected effective 250, got %d", rr.State.Phase.EffectiveMS())
	}
	if _, ok := findCommand[CmdSavePhaseShift](t, rr.Commands); ok {
		t.Errorf("session deltas must not be persisted mid-playback")
	}

	// Stop commits the accumulated delta.
	rr = Reduce(rr.State, RunMessage{Payload: "0", At: now}, testConfig())
	save, ok := findCommand[CmdSavePhaseShift](t, rr.Commands)
	if !ok {
		t.Fatalf("expected CmdSavePhaseShift on stop, got %v", rr.Commands)
	}
	if save.MS != 250 {
		t.Errorf("expected committed 250, got %d", save.MS)
	}
	if rr.State.Phase.AppliedMS != 250 || rr.State.Phase.SessionDeltaMS != 0 {
		t.Errorf("expected applied=250 session=0, got applied=%d session=%d",
			rr.State.Phase.AppliedMS, rr.State.Phase.SessionDeltaMS)
	}
}

// TestReducer_PhaseShift_Scheduled tests calibration while a start is armed:
// the pending start is re-armed against the same payload target with a fresh
// generation.
func TestReducer_PhaseShift_Scheduled(t *testing.T) {
	now := time.Now()
	state := NewControllerState(0)
	rr := Reduce(state, RunMessage{Payload: futureRunPayload(now, 3*time.Second), At: now}, testConfig())
	oldGen := rr.State.ActiveGeneration
	payloadTarget := rr.State.Sched.PayloadTargetMS

	rr = Reduce(rr.State, SetPhaseShift{MS: 500, At: now}, testConfig())

	if rr.State.ActiveGeneration != oldGen+1 {
		t.Fatalf("expected fresh generation, got %d", rr.State.ActiveGeneration)
	}
	if _, ok := findCommand[CmdCancelSchedule](t, rr.Commands); !ok {
		t.Errorf("expected CmdCancelSchedule, got %v", rr.Commands)
	}
	arm, ok := findCommand[CmdArmSchedule](t, rr.Commands)
	if !ok {
		t.Fatalf("expected CmdArmSchedule, got %v", rr.Commands)
	}
	if want := payloadTarget - 500; arm.TargetMS != want {
		t.Errorf("expected re-armed target %d, got %d", want, arm.TargetMS)
	}
	if arm.Generation != rr.State.ActiveGeneration {
		t.Errorf("re-armed generation mismatch")
	}
}

// TestReducer_PhaseShift_OutOfRange tests the calibration bounds.
func TestReducer_PhaseShift_OutOfRange(t *testing.T) {
	for _, ms := range []int{phaseShiftMinMS - 1, phaseShiftMaxMS + 1, 10_000} {
		state := NewControllerState(0)
		rr := Reduce(state, SetPhaseShift{MS: ms, At: time.Now()}, testConfig())

		if rr.State.Phase.AppliedMS != 0 {
			t.Errorf("ms=%d: expected applied unchanged, got %d", ms, rr.State.Phase.AppliedMS)
		}
		if len(rr.Warnings) != 1 {
			t.Errorf("ms=%d: expected 1 warning, got %d", ms, len(rr.Warnings))
		}
	}
}

// TestReducer_Snapshot tests that a snapshot request round-trips the current
// state through a CmdPublishSnapshot.
func TestReducer_Snapshot(t *testing.T) {
	state := NewControllerState(300)
	state.BPM = 80

	reply := make(chan StateSnapshot, 1)
	rr := Reduce(state, SnapshotRequest{Reply: reply}, testConfig())

	cmd, ok := findCommand[CmdPublishSnapshot](t, rr.Commands)
	if !ok {
		t.Fatalf("expected CmdPublishSnapshot, got %v", rr.Commands)
	}
	if cmd.Snapshot.BPM != 80 || cmd.Snapshot.PhaseShiftMS != 300 {
		t.Errorf("snapshot mismatch: %+v", cmd.Snapshot)
	}
	if cmd.Snapshot.RunState != string(RunStopped) {
		t.Errorf("expected run_state stopped, got %s", cmd.Snapshot.RunState)
	}
	if cmd.Snapshot.IntervalMS != 750 {
		t.Errorf("expected interval 750ms for 80 bpm, got %d", cmd.Snapshot.IntervalMS)
	}
}

// TestReducer_SupersedeWhilePlaying tests that a new start during playback
// stops the old loop and schedules the new one under a fresh generation.
func TestReducer_SupersedeWhilePlaying(t *testing.T) {
	now := time.Now()
	state := NewControllerState(0)
	rr := Reduce(state, RunMessage{Payload: fmt.Sprintf("%d", now.UnixMilli()), At: now}, testConfig())
	oldGen := rr.State.ActiveGeneration

	rr = Reduce(rr.State, RunMessage{Payload: futureRunPayload(now, 5*time.Second), At: now}, testConfig())

	if _, ok := findCommand[CmdStopLoop](t, rr.Commands); !ok {
		t.Errorf("expected CmdStopLoop on supersede, got %v", rr.Commands)
	}
	if rr.State.Run != RunScheduled {
		t.Errorf("expected scheduled, got %s", rr.State.Run)
	}
	if rr.State.ActiveGeneration != oldGen+1 {
		t.Errorf("expected generation bump, got %d", rr.State.ActiveGeneration)
	}
}

// TestParseRunPayload covers the payload grammar directly.
func TestParseRunPayload(t *testing.T) {
	stop, _, err := parseRunPayload("off")
	if err != nil || !stop {
		t.Errorf("expected stop for %q, got stop=%v err=%v", "off", stop, err)
	}

	stop, target, err := parseRunPayload("1700000000000")
	if err != nil || stop {
		t.Fatalf("expected start, got stop=%v err=%v", stop, err)
	}
	if target != 1700000000000 {
		t.Errorf("expected target 1700000000000, got %d", target)
	}

	if _, _, err := parseRunPayload(fmt.Sprintf("%d", minEpochMS-1)); err == nil {
		t.Errorf("expected sub-floor timestamp to be rejected")
	}
}

package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestIPCEvent_RoundTrip(t *testing.T) {
	at := time.Now()

	cases := []Event{
		SetPhaseShift{MS: -250},
		TempoMessage{Payload: "95"},
		RunMessage{Payload: "1700000000000"},
	}

	for _, in := range cases {
		data, err := MarshalIPCEvent(in)
		if err != nil {
			t.Fatalf("%T: marshal: %v", in, err)
		}
		out, err := UnmarshalIPCEvent(data, at)
		if err != nil {
			t.Fatalf("%T: unmarshal: %v", in, err)
		}

		switch want := in.(type) {
		case SetPhaseShift:
			got, ok := out.(SetPhaseShift)
			if !ok || got.MS != want.MS {
				t.Errorf("expected SetPhaseShift ms=%d, got %#v", want.MS, out)
			}
			if !got.At.Equal(at) {
				t.Errorf("receipt time not stamped")
			}
		case TempoMessage:
			got, ok := out.(TempoMessage)
			if !ok || got.Payload != want.Payload {
				t.Errorf("expected TempoMessage %q, got %#v", want.Payload, out)
			}
		case RunMessage:
			got, ok := out.(RunMessage)
			if !ok || got.Payload != want.Payload {
				t.Errorf("expected RunMessage %q, got %#v", want.Payload, out)
			}
		}
	}
}

func TestUnmarshalIPCEvent_StopShorthand(t *testing.T) {
	ev, err := UnmarshalIPCEvent([]byte(`{"type":"stop"}`), time.Now())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	run, ok := ev.(RunMessage)
	if !ok || run.Payload != "0" {
		t.Fatalf("expected RunMessage payload 0, got %#v", ev)
	}
}

func TestUnmarshalIPCEvent_Unknown(t *testing.T) {
	if _, err := UnmarshalIPCEvent([]byte(`{"type":"reboot"}`), time.Now()); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := UnmarshalIPCEvent([]byte(`not json`), time.Now()); err == nil {
		t.Fatal("expected error for malformed json")
	}
}

// TestIPCServer_EndToEnd runs a real socket server with a fake daemon loop
// answering snapshot requests.
func TestIPCServer_EndToEnd(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "d.sock")
	events := make(chan Event, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fake daemon loop: record phase-shift events, answer snapshots.
	received := make(chan Event, 16)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if req, ok := ev.(SnapshotRequest); ok {
					req.Reply <- StateSnapshot{BPM: 111, RunState: string(RunStopped)}
					continue
				}
				received <- ev
			}
		}
	}()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- runIPCServer(ctx, socketPath, events, testLogger())
	}()

	// Wait for the socket to appear.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := SendIPCEvent(socketPath, SetPhaseShift{MS: 120}); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("IPC server never came up")
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case ev := <-received:
		shift, ok := ev.(SetPhaseShift)
		if !ok || shift.MS != 120 {
			t.Fatalf("expected SetPhaseShift ms=120, got %#v", ev)
		}
		if shift.At.IsZero() {
			t.Error("expected server-stamped receipt time")
		}
	case <-time.After(time.Second):
		t.Fatal("event never reached the daemon channel")
	}

	snap, err := RequestIPCStatus(socketPath)
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	if snap.BPM != 111 || snap.RunState != string(RunStopped) {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	cancel()
	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("IPC server did not shut down")
	}
}

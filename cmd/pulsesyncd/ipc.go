package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// The IPC server allows external clients to send JSON events to the daemon
// via a Unix domain socket. This enables:
//   - Local calibration (phase shift) without going through the broker
//   - Emergency stop from the same host
//   - Status queries for scripting and diagnostics
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "event_name", "data": {...}}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
//   - For "status" the ok response carries the state snapshot in "data".
// ============================================================================

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string          `json:"status"`          // "ok" or "error"
	Error  string          `json:"error,omitempty"` // error message if status == "error"
	Data   json.RawMessage `json:"data,omitempty"`  // optional payload (status queries)
}

// ipcEnvelope wraps an IPC event with a type discriminator for JSON
// marshaling. Go has no union types, so the discriminator selects the
// concrete payload.
type ipcEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ipcPhaseShiftData is the payload for "set_phase_shift".
type ipcPhaseShiftData struct {
	MS int `json:"ms"`
}

// ipcRawPayloadData is the payload for "tempo" and "run": the same raw
// string a bus publisher would use, validated by the reducer.
type ipcRawPayloadData struct {
	Payload string `json:"payload"`
}

// ipcStatusType is handled inline by the connection handler because its
// response carries a reply payload; it never reaches UnmarshalIPCEvent.
const ipcStatusType = "status"

// UnmarshalIPCEvent deserializes a JSON envelope into a concrete Event,
// stamping it with the given receipt time.
func UnmarshalIPCEvent(data []byte, at time.Time) (Event, error) {
	var env ipcEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "set_phase_shift":
		var d ipcPhaseShiftData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("unmarshal set_phase_shift: %w", err)
		}
		return SetPhaseShift{MS: d.MS, At: at}, nil

	case "tempo":
		var d ipcRawPayloadData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("unmarshal tempo: %w", err)
		}
		return TempoMessage{Payload: d.Payload, At: at}, nil

	case "run":
		var d ipcRawPayloadData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		return RunMessage{Payload: d.Payload, At: at}, nil

	case "stop":
		return RunMessage{Payload: "0", At: at}, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalIPCEvent serializes an Event into a JSON envelope with a type
// discriminator. Only the externally visible subset is supported.
func MarshalIPCEvent(e Event) ([]byte, error) {
	var env ipcEnvelope

	switch e := e.(type) {
	case SetPhaseShift:
		env.Type = "set_phase_shift"
		data, err := json.Marshal(ipcPhaseShiftData{MS: e.MS})
		if err != nil {
			return nil, fmt.Errorf("marshal set_phase_shift: %w", err)
		}
		env.Data = data

	case TempoMessage:
		env.Type = "tempo"
		data, err := json.Marshal(ipcRawPayloadData{Payload: e.Payload})
		if err != nil {
			return nil, fmt.Errorf("marshal tempo: %w", err)
		}
		env.Data = data

	case RunMessage:
		env.Type = "run"
		data, err := json.Marshal(ipcRawPayloadData{Payload: e.Payload})
		if err != nil {
			return nil, fmt.Errorf("marshal run: %w", err)
		}
		env.Data = data

	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	return json.Marshal(env)
}

// runIPCServer starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, logger *slog.Logger) error {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	// Make socket accessible (consider security implications in production)
	if err := os.Chmod(socketPath, 0666); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Exit cleanly on shutdown/close.
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}

			if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
				logger.Debug("IPC listener closed")
				return nil
			}

			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(conn, events, logger)
	}
}

// handleIPCConnection processes a single IPC client connection
func handleIPCConnection(conn net.Conn, events chan<- Event, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	sendError := func(format string, args ...any) {
		resp := IPCResponse{Status: "error", Error: fmt.Sprintf(format, args...)}
		if encErr := encoder.Encode(resp); encErr != nil {
			logger.Error("IPC failed to send error response", "error", encErr)
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug("IPC received", "line", line)

		// Status queries need a reply payload, so they bypass the generic
		// event path.
		var env ipcEnvelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			sendError("parse envelope: %v", err)
			continue
		}
		if env.Type == ipcStatusType {
			snap, err := requestSnapshot(events, 2*time.Second)
			if err != nil {
				sendError("status: %v", err)
				continue
			}
			data, err := json.Marshal(snap)
			if err != nil {
				sendError("marshal snapshot: %v", err)
				continue
			}
			if encErr := encoder.Encode(IPCResponse{Status: "ok", Data: data}); encErr != nil {
				logger.Error("IPC failed to send status response", "error", encErr)
			}
			continue
		}

		ev, err := UnmarshalIPCEvent([]byte(line), time.Now())
		if err != nil {
			sendError("parse event: %v", err)
			continue
		}

		// Send event to daemon
		select {
		case events <- ev:
			if encErr := encoder.Encode(IPCResponse{Status: "ok"}); encErr != nil {
				logger.Error("IPC failed to send success response", "error", encErr)
			}
		default:
			sendError("event queue full")
		}
	}

	logger.Debug("IPC connection closed")
}

// requestSnapshot round-trips a snapshot request through the event loop.
func requestSnapshot(events chan<- Event, timeout time.Duration) (StateSnapshot, error) {
	reply := make(chan StateSnapshot, 1)

	select {
	case events <- SnapshotRequest{Reply: reply}:
	case <-time.After(timeout):
		return StateSnapshot{}, errors.New("event queue full")
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-time.After(timeout):
		return StateSnapshot{}, errors.New("timed out waiting for snapshot")
	}
}

// ============================================================================
// IPC Client Utility Functions
// ============================================================================
// These functions can be used to send events to the daemon from external
// programs or for testing.
// ============================================================================

// SendIPCEvent sends an event to the daemon via IPC and returns the response
func SendIPCEvent(socketPath string, ev Event) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := MarshalIPCEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", strings.TrimSpace(string(data))); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	decoder := json.NewDecoder(conn)
	var resp IPCResponse
	if err := decoder.Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.Status != "ok" {
		return fmt.Errorf("ipc error: %s", resp.Error)
	}

	return nil
}

// RequestIPCStatus asks the daemon for its current state snapshot via IPC.
func RequestIPCStatus(socketPath string) (StateSnapshot, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return StateSnapshot{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "{\"type\":%q}\n", ipcStatusType); err != nil {
		return StateSnapshot{}, fmt.Errorf("send status request: %w", err)
	}

	decoder := json.NewDecoder(conn)
	var resp IPCResponse
	if err := decoder.Decode(&resp); err != nil {
		return StateSnapshot{}, fmt.Errorf("decode response: %w", err)
	}

	if resp.Status != "ok" {
		return StateSnapshot{}, fmt.Errorf("ipc error: %s", resp.Error)
	}

	var snap StateSnapshot
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		return StateSnapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return snap, nil
}

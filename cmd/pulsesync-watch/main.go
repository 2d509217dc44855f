// pulsesync-watch tails a pulsesyncd status WebSocket and prints state
// changes as they happen. Useful for checking that a fleet of receivers is
// in sync without strapping on a vest.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// statusEnvelope mirrors the daemon's status wire format: {type, ts, data}.
type statusEnvelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:8924/ws/status", "pulsesyncd status websocket URL")
		raw   = flag.Bool("raw", false, "Print raw JSON envelopes instead of formatted lines")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Mutex to protect concurrent writes to the websocket
	var writeMu sync.Mutex

	// Ping/pong keeps the connection alive through quiet stretches.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(20 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			printMessage(message, *raw)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// printMessage renders one status envelope.
func printMessage(message []byte, raw bool) {
	var env statusEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	if raw {
		pretty, _ := json.MarshalIndent(json.RawMessage(message), "", "  ")
		fmt.Printf("%s\n", string(pretty))
		return
	}

	ts := ""
	if env.Ts != nil {
		ts = env.Ts.Local().Format("15:04:05.000 ")
	}

	switch env.Type {
	case "state_init":
		var snap struct {
			BPM          int    `json:"bpm"`
			RunState     string `json:"run_state"`
			IntervalMS   int64  `json:"interval_ms"`
			PhaseShiftMS int    `json:"phase_shift_ms"`
			LastEvent    string `json:"last_event"`
		}
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			break
		}
		fmt.Printf("%s[INIT] %s bpm=%d interval=%dms phase_shift=%dms",
			ts, snap.RunState, snap.BPM, snap.IntervalMS, snap.PhaseShiftMS)
		if snap.LastEvent != "" {
			fmt.Printf(" last=%q", snap.LastEvent)
		}
		fmt.Println()
		return

	case "run_state_changed":
		var d struct {
			RunState   string `json:"run_state"`
			Generation uint64 `json:"generation"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			break
		}
		fmt.Printf("%s[RUN] %s generation=%d\n", ts, d.RunState, d.Generation)
		return

	case "tempo_changed":
		var d struct {
			BPM        int   `json:"bpm"`
			IntervalMS int64 `json:"interval_ms"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			break
		}
		fmt.Printf("%s[TEMPO] %d bpm (%dms)\n", ts, d.BPM, d.IntervalMS)
		return

	case "phase_shift_changed":
		var d struct {
			PhaseShiftMS     int `json:"phase_shift_ms"`
			PendingMS        int `json:"pending_phase_shift_ms"`
			EffectiveShiftMS int `json:"effective_phase_shift_ms"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			break
		}
		fmt.Printf("%s[SHIFT] applied=%dms pending=%dms effective=%dms\n",
			ts, d.PhaseShiftMS, d.PendingMS, d.EffectiveShiftMS)
		return
	}

	pretty, _ := json.MarshalIndent(json.RawMessage(message), "", "  ")
	fmt.Printf("%s[%s]\n%s\n", ts, env.Type, string(pretty))
}

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// PulseActuator is the haptic capability consumed by the playback loop.
// Implementations must complete calls within a bounded, short time and must
// tolerate repeated Stop calls.
type PulseActuator interface {
	// StartPulse triggers a single haptic pulse.
	StartPulse() error
	// StopPulse silences all motors.
	StopPulse() error
	Close() error
}

// BHapticsClient drives the bHaptics Player local WebSocket API.
type BHapticsClient struct {
	mu          sync.Mutex
	conn        *websocket.Conn
	url         string
	logger      *slog.Logger
	readTimeout time.Duration

	appName   string
	intensity int
	duration  int
}

// ActuatorCredentials identifies this app to the bHaptics Player.
// Loaded from the environment (or a .env file sourced by the service unit).
type ActuatorCredentials struct {
	AppID   string `env:"BHAPTICS_APP_ID"`
	APIKey  string `env:"BHAPTICS_API_KEY"`
	AppName string `env:"BHAPTICS_APP_NAME" envDefault:"Hello, bHaptics!"`
}

// Validate checks that the required credentials are present.
func (c ActuatorCredentials) Validate() error {
	var missing []string
	if c.AppID == "" {
		missing = append(missing, "BHAPTICS_APP_ID")
	}
	if c.APIKey == "" {
		missing = append(missing, "BHAPTICS_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required credentials: %v (set them in the environment)", missing)
	}
	return nil
}

// NewBHapticsClient creates an actuator client and establishes the initial
// connection to the local bHaptics Player.
func NewBHapticsClient(wsURL string, creds ActuatorCredentials, logger *slog.Logger, timeoutMS, intensity, durationMS int) (*BHapticsClient, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid actuator websocket URL: %w", err)
	}

	// Player identifies the app through query parameters on the endpoint.
	q := u.Query()
	q.Set("app_id", creds.AppID)
	q.Set("api_key", creds.APIKey)
	q.Set("app_name", creds.AppName)
	u.RawQuery = q.Encode()

	client := &BHapticsClient{
		url:         u.String(),
		logger:      logger,
		readTimeout: time.Duration(timeoutMS) * time.Millisecond,
		appName:     creds.AppName,
		intensity:   intensity,
		duration:    durationMS,
	}

	if err := client.connectWithRetry(); err != nil {
		return nil, err
	}

	return client, nil
}

// connect establishes a WebSocket connection to the bHaptics Player.
func (c *BHapticsClient) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	d := websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
	}

	conn, _, err := d.Dial(c.url, nil)
	if err != nil {
		return err
	}

	c.conn = conn
	return nil
}

// connectWithRetry attempts to connect with a bounded retry.
func (c *BHapticsClient) connectWithRetry() error {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		err := c.connect()
		if err == nil {
			c.logger.Info("connected to bHaptics player", "url", c.url)
			return nil
		}
		lastErr = err
		c.logger.Warn("actuator connection failed; retrying...", "error", err, "attempt", attempt+1)
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("failed to connect after 10 attempts: %w", lastErr)
}

// ensureConnected checks the connection and reconnects if necessary.
func (c *BHapticsClient) ensureConnected() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.logger.Warn("actuator connection lost; reconnecting...")
	return c.connectWithRetry()
}

// send sends a message to the player (one-way, no response expected).
func (c *BHapticsClient) send(v any) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("no actuator connection")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.conn = nil // Mark connection as broken
		return err
	}

	return nil
}

// dotFrame is a bHaptics submit frame addressing all vest motors at once.
type dotFrame struct {
	Submit []submitEntry `json:"Submit"`
}

type submitEntry struct {
	Type  string       `json:"Type"`
	Key   string       `json:"Key"`
	Frame *frameDetail `json:"Frame,omitempty"`
}

type frameDetail struct {
	Position       string     `json:"Position"`
	DotPoints      []dotPoint `json:"DotPoints"`
	DurationMillis int        `json:"DurationMillis"`
}

type dotPoint struct {
	Index     int `json:"Index"`
	Intensity int `json:"Intensity"`
}

// StartPulse submits one dot frame lighting every vest motor.
func (c *BHapticsClient) StartPulse() error {
	points := make([]dotPoint, motorLen)
	for i := range points {
		points[i] = dotPoint{Index: i, Intensity: c.intensity}
	}

	frame := dotFrame{Submit: []submitEntry{{
		Type: "frame",
		Key:  "pulse",
		Frame: &frameDetail{
			Position:       "VestFront",
			DotPoints:      points,
			DurationMillis: c.duration,
		},
	}}}

	if err := c.send(frame); err != nil {
		return fmt.Errorf("start pulse: %w", err)
	}
	return nil
}

// StopPulse turns off the pulse pattern on all motors.
func (c *BHapticsClient) StopPulse() error {
	frame := dotFrame{Submit: []submitEntry{{
		Type: "turnOff",
		Key:  "pulse",
	}}}
	if err := c.send(frame); err != nil {
		return fmt.Errorf("stop pulse: %w", err)
	}
	return nil
}

// Close closes the WebSocket connection.
func (c *BHapticsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

// LogActuator is a no-hardware actuator that only logs pulses. Useful for
// nodes without a vest and for rehearsing synchronization.
type LogActuator struct {
	logger *slog.Logger
}

func NewLogActuator(logger *slog.Logger) *LogActuator {
	return &LogActuator{logger: logger}
}

func (a *LogActuator) StartPulse() error {
	a.logger.Info("pulse", "at_ms", time.Now().UnixMilli())
	return nil
}

func (a *LogActuator) StopPulse() error { return nil }

func (a *LogActuator) Close() error { return nil }

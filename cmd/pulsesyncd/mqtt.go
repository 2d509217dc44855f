package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ============================================================================
// Message bus - MQTT subscriber
// ============================================================================
// The bus adapter is deliberately thin: it forwards raw topic payloads to
// the daemon's event channel and never touches controller state. Payload
// validation happens in the reducer so malformed messages are handled under
// the same serialization discipline as everything else.
//
// Reconnect policy: the paho client auto-reconnects and the OnConnect hook
// re-subscribes, so a dropped broker connection resumes the previous
// in-memory state. Messages published while disconnected are not replayed.
// ============================================================================

// BrokerConfig describes the MQTT broker connection.
type BrokerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	KeepaliveS int    `yaml:"keepalive_s"`
	QoS        int    `yaml:"qos"`
	Username   string `yaml:"username,omitempty"`
	Password   string `yaml:"password,omitempty"`
	ClientID   string `yaml:"client_id,omitempty"`
}

// parseBroker accepts either a bare host[:port] or a URL with an mqtt://
// (or tcp://) scheme, returning host and port with the fallback applied.
func parseBroker(value string, fallbackPort int) (string, int, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return "", 0, fmt.Errorf("broker must not be empty")
	}

	if !strings.Contains(raw, "://") {
		raw = "mqtt://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", 0, fmt.Errorf("invalid broker value: %q", value)
	}

	port := fallbackPort
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return "", 0, fmt.Errorf("invalid broker port: %q", p)
		}
	}

	return u.Hostname(), port, nil
}

// BusClient subscribes to the control topics and forwards payloads as
// Events.
type BusClient struct {
	client mqtt.Client
	cfg    BrokerConfig
	logger *slog.Logger
}

// NewBusClient connects to the broker and subscribes to the bpm and run
// topics. The ctx bounds blocking sends into the events channel so the
// handlers cannot outlive the daemon.
func NewBusClient(ctx context.Context, cfg BrokerConfig, events chan<- Event, logger *slog.Logger) (*BusClient, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("pulsesyncd-%d", time.Now().UnixNano())
	}

	deliver := func(ev Event, topic string) {
		// Blocking send preserves bus delivery order; ctx guards shutdown.
		select {
		case events <- ev:
		case <-ctx.Done():
			logger.Debug("dropped bus message during shutdown", "topic", topic)
		}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(clientID).
		SetKeepAlive(time.Duration(cfg.KeepaliveS) * time.Second).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectTimeout(5 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// Runs on every (re)connect; re-subscribing here is what makes
		// reconnects resume cleanly.
		qos := byte(cfg.QoS)
		filters := map[string]byte{
			topicBPM: qos,
			topicRun: qos,
		}
		token := c.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
			payload := string(msg.Payload())
			switch msg.Topic() {
			case topicBPM:
				deliver(TempoMessage{Payload: payload, At: time.Now()}, msg.Topic())
			case topicRun:
				deliver(RunMessage{Payload: payload, At: time.Now()}, msg.Topic())
			default:
				logger.Warn("ignored unknown topic", "topic", msg.Topic())
			}
		})
		if token.Wait() && token.Error() != nil {
			logger.Error("subscribe failed", "error", token.Error())
			return
		}
		logger.Info("subscribed", "topics", []string{topicBPM, topicRun}, "qos", cfg.QoS)
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("disconnected from broker; reconnecting...", "error", err)
	})

	client := mqtt.NewClient(opts)

	logger.Info("connecting to MQTT broker", "host", cfg.Host, "port", cfg.Port)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timeout waiting for MQTT connection to %s:%d", cfg.Host, cfg.Port)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return &BusClient{client: client, cfg: cfg, logger: logger}, nil
}

// Close disconnects from the broker, allowing in-flight work to finish.
func (b *BusClient) Close() {
	b.client.Disconnect(250)
}

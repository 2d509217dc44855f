package main

// MQTT control topics shared by all nodes.
const (
	topicBPM = "bhaptics/bpm"
	topicRun = "bhaptics/run"
)

// Controller defaults
const (
	defaultBPM = 120 // tempo assumed until the first valid bpm message

	// defaultStaleThresholdMS rejects start timestamps that arrive too long
	// after their target instant (delayed/duplicated bus messages).
	defaultStaleThresholdMS = 5000

	// minEpochMS is the plausibility floor for start timestamps. Anything
	// below this is a seconds-resolution value or garbage, not epoch-ms.
	minEpochMS = 100_000_000_000
)

// Phase-shift calibration bounds (per-node, milliseconds).
const (
	phaseShiftMinMS = -2000
	phaseShiftMaxMS = 2000
)

// Actuator defaults
const (
	defaultActuatorWsURL     = "ws://127.0.0.1:15881/v2/feedbacks"
	defaultActuatorTimeoutMS = 500 // read timeout for actuator responses
	defaultPulseIntensity    = 20  // motor intensity per pulse (0-100)
	defaultPulseDurationMS   = 100 // single pulse duration
	motorLen                 = 32  // vest motor count per dot frame
)

// Broker defaults
const (
	defaultBrokerHost = "mqtt-web.makinteract.com"
	defaultBrokerPort = 1883
	defaultKeepaliveS = 60
	defaultQoS        = 1
)

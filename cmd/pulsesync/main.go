// pulsesync is the conductor-side companion to pulsesyncd: it publishes
// tempo changes and start/stop commands to the broker all receivers listen
// on. A start is published as an absolute epoch-ms timestamp a few seconds
// in the future, floored to a whole second, so every receiver arms against
// the same wall-clock instant.
package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	topicBPM = "bhaptics/bpm"
	topicRun = "bhaptics/run"

	defaultBrokerHost = "mqtt-web.makinteract.com"
	defaultBrokerPort = 1883
	defaultQoS        = 1
	defaultKeepaliveS = 60
	defaultDelayS     = 3
)

func printUsage() {
	fmt.Println("pulsesync - publish tempo and run commands to haptic receivers")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  pulsesync [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -broker string")
	fmt.Printf("        MQTT broker host or mqtt:// URL (default %q)\n", defaultBrokerHost)
	fmt.Println("  -port int")
	fmt.Printf("        MQTT broker port (default %d)\n", defaultBrokerPort)
	fmt.Println("  -keepalive int")
	fmt.Printf("        MQTT keepalive in seconds (default %d)\n", defaultKeepaliveS)
	fmt.Println("  -qos int")
	fmt.Printf("        MQTT QoS for publishes (default %d)\n", defaultQoS)
	fmt.Println("  -retain")
	fmt.Println("        Publish with the retain flag so late joiners catch up")
	fmt.Println("  -username string")
	fmt.Println("        MQTT username (optional)")
	fmt.Println("  -password string")
	fmt.Println("        MQTT password (optional)")
	fmt.Println("  -bpm int")
	fmt.Println("        Publish this tempo in beats per minute (0 = don't publish)")
	fmt.Println("  -run int")
	fmt.Println("        Publish a run command: 1 = start, 0 = stop (-1 = don't publish)")
	fmt.Println("  -delay-s int")
	fmt.Printf("        Seconds from now until the published start time (default %d)\n", defaultDelayS)
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Set the tempo to 90 bpm")
	fmt.Println("  pulsesync -bpm 90")
	fmt.Println()
	fmt.Println("  # Start all receivers five seconds from now")
	fmt.Println("  pulsesync -run 1 -delay-s 5")
	fmt.Println()
	fmt.Println("  # Stop everything")
	fmt.Println("  pulsesync -run 0")
	fmt.Println()
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

// startTimestampMS computes the published start time: now floored to a whole
// second, plus the delay. Flooring keeps the target aligned to second
// boundaries, which makes logs across nodes easy to eyeball.
func startTimestampMS(now time.Time, delayS int) int64 {
	floored := now.Truncate(time.Second)
	return floored.Add(time.Duration(delayS) * time.Second).UnixMilli()
}

func main() {
	var (
		brokerFlag = flag.String("broker", defaultBrokerHost, "MQTT broker host or mqtt:// URL")
		portFlag   = flag.Int("port", defaultBrokerPort, "MQTT broker port")
		keepalive  = flag.Int("keepalive", defaultKeepaliveS, "MQTT keepalive in seconds")
		qosFlag    = flag.Int("qos", defaultQoS, "MQTT QoS for publishes")
		retain     = flag.Bool("retain", false, "Publish with the retain flag")
		username   = flag.String("username", "", "MQTT username")
		password   = flag.String("password", "", "MQTT password")
		bpmFlag    = flag.Int("bpm", 0, "Publish this tempo (0 = don't publish)")
		runFlag    = flag.Int("run", -1, "Publish a run command: 1 = start, 0 = stop (-1 = don't publish)")
		delayFlag  = flag.Int("delay-s", defaultDelayS, "Seconds from now until the published start time")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *bpmFlag == 0 && *runFlag == -1 {
		printUsage()
		fmt.Fprintln(os.Stderr, "error: nothing to publish (set -bpm and/or -run)")
		os.Exit(1)
	}
	if *bpmFlag < 0 {
		fmt.Fprintln(os.Stderr, "error: -bpm must be a positive integer")
		os.Exit(1)
	}
	if *runFlag < -1 || *runFlag > 1 {
		fmt.Fprintln(os.Stderr, "error: -run must be 0 or 1")
		os.Exit(1)
	}
	if *delayFlag < 0 {
		fmt.Fprintln(os.Stderr, "error: -delay-s must be >= 0")
		os.Exit(1)
	}
	if *qosFlag < 0 || *qosFlag > 2 {
		fmt.Fprintln(os.Stderr, "error: -qos must be 0, 1 or 2")
		os.Exit(1)
	}

	host, port, err := parseBroker(*brokerFlag, *portFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", host, port)).
		SetClientID(fmt.Sprintf("pulsesync-%d", time.Now().UnixNano())).
		SetKeepAlive(time.Duration(*keepalive) * time.Second).
		SetConnectTimeout(5 * time.Second)

	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		fmt.Fprintf(os.Stderr, "error: timeout connecting to %s:%d\n", host, port)
		os.Exit(1)
	}
	if err := token.Error(); err != nil {
		fmt.Fprintln(os.Stderr, "error: connect:", err)
		os.Exit(1)
	}
	defer client.Disconnect(250)

	publish := func(topic, payload string) {
		t := client.Publish(topic, byte(*qosFlag), *retain, payload)
		if !t.WaitTimeout(10 * time.Second) {
			fmt.Fprintf(os.Stderr, "error: timeout publishing to %s\n", topic)
			os.Exit(1)
		}
		if err := t.Error(); err != nil {
			fmt.Fprintf(os.Stderr, "error: publish to %s: %v\n", topic, err)
			os.Exit(1)
		}
		fmt.Printf("published %s <- %s\n", topic, payload)
	}

	if *bpmFlag > 0 {
		publish(topicBPM, fmt.Sprintf("%d", *bpmFlag))
	}

	switch *runFlag {
	case 0:
		publish(topicRun, "0")
	case 1:
		targetMS := startTimestampMS(time.Now(), *delayFlag)
		publish(topicRun, fmt.Sprintf("%d", targetMS))
		fmt.Printf("start at %s (in %ds)\n",
			time.UnixMilli(targetMS).Format(time.RFC3339), *delayFlag)
	}
}

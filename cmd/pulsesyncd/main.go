package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("pulsesyncd v%s\n", version)
	fmt.Println("Haptic pulse playback synchronization daemon")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  pulsesyncd [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that subscribes to tempo and run-command topics on an MQTT")
	fmt.Println("  broker and drives a haptic vest in lockstep with other nodes. Start")
	fmt.Println("  commands carry an absolute epoch-ms timestamp; every node schedules")
	fmt.Println("  its playback loop against the shared wall clock so pulses land")
	fmt.Println("  together.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file (flags override file values)")
	fmt.Println()
	fmt.Println("  -broker string")
	fmt.Printf("        MQTT broker host or mqtt:// URL (default %q)\n", defaultBrokerHost)
	fmt.Println()
	fmt.Println("  -port int")
	fmt.Printf("        MQTT broker port (default %d)\n", defaultBrokerPort)
	fmt.Println()
	fmt.Println("  -qos int")
	fmt.Printf("        MQTT QoS for subscriptions: 0, 1 or 2 (default %d)\n", defaultQoS)
	fmt.Println()
	fmt.Println("  -username string")
	fmt.Println("        MQTT username (optional)")
	fmt.Println()
	fmt.Println("  -password string")
	fmt.Println("        MQTT password (optional)")
	fmt.Println()
	fmt.Println("  -stale-threshold-ms int")
	fmt.Printf("        Reject start timestamps older than this (default %d)\n", defaultStaleThresholdMS)
	fmt.Println()
	fmt.Println("  -actuator string")
	fmt.Println("        Actuator backend: bhaptics|log (default \"bhaptics\")")
	fmt.Println()
	fmt.Println("  -actuator-ws-url string")
	fmt.Printf("        bHaptics Player websocket URL (default %q)\n", defaultActuatorWsURL)
	fmt.Println()
	fmt.Println("  -store string")
	fmt.Println("        Path to the calibration database (default under the user config dir)")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"/tmp/pulsesyncd.sock\")")
	fmt.Println()
	fmt.Println("  -status-port int")
	fmt.Println("        Status WebSocket listener port, 0 disables (default 8924)")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("ENVIRONMENT VARIABLES (bhaptics actuator):")
	fmt.Println("  BHAPTICS_APP_ID    - bHaptics application id (required)")
	fmt.Println("  BHAPTICS_API_KEY   - bHaptics API key (required)")
	fmt.Println("  BHAPTICS_APP_NAME  - Application display name (optional)")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start with defaults against the public broker")
	fmt.Println("  pulsesyncd")
	fmt.Println()
	fmt.Println("  # Rehearse without a vest")
	fmt.Println("  pulsesyncd -actuator log -broker localhost")
	fmt.Println()
	fmt.Println("  # Run from a config file")
	fmt.Println("  pulsesyncd -config ~/.config/pulsesync/config.yaml")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath       = flag.String("config", "", "Path to YAML config file")
		brokerFlag       = flag.String("broker", defaultBrokerHost, "MQTT broker host or mqtt:// URL")
		portFlag         = flag.Int("port", defaultBrokerPort, "MQTT broker port")
		qosFlag          = flag.Int("qos", defaultQoS, "MQTT QoS for subscriptions (0, 1 or 2)")
		usernameFlag     = flag.String("username", "", "MQTT username")
		passwordFlag     = flag.String("password", "", "MQTT password")
		staleFlag        = flag.Int64("stale-threshold-ms", defaultStaleThresholdMS, "Reject start timestamps older than this")
		actuatorFlag     = flag.String("actuator", "bhaptics", "Actuator backend: bhaptics|log")
		actuatorURLFlag  = flag.String("actuator-ws-url", defaultActuatorWsURL, "bHaptics Player websocket URL")
		storeFlag        = flag.String("store", "", "Path to the calibration database")
		ipcSocketFlag    = flag.String("ipc-socket", "/tmp/pulsesyncd.sock", "Unix domain socket path for IPC")
		statusPortFlag   = flag.Int("status-port", 8924, "Status WebSocket listener port (0 disables)")
		logLevelFlag     = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		showVersion      = flag.Bool("version", false, "Print version and exit")
		showHelp         = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags the user actually set override the file values.
	overrides := FlagOverrides{}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "broker":
			host, port, err := parseBroker(*brokerFlag, cfg.Broker.Port)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			overrides.BrokerHost = &host
			if port != cfg.Broker.Port {
				overrides.BrokerPort = &port
			}
		case "port":
			overrides.BrokerPort = portFlag
		case "qos":
			overrides.QoS = qosFlag
		case "username":
			overrides.Username = usernameFlag
		case "password":
			overrides.Password = passwordFlag
		case "stale-threshold-ms":
			overrides.StaleThresholdMS = staleFlag
		case "actuator":
			overrides.ActuatorKind = actuatorFlag
		case "actuator-ws-url":
			overrides.ActuatorURL = actuatorURLFlag
		case "store":
			overrides.StorePath = storeFlag
		case "ipc-socket":
			overrides.IPCSocketPath = ipcSocketFlag
		case "status-port":
			overrides.StatusPort = statusPortFlag
		case "log-level":
			overrides.LogLevel = logLevelFlag
		}
	})
	overrides.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := newDaemonLogger(os.Stdout, logLevel)

	// Calibration store. The persisted phase shift survives restarts.
	store, err := OpenConfigStore(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open calibration store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	phaseShiftMS, err := store.LoadPhaseShift(0)
	if err != nil {
		logger.Warn("failed to load phase shift; using 0", "error", err)
		phaseShiftMS = 0
	}
	if phaseShiftMS < phaseShiftMinMS || phaseShiftMS > phaseShiftMaxMS {
		logger.Warn("persisted phase shift out of range; using 0", "phase_shift_ms", phaseShiftMS)
		phaseShiftMS = 0
	}

	// Actuator backend.
	var actuator PulseActuator
	switch cfg.Actuator.Kind {
	case "bhaptics":
		var creds ActuatorCredentials
		if err := env.Parse(&creds); err != nil {
			logger.Error("failed to read actuator credentials", "error", err)
			os.Exit(1)
		}
		if err := creds.Validate(); err != nil {
			logger.Error("actuator credentials invalid", "error", err)
			os.Exit(1)
		}
		client, err := NewBHapticsClient(cfg.Actuator.WsURL, creds, logger,
			cfg.Actuator.TimeoutMS, cfg.Actuator.Intensity, cfg.Actuator.DurationMS)
		if err != nil {
			logger.Error("failed to connect to bHaptics player", "error", err)
			os.Exit(1)
		}
		actuator = client
	case "log":
		actuator = NewLogActuator(logger)
	}
	defer actuator.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Central event channel. Everything that mutates controller state flows
	// through here.
	events := make(chan Event, 64)

	statusSrv := NewStatusServer(logger, events, StatusServerConfig{})

	state := NewControllerState(phaseShiftMS)
	rt := newRuntime(events, actuator, store, statusSrv.Hub(), logger)
	ctrlCfg := ControllerConfig{StaleThresholdMS: cfg.Controller.StaleThresholdMS}

	bus, err := NewBusClient(ctx, cfg.Broker, events, logger)
	if err != nil {
		logger.Error("failed to connect to MQTT broker", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	logger.Info("starting pulsesyncd",
		"version", version,
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"actuator", cfg.Actuator.Kind,
		"phase_shift_ms", phaseShiftMS,
		"stale_threshold_ms", cfg.Controller.StaleThresholdMS,
		"ipc_socket", cfg.IPC.SocketPath,
		"status_port", cfg.Status.Port)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runDaemon(gctx, events, rt, ctrlCfg, state, logger)
		return nil
	})

	g.Go(func() error {
		statusSrv.Hub().Run(gctx)
		return nil
	})

	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, events, logger)
	})

	if cfg.Status.Port > 0 {
		g.Go(func() error {
			return runStatusServer(gctx, cfg.Status.Port, statusSrv, logger)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// Command pbxlinectl is the pbxline toolkit's CLI entry point: it
// connects a Management Interface client, optionally starts the MQTT
// event bridge and the websocket operator monitor, and can drive a
// one-off Gateway Interface session over stdio.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/ivrkit/pbxline/agi"
	"github.com/ivrkit/pbxline/ami"
	"github.com/ivrkit/pbxline/internal/buildinfo"
	"github.com/ivrkit/pbxline/internal/config"
	"github.com/ivrkit/pbxline/internal/connwatch"
	"github.com/ivrkit/pbxline/internal/events"
	"github.com/ivrkit/pbxline/internal/mqttbridge"
	"github.com/ivrkit/pbxline/wsmonitor"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := newLogger(slog.LevelInfo)

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *configPath)
	case "ping":
		runPing(logger, *configPath)
	case "gi":
		runGI(logger)
	case "version":
		fmt.Println(buildinfo.StatusLine())
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("pbxlinectl - PBX client toolkit (Gateway + Management Interface)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Connect to the Management Interface and run the event bridges")
	fmt.Println("  ping     Send a single Ping action and report the round-trip time")
	fmt.Println("  gi       Run one Gateway Interface session over stdio")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// newLogger builds a handler appropriate to the output: a plain
// text handler for an interactive terminal, structured JSON otherwise
// (container logs, redirected output), following the common
// isatty-gated idiom rather than always emitting one format.
func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: config.ReplaceLogLevelNames}
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func loadConfig(logger *slog.Logger, explicit string) *config.Config {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			logger.Error("config", "error", err)
			os.Exit(1)
		}
		logger.Warn("no config file found, using defaults", "host", "127.0.0.1", "port", 5038)
		return config.Default()
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	logger.Info("config loaded", "path", path, "mi_host", cfg.MI.Host, "mi_port", cfg.MI.Port)
	return cfg
}

// runServe connects the Management Interface client and, depending on
// what the config enables, the MQTT republishing bridge and the
// websocket operator monitor, then blocks until SIGINT/SIGTERM.
func runServe(logger *slog.Logger, configPath string) {
	start := time.Now()
	cfg := loadConfig(logger, configPath)

	if cfg.LogLevel != "" {
		if level, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
			logger = newLogger(level)
		} else {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("starting pbxlinectl", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	bus := events.New()

	client, err := ami.Connect(ami.Config{
		Host:                    cfg.MI.Host,
		Port:                    cfg.MI.Port,
		SocketReadTimeout:       cfg.MI.SocketReadTimeout.Std(),
		OrphanedResponseTimeout: cfg.MI.OrphanedResponseTimeout.Std(),
		AggregateTimeout:        cfg.MI.AggregateTimeout.Std(),
		RequestTimeout:          cfg.MI.RequestTimeout.Std(),
		MonitorInterval:         cfg.MI.MonitorInterval.Std(),
		Logger:                  logger,
		Bus:                     bus,
	})
	if err != nil {
		logger.Error("failed to connect to the Management Interface", "host", cfg.MI.Host, "port", cfg.MI.Port, "error", err)
		os.Exit(1)
	}
	defer client.Close()
	logger.Info("connected to PBX", "greeting", client.Greeting())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.StartMonitor(ctx,
		func() *ami.Action { return &ami.Action{Name: "Ping", Timeout: cfg.MI.RequestTimeout.Std()} },
		func() { logger.Debug("liveness monitor: mi healthy") },
		func(err error) { logger.Warn("liveness monitor: mi unhealthy", "error", err) },
	)

	watchMgr := connwatch.NewManager(logger)
	watchMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:  "mi-socket",
		Probe: func(probeCtx context.Context) error { return probeMI(probeCtx, client, cfg.MI.RequestTimeout.Std()) },
	})

	var publisher *mqttbridge.Publisher
	if cfg.MQTT.Configured() {
		publisher = startMQTTBridge(ctx, cfg, bus, logger, watchMgr)
	}

	var httpServer *http.Server
	if cfg.Websocket.Configured() {
		httpServer = startWebsocketMonitor(ctx, cfg, bus, watchMgr, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received", "uptime", humanize.RelTime(start, time.Now(), "", ""))

	cancel()
	watchMgr.Stop()
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if publisher != nil {
		_ = publisher.Stop(context.Background())
	}
	logger.Info("pbxlinectl stopped")
}

// probeMI is the connwatch.ProbeFunc for the MI socket: a successful
// Ping within deadline means healthy. It never attempts to reconnect
// on failure; a down MI connection simply keeps failing this probe
// until the process is restarted.
func probeMI(ctx context.Context, client *ami.Client, timeout time.Duration) error {
	done := make(chan struct{})
	var resp *ami.Response
	var err error
	go func() {
		resp, err = client.SendAction(&ami.Action{Name: "Ping", Timeout: timeout})
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("ping timed out")
	}
	if !resp.Success {
		return fmt.Errorf("ping failed: %s", resp.Result.Name())
	}
	return nil
}

func startMQTTBridge(ctx context.Context, cfg *config.Config, bus *events.Bus, logger *slog.Logger, watchMgr *connwatch.Manager) *mqttbridge.Publisher {
	instanceID, err := mqttbridge.LoadOrCreateInstanceID(".")
	if err != nil {
		logger.Error("failed to load/create mqtt instance id", "error", err)
		return nil
	}

	publisher := mqttbridge.New(cfg.MQTT, instanceID, bus, logger)
	go func() {
		if err := publisher.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("mqtt bridge stopped", "error", err)
		}
	}()

	watchMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:  "mqtt-broker",
		Probe: publisher.AwaitConnection,
	})

	return publisher
}

func startWebsocketMonitor(ctx context.Context, cfg *config.Config, bus *events.Bus, watchMgr *connwatch.Manager, logger *slog.Logger) *http.Server {
	hub := wsmonitor.NewHub(bus, logger)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "clients=%d\n", hub.ClientCount())
		for name, s := range watchMgr.Status() {
			fmt.Fprintf(w, "%s ready=%v last_check=%s\n", name, s.Ready, humanize.Time(s.LastCheck))
		}
	})

	srv := &http.Server{Addr: cfg.Websocket.Listen, Handler: mux}
	go func() {
		logger.Info("wsmonitor listening", "addr", cfg.Websocket.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("wsmonitor server failed", "error", err)
		}
	}()
	return srv
}

// runPing connects just long enough to send one Ping action, prints
// the round trip, and exits — a quick way to sanity-check a
// deployment's MI connectivity without starting the full set of
// bridges. No login is sent, so credentials are not checked.
func runPing(logger *slog.Logger, configPath string) {
	cfg := loadConfig(logger, configPath)

	client, err := ami.Connect(ami.Config{
		Host:   cfg.MI.Host,
		Port:   cfg.MI.Port,
		Logger: logger,
	})
	if err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	resp, err := client.SendAction(&ami.Action{Name: "Ping", Timeout: cfg.MI.RequestTimeout.Std()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ping failed: %v\n", err)
		os.Exit(1)
	}
	if resp == nil {
		fmt.Fprintln(os.Stderr, "ping timed out")
		os.Exit(1)
	}
	fmt.Printf("greeting: %s\n", client.Greeting())
	fmt.Printf("pong in %s (success=%v)\n", resp.Elapsed, resp.Success)
}

// runGI drives one Gateway Interface session over the process's
// standard I/O, the usual way Asterisk invokes a script-backed AGI
// handler. It answers the channel, streams the "beep" sound file and
// hangs up, useful as a smoke test for a dialplan's AGI() invocation.
func runGI(logger *slog.Logger) {
	session, err := agi.OpenStdio()
	if err != nil {
		logger.Error("gi session open failed", "error", err)
		os.Exit(1)
	}

	logger.Info("gi session opened", "channel", session.Environment()["agi_channel"])

	if _, err := session.Execute(agi.NewAction("ANSWER")); err != nil {
		logger.Error("ANSWER failed", "error", err)
		os.Exit(1)
	}
	if _, err := session.Execute(agi.NewAction("STREAM FILE", agi.Quote("beep"), agi.Quote(""))); err != nil {
		logger.Error("STREAM FILE failed", "error", err)
		os.Exit(1)
	}
	if _, err := session.Execute(agi.NewAction("HANGUP")); err != nil {
		logger.Error("HANGUP failed", "error", err)
		os.Exit(1)
	}
}

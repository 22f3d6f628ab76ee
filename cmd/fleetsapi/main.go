// Package main implements the entry point for the fleetsapi relay.
// It wires the device bus, the internal event bus, and the SQLite
// telemetry store into the command correlator, the stream registry,
// the change poller, and the HTTP/WebSocket surfaces.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/KairosTechnologies2024/fleetsapi/broadcast"
	"github.com/KairosTechnologies2024/fleetsapi/config"
	"github.com/KairosTechnologies2024/fleetsapi/gateway"
	"github.com/KairosTechnologies2024/fleetsapi/metric"
	"github.com/KairosTechnologies2024/fleetsapi/mqttclient"
	"github.com/KairosTechnologies2024/fleetsapi/natsclient"
	"github.com/KairosTechnologies2024/fleetsapi/poller"
	"github.com/KairosTechnologies2024/fleetsapi/relay"
	"github.com/KairosTechnologies2024/fleetsapi/storage"
	"github.com/KairosTechnologies2024/fleetsapi/telemetry"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fleetsapi"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}

	return app.runWithSignalHandling(ctx, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting fleet telemetry relay",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// application holds every running piece so shutdown can walk them in
// reverse start order.
type application struct {
	cfg *config.Config

	db      *storage.DB
	mqtt    *mqttclient.Client
	nats    *natsclient.Client
	metrics *metric.MetricsRegistry

	tracker  *relay.LockTracker
	registry *relay.Registry
	poll     *poller.Poller
	hub      *broadcast.Hub
	api      *gateway.Server
}

// buildApplication constructs and connects everything up to, but not
// including, the HTTP listeners.
func buildApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	db, err := storage.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	mqttClient, err := newMQTTClient(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("Connecting to MQTT broker", "url", cfg.MQTT.BrokerURL)
	if err := mqttClient.Connect(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to MQTT: %w", err)
	}

	natsClient, err := newNATSClient(cfg, logger)
	if err != nil {
		_ = mqttClient.Close(ctx)
		db.Close()
		return nil, err
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := natsClient.Connect(ctx); err != nil {
		_ = mqttClient.Close(ctx)
		db.Close()
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	metricsRegistry := metric.NewMetricsRegistry()

	app := &application{cfg: cfg, db: db, mqtt: mqttClient, nats: natsClient, metrics: metricsRegistry}
	app.assembleRelay(cfg, logger, metricsRegistry)
	return app, nil
}

func newMQTTClient(cfg *config.Config, logger *slog.Logger) (*mqttclient.Client, error) {
	opts := []mqttclient.ClientOption{
		mqttclient.WithClientID(cfg.MQTT.ClientID),
		mqttclient.WithConnectTimeout(cfg.MQTT.ConnectTimeout),
		mqttclient.WithLogger(newComponentLogger(logger, "mqtt")),
	}
	if cfg.MQTT.Username != "" {
		opts = append(opts, mqttclient.WithCredentials(cfg.MQTT.Username, cfg.MQTT.Password))
	}

	client, err := mqttclient.NewClient(cfg.MQTT.BrokerURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create MQTT client: %w", err)
	}
	return client, nil
}

func newNATSClient(cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithLogger(newComponentLogger(logger, "nats")),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	return client, nil
}

// assembleRelay builds the domain layer on top of the connected
// infrastructure clients.
func (app *application) assembleRelay(cfg *config.Config, logger *slog.Logger, metricsRegistry *metric.MetricsRegistry) {
	tracker := relay.NewLockTracker(app.db, newComponentLogger(logger, "lock-tracker"))
	app.tracker = tracker

	correlatorOpts := []relay.CorrelatorOption{
		relay.WithCorrelatorLogger(newComponentLogger(logger, "correlator")),
		relay.WithCorrelatorMetrics(metricsRegistry),
	}
	registryOpts := []relay.RegistryOption{
		relay.WithRegistryLogger(newComponentLogger(logger, "registry")),
		relay.WithRegistryMetrics(metricsRegistry),
	}
	if cfg.MQTT.Namespace != "" {
		correlatorOpts = append(correlatorOpts, relay.WithCorrelatorNamespace(cfg.MQTT.Namespace))
		registryOpts = append(registryOpts, relay.WithRegistryNamespace(cfg.MQTT.Namespace))
	}

	correlator := relay.NewCorrelator(app.mqtt, correlatorOpts...)
	app.registry = relay.NewRegistry(app.mqtt, tracker, registryOpts...)

	app.poll = poller.New(app.db, app.nats,
		poller.WithInterval(cfg.Poller.Interval),
		poller.WithAlertFilter(telemetry.NewAlertFilter(cfg.Poller.ExcludedAlerts)),
		poller.WithLogger(newComponentLogger(logger, "poller")),
		poller.WithMetrics(metricsRegistry),
	)

	app.hub = broadcast.NewHub(app.nats,
		broadcast.WithPort(cfg.Broadcast.Port),
		broadcast.WithPath(cfg.Broadcast.Path),
		broadcast.WithHubLogger(newComponentLogger(logger, "broadcast")),
		broadcast.WithMetrics(metricsRegistry),
	)

	app.api = gateway.NewServer(cfg.Gateway.Port, correlator, app.registry, tracker, metricsRegistry,
		gateway.WithServerLogger(newComponentLogger(logger, "gateway")),
		gateway.WithCommandTimeout(cfg.MQTT.CommandTimeout),
		gateway.WithDependency("mqtt", app.mqtt),
		gateway.WithDependency("nats", app.nats),
	)
}

// runWithSignalHandling starts everything and blocks until a shutdown
// signal arrives or the API server fails.
func (app *application) runWithSignalHandling(ctx context.Context, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.tracker.Warm(signalCtx); err != nil {
		slog.Warn("Lock status cache warm failed, serving cold", "error", err)
	}

	if err := app.registry.Start(signalCtx); err != nil {
		app.closeInfrastructure(ctx)
		return fmt.Errorf("start stream registry: %w", err)
	}

	if err := app.poll.Start(signalCtx); err != nil {
		app.registry.Stop()
		app.closeInfrastructure(ctx)
		return fmt.Errorf("start poller: %w", err)
	}

	if err := app.hub.Start(signalCtx); err != nil {
		app.poll.Stop()
		app.registry.Stop()
		app.closeInfrastructure(ctx)
		return fmt.Errorf("start broadcast hub: %w", err)
	}

	go app.watchBusHealth(signalCtx)

	apiErr := make(chan error, 1)
	go func() {
		apiErr <- app.api.Start()
	}()

	slog.Info("Relay started",
		"gateway_port", app.cfg.Gateway.Port,
		"broadcast_port", app.cfg.Broadcast.Port,
		"poll_interval", app.cfg.Poller.Interval)

	var runErr error
	select {
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("api server: %w", err)
			slog.Error("API server failed", "error", err)
		}
	}

	app.shutdown(shutdownTimeout)

	slog.Info("Relay shutdown complete")
	return runErr
}

// watchBusHealth mirrors the device-bus connection state into the metrics
// registry until the context ends.
func (app *application) watchBusHealth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var connected float64
			if app.mqtt.IsHealthy() {
				connected = 1
			}
			app.metrics.Metrics.BusConnected.Set(connected)
		}
	}
}

// shutdown stops everything in reverse start order.
func (app *application) shutdown(timeout time.Duration) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.api.Shutdown(shutdownCtx); err != nil {
		slog.Error("API shutdown", "error", err)
	}
	if err := app.hub.Stop(timeout); err != nil {
		slog.Error("Broadcast hub stop", "error", err)
	}
	app.poll.Stop()
	app.registry.Stop()
	app.closeInfrastructure(shutdownCtx)
}

func (app *application) closeInfrastructure(ctx context.Context) {
	if err := app.nats.Close(ctx); err != nil {
		slog.Error("NATS close", "error", err)
	}
	if err := app.mqtt.Close(ctx); err != nil {
		slog.Error("MQTT close", "error", err)
	}
	if err := app.db.Close(); err != nil {
		slog.Error("Database close", "error", err)
	}
}

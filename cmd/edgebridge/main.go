// Command edgebridge runs the MQTT to MCP bridge: it ingests device
// telemetry from an MQTT broker, maintains a device registry backed by
// SQLite, and exposes the fleet to AI tools over the Model Context
// Protocol (stdio or streamable HTTP).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/edgebridge/edgebridge/internal/config"
	"github.com/edgebridge/edgebridge/internal/event"
	"github.com/edgebridge/edgebridge/internal/fleet"
	"github.com/edgebridge/edgebridge/internal/mcp"
	"github.com/edgebridge/edgebridge/internal/mqtt"
	"github.com/edgebridge/edgebridge/internal/registry"
	"github.com/edgebridge/edgebridge/internal/store"
	"github.com/edgebridge/edgebridge/internal/version"
	"github.com/edgebridge/edgebridge/pkg/plugin"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Info())
		return
	}

	configPath := flag.String("config", "", "path to configuration file")
	mqttBroker := flag.String("mqtt-broker", "", "MQTT broker host")
	mqttPort := flag.Int("mqtt-port", 0, "MQTT broker port")
	mqttUsername := flag.String("mqtt-username", "", "MQTT username")
	mqttPassword := flag.String("mqtt-password", "", "MQTT password")
	dbPath := flag.String("db-path", "", "path to the SQLite database")
	deviceTimeoutMinutes := flag.Int("device-timeout-minutes", 0, "mark devices offline after this many minutes of silence")
	retentionDays := flag.Int("retention-days", 0, "delete sensor and error history older than this many days")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	mcpTransport := flag.String("mcp-transport", "", "MCP transport: stdio or http")
	mcpAddr := flag.String("mcp-addr", "", "listen address for the http transport")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	v, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags override both the file and the environment.
	setIf(v, "plugins.mqtt.broker", *mqttBroker, *mqttBroker != "")
	setIf(v, "plugins.mqtt.port", *mqttPort, *mqttPort != 0)
	setIf(v, "plugins.mqtt.username", *mqttUsername, *mqttUsername != "")
	setIf(v, "plugins.mqtt.password", *mqttPassword, *mqttPassword != "")
	setIf(v, "database.path", *dbPath, *dbPath != "")
	setIf(v, "fleet.device_timeout_minutes", *deviceTimeoutMinutes, *deviceTimeoutMinutes > 0)
	setIf(v, "fleet.retention_days", *retentionDays, *retentionDays > 0)
	setIf(v, "logging.level", *logLevel, *logLevel != "")
	setIf(v, "mcp.transport", *mcpTransport, *mcpTransport != "")
	setIf(v, "mcp.addr", *mcpAddr, *mcpAddr != "")

	// The minutes/days knobs are sugar over the fleet module's config keys.
	if mins := v.GetInt("fleet.device_timeout_minutes"); mins > 0 {
		v.Set("plugins.fleet.device_timeout", time.Duration(mins)*time.Minute)
	}
	if days := v.GetInt("fleet.retention_days"); days > 0 {
		v.Set("plugins.fleet.sensor_retention_days", days)
		v.Set("plugins.fleet.error_retention_days", days)
	}

	cfg := config.New(v)

	// Logger writes to stderr only; the stdio transport owns stdout.
	logger, err := config.NewLogger(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("EdgeBridge starting", zap.String("version", version.Short()))
	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("source", f))
	}

	db, err := store.New(v.GetString("database.path"))
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		logger.Fatal("database version check failed", zap.Error(err))
	}
	logger.Info("database initialized", zap.String("path", v.GetString("database.path")))

	bus := event.NewBus(logger.Named("event"))
	reg := registry.New(logger.Named("registry"), bus)

	fleetMod := fleet.NewModule()
	mqttMod := mqtt.NewModule()
	mcpMod := mcp.New()

	for _, m := range []plugin.Plugin{fleetMod, mqttMod, mcpMod} {
		if err := reg.Register(m); err != nil {
			logger.Fatal("failed to register module", zap.Error(err))
		}
	}
	if err := reg.Validate(); err != nil {
		logger.Fatal("module validation failed", zap.Error(err))
	}

	if err := reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.Sub("plugins." + name),
			Logger:  logger.Named(name),
			Store:   db,
			Bus:     bus,
			Plugins: reg,
		}
	}); err != nil {
		logger.Fatal("failed to initialize modules", zap.Error(err))
	}

	// Composition-root wiring: telemetry flows mqtt -> fleet, tool calls
	// flow mcp -> fleet/mqtt. Adapters keep the modules decoupled.
	mqttMod.SetSink(fleetMod)
	mcpMod.SetQuerier(fleetMod.Manager())
	if fleetMod.Store() != nil {
		mcpMod.SetHistory(fleetMod.Store())
	}
	mcpMod.SetCommander(&commandAdapter{mqtt: mqttMod, fleet: fleetMod.Manager()})

	if err := mqttMod.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		logger.Warn("failed to register mqtt metrics", zap.Error(err))
	}

	if err := reg.StartAll(ctx); err != nil {
		logger.Fatal("failed to start modules", zap.Error(err))
	}

	sigCtx, sigCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	exitCode := 0
	switch transport := v.GetString("mcp.transport"); transport {
	case "", "stdio":
		logger.Info("serving MCP on stdio")
		if err := mcpMod.Run(sigCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("mcp server error", zap.Error(err))
			exitCode = 1
		}
	case "http":
		addr := v.GetString("mcp.addr")
		if addr == "" {
			addr = "127.0.0.1:8970"
		}
		if err := serveHTTP(sigCtx, logger, addr, mcpMod); err != nil {
			logger.Error("http server error", zap.Error(err))
			exitCode = 1
		}
	default:
		logger.Error("unknown mcp transport", zap.String("transport", transport))
		exitCode = 1
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	reg.StopAll(shutdownCtx)

	logger.Info("EdgeBridge stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// serveHTTP mounts the MCP streamable handler and Prometheus metrics,
// then blocks until ctx is canceled.
func serveHTTP(ctx context.Context, logger *zap.Logger, addr string, mcpMod *mcp.Module) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpMod.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving MCP over http", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadConfig builds the viper instance: defaults, then an optional config
// file, then environment variables.
func loadConfig(path string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("database.path", "edgebridge.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("mcp.transport", "stdio")
	v.SetDefault("mcp.addr", "127.0.0.1:8970")

	envBindings := map[string]string{
		"plugins.mqtt.broker":          "MQTT_BROKER",
		"plugins.mqtt.port":            "MQTT_PORT",
		"plugins.mqtt.username":        "MQTT_USERNAME",
		"plugins.mqtt.password":        "MQTT_PASSWORD",
		"database.path":                "DB_PATH",
		"fleet.device_timeout_minutes": "DEVICE_TIMEOUT_MINUTES",
		"fleet.retention_days":         "RETENTION_DAYS",
		"logging.level":                "LOG_LEVEL",
		"mcp.transport":                "MCP_TRANSPORT",
		"mcp.addr":                     "MCP_ADDR",
		"plugins.mcp.api_key":          "MCP_API_KEY",
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("edgebridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/edgebridge")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	// Sub() does not see env-bound values; materialize them into the
	// override layer so per-module config sections pick them up.
	for key := range envBindings {
		if v.IsSet(key) {
			v.Set(key, v.Get(key))
		}
	}
	return v, nil
}

func setIf(v *viper.Viper, key string, value any, ok bool) {
	if ok {
		v.Set(key, value)
	}
}

// commandAdapter routes actuator commands through the mqtt module and
// bumps the per-device sent counter on success. Lives in the composition
// root to avoid coupling mcp -> mqtt.
type commandAdapter struct {
	mqtt  *mqtt.Module
	fleet *fleet.Manager
}

func (a *commandAdapter) PublishCommand(ctx context.Context, deviceID, actuatorType, action string, value any) (time.Time, error) {
	ts, err := a.mqtt.PublishCommand(ctx, deviceID, actuatorType, action, value)
	if err != nil {
		return time.Time{}, err
	}
	a.fleet.IncrementSent(deviceID)
	return ts, nil
}

func (a *commandAdapter) Connected() bool {
	return a.mqtt.Connected()
}

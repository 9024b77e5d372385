// identitygw is the edge identity translation gateway.
//
// It receives telemetry from protocol translation modules on behalf of leaf
// devices that cannot talk to the cloud hub themselves, registers each new
// device with the cloud, and once the cloud confirms, gives the device its
// own hub connection. Direct methods sent to a registered device are routed
// back to the translation module and the device's answer is returned to the
// caller.
//
// Configuration is read from IDENTITYGW_CONFIG (default configs/config.yaml)
// with IoT Edge runtime variables applied on top.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-identity/internal/api"
	"github.com/nerrad567/gray-logic-identity/internal/audit"
	"github.com/nerrad567/gray-logic-identity/internal/bridges/leafmqtt"
	"github.com/nerrad567/gray-logic-identity/internal/gateway"
	"github.com/nerrad567/gray-logic-identity/internal/hub"
	"github.com/nerrad567/gray-logic-identity/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-identity/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-identity/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-identity/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-identity/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-identity/internal/leaf"
	"github.com/nerrad567/gray-logic-identity/internal/metrics"
	"github.com/nerrad567/gray-logic-identity/internal/signing"
	"github.com/nerrad567/gray-logic-identity/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// defaultGatewayPort is the hub port on the edge gateway host.
const defaultGatewayPort = "4222"

// startupCheckTimeout bounds the health checks run before serving.
const startupCheckTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "issue-token" {
		if err := issueToken(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence with one defer per component
	log := logging.Default()
	log.Info("starting identity gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"edge_device_id", cfg.Gateway.EdgeDeviceID,
		"edge_module_id", cfg.Gateway.EdgeModuleID,
		"signing_mode", cfg.Signing.Mode,
	)

	checks := make(map[string]api.HealthChecker)

	// Registration journal (optional)
	var repo *audit.SQLiteRepository
	if cfg.Database.Enabled {
		db, openErr := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if openErr != nil {
			return fmt.Errorf("opening database: %w", openErr)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		repo = audit.NewSQLiteRepository(db.DB)
		checks["database"] = db
		log.Info("registration journal enabled", "path", cfg.Database.Path)
	} else {
		log.Info("registration journal disabled")
	}

	// InfluxDB event sink (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Hub connection
	if cfg.Hub.GatewayURL == "" && cfg.Gateway.GatewayHostname != "" {
		cfg.Hub.GatewayURL = "nats://" + net.JoinHostPort(cfg.Gateway.GatewayHostname, defaultGatewayPort)
		log.Info("using edge gateway for device connections", "url", cfg.Hub.GatewayURL)
	}
	if cfg.Frontend.Enabled {
		routeFrontend(&cfg.Hub, cfg.Gateway.EdgeModuleID, cfg.Frontend.ModuleID)
	}
	hubClient, err := hub.Connect(ctx, cfg.Hub, log.Component("hub"))
	if err != nil {
		return fmt.Errorf("connecting to hub: %w", err)
	}
	defer func() {
		log.Info("closing hub connection")
		if closeErr := hubClient.Close(); closeErr != nil {
			log.Error("error closing hub connection", "error", closeErr)
		}
	}()
	checks["hub"] = hubClient

	signer, err := newSigner(cfg.Signing, cfg.Gateway.EdgeModuleID)
	if err != nil {
		return fmt.Errorf("creating signer: %w", err)
	}

	registry := leaf.NewRegistry(leaf.Options{
		CacheMessages:     cfg.Gateway.CacheMessagesDuringRegistration,
		MaxCachedMessages: cfg.Gateway.MaxCachedMessages,
	})
	defer func() {
		log.Info("closing leaf device connections", "devices", registry.Count())
		if closeErr := registry.Close(); closeErr != nil {
			log.Error("error closing leaf device connections", "error", closeErr)
		}
	}()

	// Metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var sink metrics.PointWriter
	if influxClient != nil {
		sink = influxClient
	}
	recorder, err := metrics.NewRecorder(promRegistry, sink)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	// Journal events go to the database and to WebSocket subscribers.
	events := api.NewEventHub(log.Component("events"))
	go events.Run(ctx)
	journal := &journalFanout{events: events}
	if repo != nil {
		journal.repo = repo
	}

	gw, err := gateway.New(gateway.Options{
		Identity: gateway.Identity{
			EdgeDeviceID: cfg.Gateway.EdgeDeviceID,
			EdgeModuleID: cfg.Gateway.EdgeModuleID,
			HubHostname:  cfg.Gateway.HubHostname,
		},
		Module:               hubClient.Module(cfg.Gateway.EdgeModuleID),
		Registry:             registry,
		Devices:              &deviceConnector{factory: hub.NewDeviceFactory(cfg.Hub, cfg.Gateway.UseTransparentGateway, log.Component("device"))},
		Signer:               signer,
		DefaultMethodTimeout: cfg.MethodTimeout(),
		Journal:              journal,
		Metrics:              recorder,
		Logger:               log.Component("gateway"),
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	promRegistry.MustRegister(metrics.NewStateCollector(registry, gw))

	if err := gw.Start(); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	defer gw.Stop()
	log.Info("gateway started", "module", cfg.Gateway.EdgeModuleID)

	// MQTT front-end for leaf devices (optional)
	if cfg.Frontend.Enabled {
		mqttClient, connErr := mqtt.Connect(cfg.MQTT)
		if connErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", connErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		checks["mqtt"] = mqttClient

		bridge, bridgeErr := leafmqtt.New(leafmqtt.Options{
			MQTT:   mqttClient,
			Module: hubClient.Module(cfg.Frontend.ModuleID),
			QoS:    byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
			Logger: log.Component("leafmqtt"),
		})
		if bridgeErr != nil {
			return fmt.Errorf("creating MQTT front-end: %w", bridgeErr)
		}
		if startErr := bridge.Start(); startErr != nil {
			return fmt.Errorf("starting MQTT front-end: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT front-end")
			bridge.Stop()
		}()
	} else {
		log.Info("MQTT front-end disabled")
	}

	// Operator API
	deps := api.Deps{
		Config:   cfg.API,
		Logger:   log.Component("api"),
		Registry: registry,
		Methods:  gw,
		Events:   events,
		Metrics:  promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{Registry: promRegistry}),
		Checks:   checks,
		Version:  version,
	}
	if repo != nil {
		deps.Journal = repo
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, front-end, MQTT, gateway
	// lanes, device connections, hub, InfluxDB, database.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses IDENTITYGW_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("IDENTITYGW_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck runs every component check concurrently.
//
// Returns:
//   - error: The first failure, prefixed with the component name
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	ctx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		g.Go(func() error {
			if err := check.HealthCheck(gctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// newSigner builds the signer for the configured mode.
func newSigner(cfg config.SigningConfig, moduleID string) (signing.Signer, error) {
	switch cfg.Mode {
	case config.SigningModeHMAC:
		return signing.NewHMACSigner(cfg.HMACKey)
	case config.SigningModeWorkload:
		return signing.NewWorkloadSigner(signing.WorkloadConfig{
			URI:          cfg.WorkloadURI,
			ModuleID:     moduleID,
			GenerationID: cfg.ModuleGenerationID,
			KeyID:        cfg.KeyID,
			Timeout:      time.Duration(cfg.Timeout) * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown signing mode %q", cfg.Mode)
	}
}

// routeFrontend points the front-end's outputs at the gateway's inputs and
// the gateway's request output at the front-end's input, so both modules
// can share one process without a separate routing layer. Explicit
// hub.routes entries win.
func routeFrontend(cfg *config.HubConfig, gatewayModule, frontendModule string) {
	subjects := hub.Subjects{Prefix: cfg.SubjectPrefix}
	if cfg.Routes == nil {
		cfg.Routes = make(map[string]string)
	}
	defaults := map[string]string{
		leafmqtt.OutputTelemetry:          subjects.ModuleInput(gatewayModule, gateway.InputTelemetry),
		leafmqtt.OutputMethodResponse:     subjects.ModuleInput(gatewayModule, gateway.InputDirectMethodResponse),
		gateway.OutputDirectMethodRequest: subjects.ModuleInput(frontendModule, leafmqtt.InputMethodRequest),
	}
	for output, subject := range defaults {
		if _, ok := cfg.Routes[output]; !ok {
			cfg.Routes[output] = subject
		}
	}
}

// issueToken prints a bearer token for the operator API.
func issueToken(args []string) error {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	subject := fs.String("subject", "operator", "token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := api.NewToken(cfg.API.Auth.JWTSecret, cfg.API.Auth.Issuer, *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

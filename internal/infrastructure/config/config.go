package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// minJWTSecretLength is the shortest accepted HS256 secret.
const minJWTSecretLength = 32

// Config is the root configuration structure for the identity gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Hub      HubConfig      `yaml:"hub"`
	Signing  SigningConfig  `yaml:"signing"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Frontend FrontendConfig `yaml:"frontend"`
	Database DatabaseConfig `yaml:"database"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GatewayConfig contains the identity of this edge module and the
// registration behaviour for leaf devices.
type GatewayConfig struct {
	EdgeDeviceID    string `yaml:"edge_device_id"`
	EdgeModuleID    string `yaml:"edge_module_id"`
	HubHostname     string `yaml:"hub_hostname"`
	GatewayHostname string `yaml:"gateway_hostname"`

	// UseTransparentGateway routes device clients through the gateway
	// endpoint instead of connecting to the hub directly.
	UseTransparentGateway bool `yaml:"use_transparent_gateway"`

	CacheMessagesDuringRegistration bool `yaml:"cache_messages_during_registration"`

	// MaxCachedMessages bounds each device's registration buffer (0 = unbounded).
	MaxCachedMessages int `yaml:"max_cached_messages"`

	// DefaultMethodTimeout is used when a direct method carries no response
	// timeout, in seconds.
	DefaultMethodTimeout int `yaml:"default_method_timeout"`
}

// HubConfig contains the NATS connection used as the cloud hub transport.
type HubConfig struct {
	URL        string `yaml:"url"`
	GatewayURL string `yaml:"gateway_url"`
	Name       string `yaml:"name"`

	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	TLS HubTLSConfig `yaml:"tls"`

	// SubjectPrefix is the first token of every subject the gateway uses.
	SubjectPrefix string `yaml:"subject_prefix"`

	ConnectTimeout int                `yaml:"connect_timeout"`
	Reconnect      HubReconnectConfig `yaml:"reconnect"`

	// Routes maps an output name to the subject it publishes to, overriding
	// the module's default output subject.
	Routes map[string]string `yaml:"routes"`

	// Inputs maps an input name to the subject it subscribes to, overriding
	// the module's default input subject.
	Inputs map[string]string `yaml:"inputs"`
}

// HubTLSConfig contains client TLS settings for the hub connection.
type HubTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// HubReconnectConfig contains hub reconnection settings.
type HubReconnectConfig struct {
	Wait        int `yaml:"wait"`
	MaxAttempts int `yaml:"max_attempts"`
}

// Signing modes.
const (
	SigningModeWorkload = "workload"
	SigningModeHMAC     = "hmac"
)

// SigningConfig selects how device credentials are derived.
type SigningConfig struct {
	// Mode is "workload" (edge security daemon) or "hmac" (local key).
	Mode string `yaml:"mode"`

	WorkloadURI        string `yaml:"workload_uri"`
	ModuleGenerationID string `yaml:"module_generation_id"`
	KeyID              string `yaml:"key_id"`

	// HMACKey is the base64-encoded key used in hmac mode.
	HMACKey string `yaml:"hmac_key"`

	// Timeout bounds a single signing call, in seconds.
	Timeout int `yaml:"timeout"`
}

// DatabaseConfig contains SQLite settings for the registration journal.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the leaf front-end.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// FrontendConfig controls the MQTT topic front-end for leaf devices.
type FrontendConfig struct {
	Enabled bool `yaml:"enabled"`

	// ModuleID is the hub module identity the front-end sends as.
	ModuleID string `yaml:"module_id"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig       `yaml:"cors"`
	Auth      APIAuthConfig    `yaml:"auth"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// APIAuthConfig controls bearer token authentication for operator endpoints.
type APIAuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens. Empty disables authentication.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer"`
}

// WebSocketConfig contains settings for the journal event stream.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern IDENTITYGW_SECTION_KEY, e.g.
// IDENTITYGW_HUB_URL. The IoT Edge runtime variables (IOTEDGE_DEVICEID,
// IOTEDGE_MODULEID, IOTEDGE_IOTHUBHOSTNAME, IOTEDGE_GATEWAYHOSTNAME,
// IOTEDGE_WORKLOADURI, IOTEDGE_MODULEGENERATIONID) are honoured too.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			EdgeModuleID:                    "IdentityTranslationLite",
			UseTransparentGateway:           true,
			CacheMessagesDuringRegistration: true,
			MaxCachedMessages:               1000,
			DefaultMethodTimeout:            30,
		},
		Hub: HubConfig{
			URL:            "nats://localhost:4222",
			Name:           "identitygw",
			SubjectPrefix:  "edge",
			ConnectTimeout: 5,
			Reconnect: HubReconnectConfig{
				Wait:        2,
				MaxAttempts: -1,
			},
		},
		Signing: SigningConfig{
			Mode:    SigningModeWorkload,
			KeyID:   "primary",
			Timeout: 10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "identitygw-frontend",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Frontend: FrontendConfig{
			ModuleID: "ProtocolTranslationMqtt",
		},
		Database: DatabaseConfig{
			Path:        "./data/identitygw.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// IoT Edge runtime
	if v := os.Getenv("IOTEDGE_DEVICEID"); v != "" {
		cfg.Gateway.EdgeDeviceID = v
	}
	if v := os.Getenv("IOTEDGE_MODULEID"); v != "" {
		cfg.Gateway.EdgeModuleID = v
	}
	if v := os.Getenv("IOTEDGE_IOTHUBHOSTNAME"); v != "" {
		cfg.Gateway.HubHostname = v
	}
	if v := os.Getenv("IOTEDGE_GATEWAYHOSTNAME"); v != "" {
		cfg.Gateway.GatewayHostname = v
	}
	if v := os.Getenv("IOTEDGE_WORKLOADURI"); v != "" {
		cfg.Signing.WorkloadURI = v
	}
	if v := os.Getenv("IOTEDGE_MODULEGENERATIONID"); v != "" {
		cfg.Signing.ModuleGenerationID = v
	}

	// Gateway
	if v := os.Getenv("IDENTITYGW_GATEWAY_USE_TRANSPARENT_GATEWAY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Gateway.UseTransparentGateway = b
		}
	}
	if v := os.Getenv("IDENTITYGW_GATEWAY_CACHE_MESSAGES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Gateway.CacheMessagesDuringRegistration = b
		}
	}

	// Hub
	if v := os.Getenv("IDENTITYGW_HUB_URL"); v != "" {
		cfg.Hub.URL = v
	}
	if v := os.Getenv("IDENTITYGW_HUB_GATEWAY_URL"); v != "" {
		cfg.Hub.GatewayURL = v
	}
	if v := os.Getenv("IDENTITYGW_HUB_TOKEN"); v != "" {
		cfg.Hub.Token = v
	}
	if v := os.Getenv("IDENTITYGW_HUB_USERNAME"); v != "" {
		cfg.Hub.Username = v
	}
	if v := os.Getenv("IDENTITYGW_HUB_PASSWORD"); v != "" {
		cfg.Hub.Password = v
	}

	// Signing
	if v := os.Getenv("IDENTITYGW_SIGNING_MODE"); v != "" {
		cfg.Signing.Mode = v
	}
	if v := os.Getenv("IDENTITYGW_SIGNING_HMAC_KEY"); v != "" {
		cfg.Signing.HMACKey = v
	}

	// Database
	if v := os.Getenv("IDENTITYGW_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("IDENTITYGW_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("IDENTITYGW_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("IDENTITYGW_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("IDENTITYGW_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("IDENTITYGW_API_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}

	// InfluxDB
	if v := os.Getenv("IDENTITYGW_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("IDENTITYGW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Gateway validation
	if c.Gateway.EdgeDeviceID == "" {
		errs = append(errs, "gateway.edge_device_id is required (set IOTEDGE_DEVICEID)")
	}
	if c.Gateway.EdgeModuleID == "" {
		errs = append(errs, "gateway.edge_module_id is required")
	}
	if c.Gateway.MaxCachedMessages < 0 {
		errs = append(errs, "gateway.max_cached_messages must not be negative")
	}
	if c.Gateway.DefaultMethodTimeout <= 0 {
		errs = append(errs, "gateway.default_method_timeout must be positive")
	}

	// Hub validation
	if c.Hub.URL == "" {
		errs = append(errs, "hub.url is required")
	}
	if c.Hub.SubjectPrefix == "" || strings.ContainsAny(c.Hub.SubjectPrefix, " *>") {
		errs = append(errs, "hub.subject_prefix must be a non-empty subject without wildcards")
	}

	// Signing validation
	switch c.Signing.Mode {
	case SigningModeWorkload:
		if c.Signing.WorkloadURI == "" {
			errs = append(errs, "signing.workload_uri is required in workload mode (set IOTEDGE_WORKLOADURI)")
		}
		if c.Signing.ModuleGenerationID == "" {
			errs = append(errs, "signing.module_generation_id is required in workload mode (set IOTEDGE_MODULEGENERATIONID)")
		}
	case SigningModeHMAC:
		if c.Signing.HMACKey == "" {
			errs = append(errs, "signing.hmac_key is required in hmac mode (set IDENTITYGW_SIGNING_HMAC_KEY)")
		}
	default:
		errs = append(errs, fmt.Sprintf("signing.mode %q must be %q or %q", c.Signing.Mode, SigningModeWorkload, SigningModeHMAC))
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the journal is enabled")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.Frontend.Enabled && c.Frontend.ModuleID == "" {
		errs = append(errs, "frontend.module_id is required when the front-end is enabled")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Auth.JWTSecret != "" && len(c.API.Auth.JWTSecret) < minJWTSecretLength {
		errs = append(errs, fmt.Sprintf("api.auth.jwt_secret must be at least %d characters", minJWTSecretLength))
	}
	if c.API.WebSocket.PingInterval <= 0 || c.API.WebSocket.PongTimeout <= 0 {
		errs = append(errs, "api.websocket ping_interval and pong_timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// MethodTimeout returns the default direct-method response timeout.
func (c *Config) MethodTimeout() time.Duration {
	return time.Duration(c.Gateway.DefaultMethodTimeout) * time.Second
}

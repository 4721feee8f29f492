package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/knx-process/internal/knx"
)

// ConfigEnv names the environment variable that overrides the config path.
const ConfigEnv = "KNXPROC_CONFIG"

// DefaultPath is the config file used when KNXPROC_CONFIG is not set.
const DefaultPath = "configs/config.yaml"

// Link types.
const (
	LinkKNXD    = "knxd"
	LinkVirtual = "virtual"
)

// Config is the root configuration structure for the KNX process daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Link       LinkConfig        `yaml:"link"`
	Process    ProcessConfig     `yaml:"process"`
	Datapoints []DatapointConfig `yaml:"datapoints"`

	// DatapointsFile is an optional ETS export (.knxproj, .xml or .csv)
	// whose group addresses are added to the catalog after Datapoints.
	DatapointsFile string `yaml:"datapoints_file"`

	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LinkConfig selects and configures the bus link.
type LinkConfig struct {
	// Type is "knxd" or "virtual".
	Type string `yaml:"type"`

	KNXD    KNXDLinkConfig    `yaml:"knxd"`
	Virtual VirtualLinkConfig `yaml:"virtual"`
}

// KNXDLinkConfig contains knxd connection settings.
type KNXDLinkConfig struct {
	// URL is "tcp://host:port" or "unix:///path/to/socket".
	URL string `yaml:"url"`

	// Timeouts in seconds.
	ConnectTimeout    int `yaml:"connect_timeout"`
	ReadTimeout       int `yaml:"read_timeout"`
	ReconnectInterval int `yaml:"reconnect_interval"`
}

// VirtualLinkConfig configures the in-memory network.
type VirtualLinkConfig struct {
	// Responder answers read requests with the last written value.
	Responder bool `yaml:"responder"`

	// ResponseDelay is the responder's reply delay in milliseconds.
	ResponseDelay int `yaml:"response_delay"`
}

// ProcessConfig contains communicator settings.
type ProcessConfig struct {
	// ResponseTimeout is the read response timeout in seconds (>= 1).
	ResponseTimeout int `yaml:"response_timeout"`

	// Priority is the default send priority: system, normal, urgent or low.
	Priority string `yaml:"priority"`
}

// DatapointConfig names a group address and its datapoint type.
type DatapointConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	DPT     string `yaml:"dpt"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Auth     APIAuthConfig    `yaml:"auth"`
}

// APIAuthConfig contains bearer token settings for the routes that write to
// the bus or stream it. An empty secret leaves those routes open.
type APIAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// MinJWTSecretLength is the shortest HMAC secret accepted for api.auth.
const MinJWTSecretLength = 32

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Path returns the config file path from KNXPROC_CONFIG, or DefaultPath.
func Path() string {
	if v := os.Getenv(ConfigEnv); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: KNXPROC_SECTION_KEY
// For example: KNXPROC_LINK_URL, KNXPROC_PROCESS_RESPONSE_TIMEOUT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Link: LinkConfig{
			Type: LinkKNXD,
			KNXD: KNXDLinkConfig{
				URL:               "tcp://localhost:6720",
				ConnectTimeout:    10,
				ReadTimeout:       30,
				ReconnectInterval: 5,
			},
			Virtual: VirtualLinkConfig{
				Responder:     true,
				ResponseDelay: 50,
			},
		},
		Process: ProcessConfig{
			ResponseTimeout: 5,
			Priority:        "low",
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/knxprocess.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "knxprocess",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "knx",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: KNXPROC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Link
	if v := os.Getenv("KNXPROC_LINK_TYPE"); v != "" {
		cfg.Link.Type = v
	}
	if v := os.Getenv("KNXPROC_LINK_URL"); v != "" {
		cfg.Link.KNXD.URL = v
	}

	// Process
	if v := os.Getenv("KNXPROC_PROCESS_RESPONSE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Process.ResponseTimeout = n
		}
	}
	if v := os.Getenv("KNXPROC_PROCESS_PRIORITY"); v != "" {
		cfg.Process.Priority = v
	}

	if v := os.Getenv("KNXPROC_DATAPOINTS_FILE"); v != "" {
		cfg.DatapointsFile = v
	}

	// Database
	if v := os.Getenv("KNXPROC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("KNXPROC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("KNXPROC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("KNXPROC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("KNXPROC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("KNXPROC_API_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}

	// InfluxDB
	if v := os.Getenv("KNXPROC_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("KNXPROC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Link validation
	switch c.Link.Type {
	case LinkKNXD:
		if c.Link.KNXD.URL == "" {
			errs = append(errs, "link.knxd.url is required for a knxd link")
		}
	case LinkVirtual:
		if c.Link.Virtual.ResponseDelay < 0 {
			errs = append(errs, "link.virtual.response_delay must not be negative")
		}
	default:
		errs = append(errs, fmt.Sprintf("link.type must be %q or %q", LinkKNXD, LinkVirtual))
	}

	// Process validation
	if c.Process.ResponseTimeout < 1 {
		errs = append(errs, "process.response_timeout must be at least 1 second")
	}
	if _, err := knx.ParsePriority(c.Process.Priority); err != nil {
		errs = append(errs, "process.priority must be system, normal, urgent or low")
	}

	// Datapoint validation
	names := make(map[string]bool, len(c.Datapoints))
	for i, dp := range c.Datapoints {
		if dp.Name == "" {
			errs = append(errs, fmt.Sprintf("datapoints[%d].name is required", i))
		} else if names[dp.Name] {
			errs = append(errs, fmt.Sprintf("datapoints[%d].name %q is duplicated", i, dp.Name))
		}
		names[dp.Name] = true
		if _, err := knx.ParseGroupAddress(dp.Address); err != nil {
			errs = append(errs, fmt.Sprintf("datapoints[%d].address: %v", i, err))
		}
		if _, err := knx.ParseDPT(dp.DPT); err != nil {
			errs = append(errs, fmt.Sprintf("datapoints[%d].dpt: %v", i, err))
		}
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if n := len(c.API.Auth.JWTSecret); n > 0 && n < MinJWTSecretLength {
		errs = append(errs, fmt.Sprintf("api.auth.jwt_secret must be at least %d characters", MinJWTSecretLength))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetResponseTimeout returns the read response timeout as a Duration.
func (c *Config) GetResponseTimeout() time.Duration {
	return time.Duration(c.Process.ResponseTimeout) * time.Second
}

// GetPriority returns the configured default send priority.
func (c *Config) GetPriority() knx.Priority {
	p, err := knx.ParsePriority(c.Process.Priority)
	if err != nil {
		return knx.PriorityLow
	}
	return p
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

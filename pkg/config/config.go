package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	rmerrors "github.com/remote-mirror/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Remote  RemoteConfig  `yaml:"remote"`
	Timing  TimingConfig  `yaml:"timing"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RemoteConfig describes one peer endpoint. It is consumed as an immutable
// snapshot: a reload builds a new client instead of patching this one.
type RemoteConfig struct {
	UniqueID    string `yaml:"unique_id"`    // Expected peer uuid (optional). A probe returning a different uuid is rejected
	Host        string `yaml:"host"`         // Peer host name or IP
	Port        int    `yaml:"port"`         // Peer port
	Secure      bool   `yaml:"secure"`       // Use https/wss
	VerifySSL   bool   `yaml:"verify_ssl"`   // Verify the peer certificate when secure
	AccessToken string `yaml:"access_token"` // Long-lived access token for the peer

	EntityPrefix  string   `yaml:"entity_prefix"`  // Prefix added to the object id of every mirrored entity (e.g. "remote_")
	ServicePrefix string   `yaml:"service_prefix"` // Prefix added to proxied service names
	Services      []string `yaml:"services"`       // Remote services to proxy, as "domain.service"

	SubscribeEvents []string     `yaml:"subscribe_events"` // Remote event types to subscribe to; state_changed is always added
	Include         EntitySet    `yaml:"include"`
	Exclude         EntitySet    `yaml:"exclude"`
	Filter          []FilterRule `yaml:"filter"`

	// Customize is an attribute overlay keyed by local (prefixed) entity id
	Customize map[string]map[string]interface{} `yaml:"customize"`

	MaxMessageSize int64 `yaml:"max_message_size"` // Websocket read limit in bytes
}

// EntitySet is a set of domains and entity ids
type EntitySet struct {
	Domains  []string `yaml:"domains"`
	Entities []string `yaml:"entities"`
}

// FilterRule rejects numeric values outside [Above, Below] for matching entities
type FilterRule struct {
	EntityID          string   `yaml:"entity_id"`           // Entity id or glob pattern; empty matches all
	UnitOfMeasurement string   `yaml:"unit_of_measurement"` // Only apply when the entity reports this unit
	Above             *float64 `yaml:"above"`               // Lower bound
	Below             *float64 `yaml:"below"`               // Upper bound
}

// TimingConfig connection timing in seconds
type TimingConfig struct {
	ReconnectInterval  int `yaml:"reconnect_interval"`   // Delay between reconnect attempts
	HeartbeatInterval  int `yaml:"heartbeat_interval"`   // Ping interval while connected
	HeartbeatTimeout   int `yaml:"heartbeat_timeout"`    // Pong wait before the channel is closed
	ServiceCallTimeout int `yaml:"service_call_timeout"` // Wait for a proxied service response
	ProbeTimeout       int `yaml:"probe_timeout"`        // Discovery request timeout
	HandshakeTimeout   int `yaml:"handshake_timeout"`    // Websocket dial + auth timeout
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig local HTTP surface configuration
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
	TelemetryPath string `yaml:"telemetry_path"`
}

// DefaultMaxMessageSize is the websocket read limit when none is configured
const DefaultMaxMessageSize = 16 * 1024 * 1024

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		// Try default path
		configPath = "config.yaml"
	}

	// Check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	return Parse(data)
}

// Parse decodes YAML, applies defaults and environment overrides
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	// Set default values
	config.SetDefaults()

	// Apply environment variable overrides
	config.ApplyEnvOverrides()

	return &config, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Remote.Port == 0 {
		c.Remote.Port = 8123
	}
	if c.Remote.MaxMessageSize == 0 {
		c.Remote.MaxMessageSize = DefaultMaxMessageSize
	}

	if c.Timing.ReconnectInterval == 0 {
		c.Timing.ReconnectInterval = 10
	}
	if c.Timing.HeartbeatInterval == 0 {
		c.Timing.HeartbeatInterval = 20
	}
	if c.Timing.HeartbeatTimeout == 0 {
		c.Timing.HeartbeatTimeout = 5
	}
	if c.Timing.ServiceCallTimeout == 0 {
		c.Timing.ServiceCallTimeout = 10
	}
	if c.Timing.ProbeTimeout == 0 {
		c.Timing.ProbeTimeout = 10
	}
	if c.Timing.HandshakeTimeout == 0 {
		c.Timing.HandshakeTimeout = 10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9090"
	}
	if c.Metrics.TelemetryPath == "" {
		c.Metrics.TelemetryPath = "/metrics"
	}
}

// Validate checks the settings a connection cannot work without
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Remote.Host) == "" {
		problems = append(problems, "remote.host is required")
	}
	if c.Remote.Port <= 0 || c.Remote.Port > 65535 {
		problems = append(problems, fmt.Sprintf("remote.port %d out of range", c.Remote.Port))
	}
	if strings.TrimSpace(c.Remote.AccessToken) == "" {
		problems = append(problems, "remote.access_token is required")
	}
	// A prefix containing the domain separator cannot be stripped back off
	if strings.Contains(c.Remote.EntityPrefix, ".") {
		problems = append(problems, "remote.entity_prefix must not contain '.'")
	}
	if strings.Contains(c.Remote.ServicePrefix, ".") {
		problems = append(problems, "remote.service_prefix must not contain '.'")
	}
	for _, svc := range c.Remote.Services {
		if domain, name, ok := strings.Cut(svc, "."); !ok || domain == "" || name == "" {
			problems = append(problems, fmt.Sprintf("remote.services entry %q is not domain.service", svc))
		}
	}
	for i, rule := range c.Remote.Filter {
		if rule.Above != nil && rule.Below != nil && *rule.Above > *rule.Below {
			problems = append(problems, fmt.Sprintf("remote.filter[%d] above %v is greater than below %v", i, *rule.Above, *rule.Below))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", rmerrors.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// GetReconnectInterval gets reconnect interval
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.Timing.ReconnectInterval) * time.Second
}

// GetHeartbeatInterval gets heartbeat interval
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Timing.HeartbeatInterval) * time.Second
}

// GetHeartbeatTimeout gets the pong wait
func (c *Config) GetHeartbeatTimeout() time.Duration {
	return time.Duration(c.Timing.HeartbeatTimeout) * time.Second
}

// GetServiceCallTimeout gets the proxied service call timeout
func (c *Config) GetServiceCallTimeout() time.Duration {
	return time.Duration(c.Timing.ServiceCallTimeout) * time.Second
}

// GetProbeTimeout gets discovery request timeout
func (c *Config) GetProbeTimeout() time.Duration {
	return time.Duration(c.Timing.ProbeTimeout) * time.Second
}

// GetHandshakeTimeout gets websocket dial and auth timeout
func (c *Config) GetHandshakeTimeout() time.Duration {
	return time.Duration(c.Timing.HandshakeTimeout) * time.Second
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	// Remote endpoint
	if val := os.Getenv("REMOTE_HOST"); val != "" {
		c.Remote.Host = val
	}
	if val := os.Getenv("REMOTE_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Remote.Port = i
		}
	}
	if val := os.Getenv("REMOTE_SECURE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Remote.Secure = b
		}
	}
	if val := os.Getenv("REMOTE_VERIFY_SSL"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Remote.VerifySSL = b
		}
	}
	if val := os.Getenv("REMOTE_ACCESS_TOKEN"); val != "" {
		c.Remote.AccessToken = val
	}
	if val := os.Getenv("REMOTE_UNIQUE_ID"); val != "" {
		c.Remote.UniqueID = val
	}
	if val := os.Getenv("REMOTE_ENTITY_PREFIX"); val != "" {
		c.Remote.EntityPrefix = val
	}
	if val := os.Getenv("REMOTE_SERVICE_PREFIX"); val != "" {
		c.Remote.ServicePrefix = val
	}
	if val := os.Getenv("REMOTE_SERVICES"); val != "" {
		c.Remote.Services = splitList(val)
	}
	if val := os.Getenv("REMOTE_SUBSCRIBE_EVENTS"); val != "" {
		c.Remote.SubscribeEvents = splitList(val)
	}

	// Timing
	if val := os.Getenv("REMOTE_RECONNECT_INTERVAL_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Timing.ReconnectInterval = i
		}
	}
	if val := os.Getenv("REMOTE_HEARTBEAT_INTERVAL_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Timing.HeartbeatInterval = i
		}
	}
	if val := os.Getenv("REMOTE_HEARTBEAT_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Timing.HeartbeatTimeout = i
		}
	}
	if val := os.Getenv("REMOTE_SERVICE_CALL_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Timing.ServiceCallTimeout = i
		}
	}

	// Log config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	// Metrics config
	if val := os.Getenv("METRICS_LISTEN_ADDRESS"); val != "" {
		c.Metrics.ListenAddress = val
	}
	if val := os.Getenv("METRICS_TELEMETRY_PATH"); val != "" {
		c.Metrics.TelemetryPath = val
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

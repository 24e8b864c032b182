package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level tollgate configuration file. The
// mapstructure tags let viper unmarshal the same layout after merging
// environment variables and flags.
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway" mapstructure:"gateway"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Security  SecurityConfig  `yaml:"security" mapstructure:"security"`
	Events    EventsConfig    `yaml:"events" mapstructure:"events"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host" mapstructure:"host"`
	Port            int        `yaml:"port" mapstructure:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CORS            CORSConfig `yaml:"cors" mapstructure:"cors"`
}

// CORSConfig controls cross-origin resource sharing for the dashboard.
type CORSConfig struct {
	Origins []string `yaml:"origins" mapstructure:"origins"`
	Methods []string `yaml:"methods" mapstructure:"methods"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver  string `yaml:"driver" mapstructure:"driver"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
}

// StoreOptions converts the database section into Open arguments.
func (d DatabaseConfig) StoreOptions() StoreOptions {
	return StoreOptions{Driver: d.Driver, DSN: d.DSN, DataDir: d.DataDir}
}

// AuthConfig controls operator authentication for the system API.
type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	JWTExpiry      string `yaml:"jwt_expiry" mapstructure:"jwt_expiry"`
	LoginRateLimit int    `yaml:"login_rate_limit" mapstructure:"login_rate_limit"`
}

// GatewayConfig controls the admission pipeline and upstream forwarding.
type GatewayConfig struct {
	Upstream            string      `yaml:"upstream" mapstructure:"upstream"`
	LookupTimeout       string      `yaml:"lookup_timeout" mapstructure:"lookup_timeout"`
	PerEndpointLimit    bool        `yaml:"per_endpoint_limit" mapstructure:"per_endpoint_limit"`
	TokenReloadInterval string      `yaml:"token_reload_interval" mapstructure:"token_reload_interval"`
	IPRuleCacheTTL      string      `yaml:"ip_rule_cache_ttl" mapstructure:"ip_rule_cache_ttl"`
	Routes              []RouteYAML `yaml:"routes,omitempty" mapstructure:"routes"`
}

// RouteYAML overrides one entry of the gateway route table. An empty
// scope list marks a public route.
type RouteYAML struct {
	Name    string   `yaml:"name" mapstructure:"name"`
	Method  string   `yaml:"method" mapstructure:"method"`
	Pattern string   `yaml:"pattern" mapstructure:"pattern"`
	Scopes  []string `yaml:"scopes,omitempty" mapstructure:"scopes"`
}

// RateLimitConfig controls the fixed-window counters and the settings cache.
type RateLimitConfig struct {
	DefaultGlobalLimit int    `yaml:"default_global_limit" mapstructure:"default_global_limit"`
	Window             string `yaml:"window" mapstructure:"window"`
	SweepInterval      string `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	SettingsTTL        string `yaml:"settings_ttl" mapstructure:"settings_ttl"`
}

// SecurityConfig controls threat classification and suspicious detection.
type SecurityConfig struct {
	HighDistinctTypes   int    `yaml:"high_distinct_types" mapstructure:"high_distinct_types"`
	HighEventCount      int    `yaml:"high_event_count" mapstructure:"high_event_count"`
	MediumDistinctTypes int    `yaml:"medium_distinct_types" mapstructure:"medium_distinct_types"`
	MediumEventCount    int    `yaml:"medium_event_count" mapstructure:"medium_event_count"`
	SuspiciousWindow    string `yaml:"suspicious_window" mapstructure:"suspicious_window"`
	SuspiciousThreshold int    `yaml:"suspicious_threshold" mapstructure:"suspicious_threshold"`
	AutoBlock           bool   `yaml:"auto_block" mapstructure:"auto_block"`
	AutoBlockTTL        string `yaml:"auto_block_ttl" mapstructure:"auto_block_ttl"`
	EventRetention      string `yaml:"event_retention" mapstructure:"event_retention"`
}

// EventsConfig controls the asynchronous security event recorder.
type EventsConfig struct {
	BufferSize   int        `yaml:"buffer_size" mapstructure:"buffer_size"`
	BatchSize    int        `yaml:"batch_size" mapstructure:"batch_size"`
	FlushTimeout string     `yaml:"flush_timeout" mapstructure:"flush_timeout"`
	AMQP         AMQPConfig `yaml:"amqp" mapstructure:"amqp"`
}

// AMQPConfig enables forwarding of security events to a message broker.
type AMQPConfig struct {
	URL        string `yaml:"url" mapstructure:"url"`
	Exchange   string `yaml:"exchange" mapstructure:"exchange"`
	RoutingKey string `yaml:"routing_key" mapstructure:"routing_key"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file on top of the
// defaults. Environment variables referenced as ${VAR_NAME} in the file are
// expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			},
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
		},
		Auth: AuthConfig{
			JWTExpiry:      "1h",
			LoginRateLimit: 10,
		},
		Gateway: GatewayConfig{
			LookupTimeout:       "2s",
			TokenReloadInterval: "30s",
			IPRuleCacheTTL:      "5m",
		},
		RateLimit: RateLimitConfig{
			DefaultGlobalLimit: 1000,
			Window:             "60s",
			SweepInterval:      "60s",
			SettingsTTL:        "30s",
		},
		Security: SecurityConfig{
			HighDistinctTypes:   3,
			HighEventCount:      50,
			MediumDistinctTypes: 2,
			MediumEventCount:    10,
			SuspiciousWindow:    "5m",
			SuspiciousThreshold: 20,
			AutoBlockTTL:        "24h",
			EventRetention:      "720h",
		},
		Events: EventsConfig{
			BufferSize:   4096,
			BatchSize:    128,
			FlushTimeout: "1s",
			AMQP: AMQPConfig{
				Exchange:   "tollgate.security",
				RoutingKey: "security.event",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for values that would make the server
// misbehave at runtime. All problems are reported together.
func (c *YAMLConfig) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "", DriverSQLite:
	case DriverPostgres, DriverMySQL:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Gateway.Upstream != "" {
		if u, err := url.Parse(c.Gateway.Upstream); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("gateway.upstream %q is not an absolute URL", c.Gateway.Upstream))
		}
	}
	if c.RateLimit.DefaultGlobalLimit <= 0 {
		errs = append(errs, errors.New("rate_limit.default_global_limit must be positive"))
	}
	if c.Security.HighEventCount < c.Security.MediumEventCount ||
		c.Security.HighDistinctTypes < c.Security.MediumDistinctTypes {
		errs = append(errs, errors.New("security high thresholds must not be below medium thresholds"))
	}

	durations := map[string]string{
		"server.shutdown_timeout":       c.Server.ShutdownTimeout,
		"auth.jwt_expiry":               c.Auth.JWTExpiry,
		"gateway.lookup_timeout":        c.Gateway.LookupTimeout,
		"gateway.token_reload_interval": c.Gateway.TokenReloadInterval,
		"gateway.ip_rule_cache_ttl":     c.Gateway.IPRuleCacheTTL,
		"rate_limit.window":             c.RateLimit.Window,
		"rate_limit.sweep_interval":     c.RateLimit.SweepInterval,
		"rate_limit.settings_ttl":       c.RateLimit.SettingsTTL,
		"security.suspicious_window":    c.Security.SuspiciousWindow,
		"security.auto_block_ttl":       c.Security.AutoBlockTTL,
		"security.event_retention":      c.Security.EventRetention,
		"events.flush_timeout":          c.Events.FlushTimeout,
	}
	for key, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	for i, r := range c.Gateway.Routes {
		if r.Name == "" || r.Pattern == "" || !strings.HasPrefix(r.Pattern, "/") {
			errs = append(errs, fmt.Errorf("gateway.routes[%d]: name and an absolute pattern are required", i))
		}
	}
	return errors.Join(errs...)
}

// Duration parses v, falling back to def when v is empty or malformed.
func Duration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

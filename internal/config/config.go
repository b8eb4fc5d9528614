package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Hub         HubConfig         `yaml:"hub"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Simulation  SimulationConfig  `yaml:"simulation"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Port              string        `yaml:"port"`
	CORSAllowOrigin   string        `yaml:"cors_allow_origin"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	RateLimit         int           `yaml:"rate_limit"`
	RateWindow        time.Duration `yaml:"rate_window"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
	MaxBatchSize      int           `yaml:"max_batch_size"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type AuthConfig struct {
	IngestAPIKey    string `yaml:"ingest_api_key"`
	JWTSecret       string `yaml:"jwt_secret"`
	RequireReadAuth bool   `yaml:"require_read_auth"`
	RequireWSAuth   bool   `yaml:"require_ws_auth"`
}

type HubConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	StatusInterval time.Duration `yaml:"status_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
	ReadLimit      int64         `yaml:"read_limit"`
}

type PersistenceConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	AlertInterval  time.Duration `yaml:"alert_interval"`
}

type SimulationConfig struct {
	Enabled  bool          `yaml:"enabled"`
	DeviceID string        `yaml:"device_id"`
	Interval time.Duration `yaml:"interval"`
	Seed     int64         `yaml:"seed"`
}

type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			CORSAllowOrigin: "*",
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       600,
			RateWindow:      time.Minute,
			MaxBatchSize:    500,
		},
		Database: DatabaseConfig{
			MaxConns: 10,
		},
		Hub: HubConfig{
			QueueSize:      256,
			StatusInterval: time.Minute,
			PongWait:       60 * time.Second,
			ReadLimit:      64 << 10,
		},
		Persistence: PersistenceConfig{
			BufferSize:     10000,
			BatchSize:      200,
			FlushInterval:  500 * time.Millisecond,
			MaxRetries:     3,
			RetryBaseDelay: 200 * time.Millisecond,
			RetryMaxDelay:  5 * time.Second,
			WriteTimeout:   5 * time.Second,
			ShutdownGrace:  10 * time.Second,
			AlertInterval:  30 * time.Second,
		},
		Simulation: SimulationConfig{
			Enabled:  true,
			DeviceID: "sim-machine-01",
			Interval: 5 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// Load layers defaults, the optional YAML file at path and environment
// overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error

	setString(lookup, "PORT", &c.Server.Port)
	setString(lookup, "CORS_ALLOW_ORIGIN", &c.Server.CORSAllowOrigin)
	setDuration(lookup, "SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout, &errs)
	setInt(lookup, "RATE_LIMIT", &c.Server.RateLimit, &errs)
	setBool(lookup, "TRUST_PROXY_HEADERS", &c.Server.TrustProxyHeaders, &errs)

	setString(lookup, "DATABASE_URL", &c.Database.URL)
	var maxConns int
	if setInt(lookup, "PG_MAX_CONNS", &maxConns, &errs) {
		c.Database.MaxConns = int32(maxConns)
	}

	setString(lookup, "INGEST_API_KEY", &c.Auth.IngestAPIKey)
	setString(lookup, "JWT_SECRET", &c.Auth.JWTSecret)
	setBool(lookup, "REQUIRE_READ_AUTH", &c.Auth.RequireReadAuth, &errs)
	setBool(lookup, "REQUIRE_WS_AUTH", &c.Auth.RequireWSAuth, &errs)

	setInt(lookup, "HUB_QUEUE_SIZE", &c.Hub.QueueSize, &errs)
	setDuration(lookup, "STATUS_INTERVAL", &c.Hub.StatusInterval, &errs)

	setInt(lookup, "PERSIST_BUFFER_SIZE", &c.Persistence.BufferSize, &errs)
	setInt(lookup, "PERSIST_BATCH_SIZE", &c.Persistence.BatchSize, &errs)
	setDuration(lookup, "PERSIST_FLUSH_INTERVAL", &c.Persistence.FlushInterval, &errs)

	setBool(lookup, "SIMULATION_ENABLED", &c.Simulation.Enabled, &errs)
	setString(lookup, "SIMULATION_DEVICE_ID", &c.Simulation.DeviceID)
	setDuration(lookup, "SIMULATION_INTERVAL", &c.Simulation.Interval, &errs)

	setString(lookup, "ALERT_WEBHOOK_URL", &c.Alerts.WebhookURL)

	setString(lookup, "LOG_LEVEL", &c.Log.Level)
	setString(lookup, "LOG_FORMAT", &c.Log.Format)
	setString(lookup, "LOG_FILE", &c.Log.File)

	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Port == "" {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.CORSAllowOrigin == "" {
		c.Server.CORSAllowOrigin = defaults.Server.CORSAllowOrigin
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Server.RateWindow <= 0 {
		c.Server.RateWindow = defaults.Server.RateWindow
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Simulation.DeviceID == "" {
		c.Simulation.DeviceID = defaults.Simulation.DeviceID
	}
}

func (c *Config) validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server.port must be numeric, got %q", c.Server.Port)
	}
	if c.Server.RateLimit < 1 {
		return fmt.Errorf("server.rate_limit must be positive")
	}
	if c.Server.MaxBatchSize < 1 {
		return fmt.Errorf("server.max_batch_size must be positive")
	}
	if c.Hub.QueueSize < 1 {
		return fmt.Errorf("hub.queue_size must be positive")
	}
	if c.Persistence.BufferSize < 1 {
		return fmt.Errorf("persistence.buffer_size must be positive")
	}
	if c.Persistence.BatchSize < 1 || c.Persistence.BatchSize > c.Persistence.BufferSize {
		return fmt.Errorf("persistence.batch_size must be between 1 and buffer_size")
	}
	if c.Persistence.MaxRetries < 0 {
		return fmt.Errorf("persistence.max_retries must not be negative")
	}
	if c.Simulation.Enabled && c.Simulation.Interval <= 0 {
		return fmt.Errorf("simulation.interval must be positive when simulation is enabled")
	}
	if (c.Auth.RequireReadAuth || c.Auth.RequireWSAuth) && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when token auth is enabled")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

func setString(lookup lookupFunc, key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func setInt(lookup lookupFunc, key string, target *int, errs *[]error) bool {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return false
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return false
	}
	*target = parsed
	return true
}

func setBool(lookup lookupFunc, key string, target *bool, errs *[]error) {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*target = parsed
}

func setDuration(lookup lookupFunc, key string, target *time.Duration, errs *[]error) {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*target = parsed
}

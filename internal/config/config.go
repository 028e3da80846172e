// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the beergarden daemon configuration from a YAML file
// and BG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete beergarden configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	DB        DBConfig        `yaml:"db"`
	Blob      BlobConfig      `yaml:"blob"`
	AMQ       AMQConfig       `yaml:"amq"`
	Request   RequestConfig   `yaml:"request"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Plugin    PluginConfig    `yaml:"plugin"`
	Auth      AuthConfig      `yaml:"auth"`
	Garden    GardenConfig    `yaml:"garden"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP API. Host, Port, URLPrefix and the TLS
// fields are also handed to plugins so they can reach the API.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	URLPrefix       string        `yaml:"url_prefix"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SSL             SSLConfig     `yaml:"ssl"`
}

// SSLConfig configures TLS for the API listener.
type SSLConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CACert   string `yaml:"ca_cert"`
	CAVerify bool   `yaml:"ca_verify"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig configures logging.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// DBConfig selects the data store.
type DBConfig struct {
	// Type is "memory" or "sqlite".
	Type string `yaml:"type"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// OverflowThreshold is the encoded size in bytes above which request
	// output and parameters are moved to the blob store. Zero disables it.
	OverflowThreshold int `yaml:"overflow_threshold"`
}

// BlobConfig selects the blob store used for oversized request fields.
type BlobConfig struct {
	// Type is "memory" or "redis".
	Type     string        `yaml:"type"`
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// AMQConfig configures the message broker.
type AMQConfig struct {
	// Type is "memory" or "nats".
	Type string `yaml:"type"`
	// URL is the broker connection URL handed to plugins and used by the
	// daemon to connect.
	URL string `yaml:"url"`
	// AdminQueueExpiry is how long an unused admin queue survives.
	AdminQueueExpiry time.Duration `yaml:"admin_queue_expiry"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
}

// RequestConfig configures the request engine.
type RequestConfig struct {
	// CommandChoicesTimeout bounds a choices sub-request.
	CommandChoicesTimeout time.Duration `yaml:"command_choices_timeout"`
	// ChoicesMaxDepth bounds nested choices sub-requests.
	ChoicesMaxDepth int `yaml:"choices_max_depth"`
	// URLChoicesTimeout bounds a url choices lookup.
	URLChoicesTimeout time.Duration `yaml:"url_choices_timeout"`
	URLChoicesRetries int           `yaml:"url_choices_retries"`
}

// SchedulerConfig configures the job scheduler.
type SchedulerConfig struct {
	MaxWorkers       int           `yaml:"max_workers"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	MisfireGraceTime time.Duration `yaml:"misfire_grace_time"`
	// FileEventsPerMinute caps events delivered per file trigger. Zero is
	// unlimited.
	FileEventsPerMinute int `yaml:"file_events_per_minute"`
}

// PluginConfig configures local plugin supervision.
type PluginConfig struct {
	Local            LocalPluginConfig `yaml:"local"`
	HeartbeatTimeout time.Duration     `yaml:"heartbeat_timeout"`
}

// LocalPluginConfig configures plugins launched by the runner manager.
type LocalPluginConfig struct {
	Directory     string        `yaml:"directory"`
	DefaultPython string        `yaml:"default_python"`
	LogLevel      string        `yaml:"log_level"`
	HostEnvVars   []string      `yaml:"host_env_vars"`
	Auth          PluginAuth    `yaml:"auth"`
	Timeout       PluginTimeout `yaml:"timeout"`
	Restart       PluginRestart `yaml:"restart"`
}

// PluginRestart bounds how plugins that crash during startup are retried.
type PluginRestart struct {
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// PluginAuth holds the credentials plugins use against the API.
type PluginAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PluginTimeout configures runner start and stop timeouts.
type PluginTimeout struct {
	Startup  time.Duration `yaml:"startup"`
	Shutdown time.Duration `yaml:"shutdown"`
}

// AuthConfig configures authentication and authorization.
type AuthConfig struct {
	Enabled              bool          `yaml:"enabled"`
	TokenSecret          string        `yaml:"token_secret"`
	AccessTokenTTL       time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL      time.Duration `yaml:"refresh_token_ttl"`
	DefaultAdminUsername string        `yaml:"default_admin_username"`
	DefaultAdminPassword string        `yaml:"default_admin_password"`
}

// GardenConfig names the local garden.
type GardenConfig struct {
	Name string `yaml:"name"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is "otlp" or "console".
	Exporter   string  `yaml:"exporter"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            2337,
			URLPrefix:       "/",
			ShutdownTimeout: 10 * time.Second,
			SSL:             SSLConfig{CAVerify: true},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		DB: DBConfig{
			Type:              "sqlite",
			Path:              filepath.Join(defaultDataDir(), "beergarden.db"),
			OverflowThreshold: 15 * 1024 * 1024,
		},
		Blob: BlobConfig{
			Type: "memory",
			TTL:  7 * 24 * time.Hour,
		},
		AMQ: AMQConfig{
			Type:             "memory",
			URL:              "nats://localhost:4222",
			AdminQueueExpiry: time.Hour,
			ConnectTimeout:   5 * time.Second,
		},
		Request: RequestConfig{
			CommandChoicesTimeout: 10 * time.Second,
			ChoicesMaxDepth:       3,
			URLChoicesTimeout:     10 * time.Second,
			URLChoicesRetries:     2,
		},
		Scheduler: SchedulerConfig{
			MaxWorkers:       10,
			TickInterval:     time.Second,
			MisfireGraceTime: time.Minute,
		},
		Plugin: PluginConfig{
			Local: LocalPluginConfig{
				Directory:     filepath.Join(defaultDataDir(), "plugins"),
				DefaultPython: "python",
				HostEnvVars:   []string{"PATH", "PYTHONPATH", "LANG", "LC_ALL", "TZ"},
				Auth:          PluginAuth{Username: "plugin_admin"},
				Timeout: PluginTimeout{
					Startup:  5 * time.Second,
					Shutdown: 10 * time.Second,
				},
				Restart: PluginRestart{
					Backoff:     time.Second,
					MaxBackoff:  time.Minute,
					MaxAttempts: 5,
				},
			},
			HeartbeatTimeout: 5 * time.Minute,
		},
		Auth: AuthConfig{
			AccessTokenTTL:       15 * time.Minute,
			RefreshTokenTTL:      7 * 24 * time.Hour,
			DefaultAdminUsername: "admin",
		},
		Garden: GardenConfig{
			Name: "default",
		},
		Tracing: TracingConfig{
			Exporter:   "otlp",
			SampleRate: 1.0,
		},
	}
}

// Load loads configuration from an optional YAML file and environment
// variables. Environment variables take precedence over file-based
// configuration.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &bgerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &bgerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with defaults.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.URLPrefix == "" {
		c.Server.URLPrefix = d.Server.URLPrefix
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.DB.Type == "" {
		c.DB.Type = d.DB.Type
	}
	if c.DB.Path == "" {
		c.DB.Path = d.DB.Path
	}
	if c.Blob.Type == "" {
		c.Blob.Type = d.Blob.Type
	}
	if c.Blob.TTL == 0 {
		c.Blob.TTL = d.Blob.TTL
	}
	if c.AMQ.Type == "" {
		c.AMQ.Type = d.AMQ.Type
	}
	if c.AMQ.URL == "" {
		c.AMQ.URL = d.AMQ.URL
	}
	if c.AMQ.AdminQueueExpiry == 0 {
		c.AMQ.AdminQueueExpiry = d.AMQ.AdminQueueExpiry
	}
	if c.AMQ.ConnectTimeout == 0 {
		c.AMQ.ConnectTimeout = d.AMQ.ConnectTimeout
	}
	if c.Request.CommandChoicesTimeout == 0 {
		c.Request.CommandChoicesTimeout = d.Request.CommandChoicesTimeout
	}
	if c.Request.ChoicesMaxDepth == 0 {
		c.Request.ChoicesMaxDepth = d.Request.ChoicesMaxDepth
	}
	if c.Request.URLChoicesTimeout == 0 {
		c.Request.URLChoicesTimeout = d.Request.URLChoicesTimeout
	}
	if c.Scheduler.MaxWorkers == 0 {
		c.Scheduler.MaxWorkers = d.Scheduler.MaxWorkers
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = d.Scheduler.TickInterval
	}
	if c.Scheduler.MisfireGraceTime == 0 {
		c.Scheduler.MisfireGraceTime = d.Scheduler.MisfireGraceTime
	}
	if c.Plugin.Local.Directory == "" {
		c.Plugin.Local.Directory = d.Plugin.Local.Directory
	}
	if c.Plugin.Local.DefaultPython == "" {
		c.Plugin.Local.DefaultPython = d.Plugin.Local.DefaultPython
	}
	if c.Plugin.Local.HostEnvVars == nil {
		c.Plugin.Local.HostEnvVars = d.Plugin.Local.HostEnvVars
	}
	if c.Plugin.Local.Auth.Username == "" {
		c.Plugin.Local.Auth.Username = d.Plugin.Local.Auth.Username
	}
	if c.Plugin.Local.Timeout.Startup == 0 {
		c.Plugin.Local.Timeout.Startup = d.Plugin.Local.Timeout.Startup
	}
	if c.Plugin.Local.Timeout.Shutdown == 0 {
		c.Plugin.Local.Timeout.Shutdown = d.Plugin.Local.Timeout.Shutdown
	}
	if c.Plugin.Local.Restart.Backoff == 0 {
		c.Plugin.Local.Restart.Backoff = d.Plugin.Local.Restart.Backoff
	}
	if c.Plugin.Local.Restart.MaxBackoff == 0 {
		c.Plugin.Local.Restart.MaxBackoff = d.Plugin.Local.Restart.MaxBackoff
	}
	if c.Plugin.Local.Restart.MaxAttempts == 0 {
		c.Plugin.Local.Restart.MaxAttempts = d.Plugin.Local.Restart.MaxAttempts
	}
	if c.Plugin.HeartbeatTimeout == 0 {
		c.Plugin.HeartbeatTimeout = d.Plugin.HeartbeatTimeout
	}
	if c.Auth.AccessTokenTTL == 0 {
		c.Auth.AccessTokenTTL = d.Auth.AccessTokenTTL
	}
	if c.Auth.RefreshTokenTTL == 0 {
		c.Auth.RefreshTokenTTL = d.Auth.RefreshTokenTTL
	}
	if c.Auth.DefaultAdminUsername == "" {
		c.Auth.DefaultAdminUsername = d.Auth.DefaultAdminUsername
	}
	if c.Garden.Name == "" {
		c.Garden.Name = d.Garden.Name
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = d.Tracing.Exporter
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = d.Tracing.SampleRate
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}
	if c.Server.SSL.Enabled && (c.Server.SSL.CertFile == "" || c.Server.SSL.KeyFile == "") {
		errs = append(errs, "server.ssl.cert_file and server.ssl.key_file are required when ssl is enabled")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	switch c.DB.Type {
	case "memory":
	case "sqlite":
		if c.DB.Path == "" {
			errs = append(errs, "db.path is required for the sqlite backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("db.type must be one of [memory, sqlite], got %q", c.DB.Type))
	}
	if c.DB.OverflowThreshold < 0 {
		errs = append(errs, fmt.Sprintf("db.overflow_threshold must not be negative, got %d", c.DB.OverflowThreshold))
	}

	switch c.Blob.Type {
	case "memory":
	case "redis":
		if c.Blob.RedisURL == "" {
			errs = append(errs, "blob.redis_url is required for the redis blob store")
		}
	default:
		errs = append(errs, fmt.Sprintf("blob.type must be one of [memory, redis], got %q", c.Blob.Type))
	}

	switch c.AMQ.Type {
	case "memory":
	case "nats":
		if c.AMQ.URL == "" {
			errs = append(errs, "amq.url is required for the nats broker")
		}
	default:
		errs = append(errs, fmt.Sprintf("amq.type must be one of [memory, nats], got %q", c.AMQ.Type))
	}
	if c.AMQ.AdminQueueExpiry <= 0 {
		errs = append(errs, fmt.Sprintf("amq.admin_queue_expiry must be positive, got %v", c.AMQ.AdminQueueExpiry))
	}

	if c.Request.ChoicesMaxDepth < 1 {
		errs = append(errs, fmt.Sprintf("request.choices_max_depth must be at least 1, got %d", c.Request.ChoicesMaxDepth))
	}
	if c.Request.CommandChoicesTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("request.command_choices_timeout must be positive, got %v", c.Request.CommandChoicesTimeout))
	}

	if c.Scheduler.MaxWorkers < 1 {
		errs = append(errs, fmt.Sprintf("scheduler.max_workers must be at least 1, got %d", c.Scheduler.MaxWorkers))
	}
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, fmt.Sprintf("scheduler.tick_interval must be positive, got %v", c.Scheduler.TickInterval))
	}

	if c.Plugin.Local.Timeout.Shutdown <= 0 {
		errs = append(errs, fmt.Sprintf("plugin.local.timeout.shutdown must be positive, got %v", c.Plugin.Local.Timeout.Shutdown))
	}

	if c.Auth.Enabled && len(c.Auth.TokenSecret) < 32 {
		errs = append(errs, "auth.token_secret must be at least 32 bytes when auth is enabled")
	}

	if c.Tracing.Enabled {
		if c.Tracing.Exporter != "otlp" && c.Tracing.Exporter != "console" {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [otlp, console], got %q", c.Tracing.Exporter))
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// defaultDataDir returns the XDG data directory for beergarden.
func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "beergarden")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "beergarden")
	}
	return filepath.Join(os.TempDir(), "beergarden")
}

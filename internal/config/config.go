// Package config provides the configuration schema and loading for
// Postfixer.
//
// Configuration is layered: built-in defaults, then a YAML file, then
// environment variables, then command line flags. Every key can be set via
// the environment using the POSTFIXER_ prefix with dots replaced by
// underscores (POSTFIXER_ADMIN_PORT overrides admin.port). Three legacy
// aliases are honoured without the prefix: POLICY_SERVER_HOST,
// POLICY_SERVER_PORT and CORS_DOMAIN.
package config

import (
	"log/slog"
	"net"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	// PolicyServer configures the TCP listener Postfix connects to.
	PolicyServer PolicyServerConfig `yaml:"policy_server" mapstructure:"policy_server"`

	// Admin configures the management REST API listener.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Store configures rule, limiter and inquiry persistence.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Retention configures how long inquiry history is kept.
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`

	// Emitter configures the async observer queue.
	Emitter EmitterConfig `yaml:"emitter" mapstructure:"emitter"`

	// Tracing enables the OpenTelemetry stdout exporter.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// Log configures the slog handler.
	Log LogConfig `yaml:"log" mapstructure:"log"`
}

// PolicyServerConfig configures the MTA-facing listener.
type PolicyServerConfig struct {
	Host string `yaml:"host" mapstructure:"host" validate:"required"`
	Port int    `yaml:"port" mapstructure:"port" validate:"gte=1,lte=65535"`
}

// Addr returns the host:port listen address.
func (c PolicyServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AdminConfig configures the management API listener.
type AdminConfig struct {
	Host string `yaml:"host" mapstructure:"host" validate:"required"`
	Port int    `yaml:"port" mapstructure:"port" validate:"gte=1,lte=65535"`

	// CORSOrigin is the dashboard origin allowed on /api/ routes.
	CORSOrigin string `yaml:"cors_origin" mapstructure:"cors_origin"`

	// APIKeyHash is an argon2id hash (from `postfixer hash-key`) required
	// as a bearer key on mutating routes. Empty disables auth.
	APIKeyHash string `yaml:"api_key_hash" mapstructure:"api_key_hash" validate:"omitempty,argon2id_hash"`
}

// Addr returns the host:port listen address.
func (c AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" keeps everything in
	// process memory (useful for development).
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
}

// RetentionConfig configures the inquiry history sweeper.
type RetentionConfig struct {
	InquiryTTL    time.Duration `yaml:"inquiry_ttl" mapstructure:"inquiry_ttl" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"gt=0"`
}

// EmitterConfig configures the async observer queue between the decision
// pipeline and the websocket hub.
type EmitterConfig struct {
	QueueSize   int           `yaml:"queue_size" mapstructure:"queue_size" validate:"gte=1"`
	SendTimeout time.Duration `yaml:"send_timeout" mapstructure:"send_timeout" validate:"gte=0"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
}

// SlogLevel maps the configured level name onto a slog level.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefaults fills unset fields with the documented defaults. Existing
// values are preserved.
func (c *Config) SetDefaults() {
	if c.PolicyServer.Host == "" {
		c.PolicyServer.Host = "0.0.0.0"
	}
	if c.PolicyServer.Port == 0 {
		c.PolicyServer.Port = 5002
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "0.0.0.0"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 5003
	}
	if c.Admin.CORSOrigin == "" {
		c.Admin.CORSOrigin = "http://localhost:3000"
	}
	if c.Store.Path == "" {
		c.Store.Path = "postfixer.db"
	}
	if c.Retention.InquiryTTL == 0 {
		c.Retention.InquiryTTL = 24 * time.Hour
	}
	if c.Retention.SweepInterval == 0 {
		c.Retention.SweepInterval = 2 * time.Hour
	}
	if c.Emitter.QueueSize == 0 {
		c.Emitter.QueueSize = 256
	}
	if c.Emitter.SendTimeout == 0 {
		c.Emitter.SendTimeout = 50 * time.Millisecond
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Default returns a configuration with every field at its default.
func Default() Config {
	var c Config
	c.SetDefaults()
	return c
}

// DefaultYAML renders the default configuration as a YAML document, with
// durations in their human-readable form. Used by `postfixer init-config`.
func DefaultYAML() ([]byte, error) {
	c := Default()
	doc := struct {
		PolicyServer struct {
			Host string `yaml:"host"`
			Port int    `yaml:"port"`
		} `yaml:"policy_server"`
		Admin struct {
			Host       string `yaml:"host"`
			Port       int    `yaml:"port"`
			CORSOrigin string `yaml:"cors_origin"`
			APIKeyHash string `yaml:"api_key_hash"`
		} `yaml:"admin"`
		Store struct {
			Path string `yaml:"path"`
		} `yaml:"store"`
		Retention struct {
			InquiryTTL    string `yaml:"inquiry_ttl"`
			SweepInterval string `yaml:"sweep_interval"`
		} `yaml:"retention"`
		Emitter struct {
			QueueSize   int    `yaml:"queue_size"`
			SendTimeout string `yaml:"send_timeout"`
		} `yaml:"emitter"`
		Tracing struct {
			Enabled bool `yaml:"enabled"`
		} `yaml:"tracing"`
		Log struct {
			Level string `yaml:"level"`
		} `yaml:"log"`
	}{}

	doc.PolicyServer.Host = c.PolicyServer.Host
	doc.PolicyServer.Port = c.PolicyServer.Port
	doc.Admin.Host = c.Admin.Host
	doc.Admin.Port = c.Admin.Port
	doc.Admin.CORSOrigin = c.Admin.CORSOrigin
	doc.Admin.APIKeyHash = c.Admin.APIKeyHash
	doc.Store.Path = c.Store.Path
	doc.Retention.InquiryTTL = c.Retention.InquiryTTL.String()
	doc.Retention.SweepInterval = c.Retention.SweepInterval.String()
	doc.Emitter.QueueSize = c.Emitter.QueueSize
	doc.Emitter.SendTimeout = c.Emitter.SendTimeout.String()
	doc.Tracing.Enabled = c.Tracing.Enabled
	doc.Log.Level = c.Log.Level

	return yaml.Marshal(doc)
}

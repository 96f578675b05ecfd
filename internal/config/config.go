// Package config provides configuration loading for dproxy.
package config

import (
	"time"
)

// Config is the root dproxy configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	CA         CAConfig         `mapstructure:"ca"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Forwarder  ForwarderConfig  `mapstructure:"forwarder"`
	Session    SessionConfig    `mapstructure:"session"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Admin      AdminConfig      `mapstructure:"admin"`
	TrafficLog TrafficLogConfig `mapstructure:"traffic_log"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	LogLevel   string           `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat  string           `mapstructure:"log_format" validate:"omitempty,oneof=text json"`
}

// ServerConfig configures the proxy listener.
type ServerConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	RequestTimeoutMs int    `mapstructure:"request_timeout_ms" validate:"omitempty,min=100"`
	MaxBodyBytes     int64  `mapstructure:"max_body_bytes" validate:"omitempty,min=1024"`
}

// CAConfig configures the certificate authority files.
type CAConfig struct {
	CertFile      string `mapstructure:"cert_file"`
	KeyFile       string `mapstructure:"key_file"`
	Organization  string `mapstructure:"organization"`
	ValidityYears int    `mapstructure:"validity_years" validate:"omitempty,min=1,max=30"`
}

// DatabaseConfig configures the SQLite record store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ForwarderConfig configures the upstream HTTP client.
type ForwarderConfig struct {
	ConnectTimeoutMs int  `mapstructure:"connect_timeout_ms" validate:"omitempty,min=100"`
	RequestTimeoutMs int  `mapstructure:"request_timeout_ms" validate:"omitempty,min=100"`
	MaxRetries       int  `mapstructure:"max_retries" validate:"omitempty,min=0,max=10"`
	MaxRedirects     int  `mapstructure:"max_redirects" validate:"omitempty,min=0,max=20"`
	InsecureUpstream bool `mapstructure:"insecure_upstream"`
}

// SessionConfig configures the session fabric.
type SessionConfig struct {
	ExpirySeconds int `mapstructure:"expiry_seconds" validate:"omitempty,min=60"`
}

// RateLimitConfig configures per-client request limiting on the proxy
// listener.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests" validate:"omitempty,min=1"`
	Window   time.Duration `mapstructure:"window"`
}

// AdminConfig configures the admin API listener.
type AdminConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	TokenHash string `mapstructure:"token_hash"`
}

// TrafficLogConfig configures the JSON Lines traffic log.
type TrafficLogConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Dir           string `mapstructure:"dir"`
	RetentionDays int    `mapstructure:"retention_days" validate:"omitempty,min=1"`
	MaxFileBytes  int64  `mapstructure:"max_file_bytes" validate:"omitempty,min=4096"`
}

// RetentionConfig configures the database retention sweeps.
type RetentionConfig struct {
	Schedule           string `mapstructure:"schedule" validate:"omitempty,cron_schedule"`
	StatsDays          int    `mapstructure:"stats_days" validate:"omitempty,min=1"`
	SessionsGraceHours int    `mapstructure:"sessions_grace_hours" validate:"omitempty,min=1"`
}

// SetDefaults fills zero-valued optional fields.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RequestTimeoutMs == 0 {
		c.Server.RequestTimeoutMs = 30000
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 10 * 1024 * 1024
	}

	if c.CA.CertFile == "" {
		c.CA.CertFile = "./data/ca/ca-cert.pem"
	}
	if c.CA.KeyFile == "" {
		c.CA.KeyFile = "./data/ca/ca-key.pem"
	}
	if c.CA.Organization == "" {
		c.CA.Organization = "dproxy"
	}
	if c.CA.ValidityYears == 0 {
		c.CA.ValidityYears = 10
	}

	if c.Database.Path == "" {
		c.Database.Path = "./data/proxy.db"
	}

	if c.Forwarder.ConnectTimeoutMs == 0 {
		c.Forwarder.ConnectTimeoutMs = 5000
	}
	if c.Forwarder.RequestTimeoutMs == 0 {
		c.Forwarder.RequestTimeoutMs = 30000
	}
	if c.Forwarder.MaxRetries == 0 {
		c.Forwarder.MaxRetries = 3
	}
	if c.Forwarder.MaxRedirects == 0 {
		c.Forwarder.MaxRedirects = 5
	}

	if c.Session.ExpirySeconds == 0 {
		c.Session.ExpirySeconds = 86400
	}

	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 1000
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}

	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8081
	}

	if c.TrafficLog.Dir == "" {
		c.TrafficLog.Dir = "./data/traffic"
	}
	if c.TrafficLog.RetentionDays == 0 {
		c.TrafficLog.RetentionDays = 7
	}
	if c.TrafficLog.MaxFileBytes == 0 {
		c.TrafficLog.MaxFileBytes = 100 * 1024 * 1024
	}

	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "0 3 * * *"
	}
	if c.Retention.StatsDays == 0 {
		c.Retention.StatsDays = 30
	}
	if c.Retention.SessionsGraceHours == 0 {
		c.Retention.SessionsGraceHours = 24
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// RequestTimeout returns the proxy request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutMs) * time.Millisecond
}

// SessionExpiry returns the session lifetime as a duration.
func (c *Config) SessionExpiry() time.Duration {
	return time.Duration(c.Session.ExpirySeconds) * time.Second
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. With an empty configFile the standard locations
// are searched for dproxy.yaml/.yml; the explicit extension requirement
// keeps Viper from matching the dproxy binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Nothing found; leave name/type set so ReadInConfig returns
		// ConfigFileNotFoundError, which callers treat as env-only mode.
		viper.SetConfigName("dproxy")
		viper.SetConfigType("yaml")
	}

	// Environment overrides: DPROXY_SERVER_PORT, DPROXY_LOG_LEVEL, ...
	viper.SetEnvPrefix("DPROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for dproxy.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".dproxy"),
		"/etc/dproxy",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "dproxy"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the nested config keys so environment
// variables can override them individually.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.host")
	_ = viper.BindEnv("server.port")
	_ = viper.BindEnv("server.request_timeout_ms")
	_ = viper.BindEnv("server.max_body_bytes")

	_ = viper.BindEnv("ca.cert_file")
	_ = viper.BindEnv("ca.key_file")
	_ = viper.BindEnv("ca.organization")
	_ = viper.BindEnv("ca.validity_years")

	_ = viper.BindEnv("database.path")

	_ = viper.BindEnv("forwarder.connect_timeout_ms")
	_ = viper.BindEnv("forwarder.request_timeout_ms")
	_ = viper.BindEnv("forwarder.max_retries")
	_ = viper.BindEnv("forwarder.max_redirects")
	_ = viper.BindEnv("forwarder.insecure_upstream")

	_ = viper.BindEnv("session.expiry_seconds")

	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.requests")
	_ = viper.BindEnv("rate_limit.window")

	_ = viper.BindEnv("admin.enabled")
	_ = viper.BindEnv("admin.host")
	_ = viper.BindEnv("admin.port")
	_ = viper.BindEnv("admin.token_hash")

	_ = viper.BindEnv("traffic_log.enabled")
	_ = viper.BindEnv("traffic_log.dir")
	_ = viper.BindEnv("traffic_log.retention_days")
	_ = viper.BindEnv("traffic_log.max_file_bytes")

	_ = viper.BindEnv("retention.schedule")
	_ = viper.BindEnv("retention.stats_days")
	_ = viper.BindEnv("retention.sessions_grace_hours")

	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("log_format")
}

// LoadConfig reads the configuration file, applies environment
// overrides and defaults, validates, and returns the Config. A missing
// config file is not an error; environment-only operation is supported.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or
// "" in environment-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// Package config provides configuration management for the authcache daemon.
//
// Configuration is loaded with viper and merged from the following sources,
// later sources overriding earlier ones:
//  1. Default values (SetDefaults)
//  2. A configuration file (JSON or YAML; path supplied by the host, or
//     discovered as ./authcache.yaml, /etc/authcache/authcache.yaml)
//  3. Environment variables with the AUTHCACHE_ prefix
//     (AUTHCACHE_REDIS_URL, AUTHCACHE_LDAP_BIND_PASSWORD, ...)
//
// The loaded Config is handed to cli for service wiring; packages never read
// viper directly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig contains the cache store connection settings.
type RedisConfig struct {
	// URL is the redis connection URL (e.g. redis://localhost:6379/0)
	URL string `mapstructure:"url"`

	// ConnectTimeout bounds a single connection attempt
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// RetryMin and RetryMax bound the exponential reconnect backoff
	RetryMin time.Duration `mapstructure:"retry_min"`
	RetryMax time.Duration `mapstructure:"retry_max"`
}

// LDAPConfig contains the directory server connection settings consumed by
// the changelog poller.
type LDAPConfig struct {
	// URL is the directory server URL (e.g. ldaps://ufds.example.com)
	URL string `mapstructure:"url"`

	// BindDN and BindPassword authenticate the changelog reader
	BindDN       string `mapstructure:"bind_dn"`
	BindPassword string `mapstructure:"bind_password"`

	// ChangelogDN is the changelog container (default: cn=changelog)
	ChangelogDN string `mapstructure:"changelog_dn"`

	// PollInterval is the delay between changelog polls when caught up
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Timeout bounds one changelog search; zero means PollInterval/2
	Timeout time.Duration `mapstructure:"timeout"`

	// PageSize limits entries per changelog search (default: 1000)
	PageSize int `mapstructure:"page_size"`
}

// ReplicatorConfig contains the replication driver settings.
type ReplicatorConfig struct {
	// RetryMin and RetryMax bound the commit retry backoff
	RetryMin time.Duration `mapstructure:"retry_min"`
	RetryMax time.Duration `mapstructure:"retry_max"`
}

// TokenConfig contains session token verification settings.
type TokenConfig struct {
	// Keys maps a token keyId to its HMAC secret. Tokens signed with an
	// unknown keyId are rejected.
	Keys map[string]string `mapstructure:"keys"`

	// MaxBytes caps the accepted token size (default: 64 KiB)
	MaxBytes int `mapstructure:"max_bytes"`

	// MaxSkew is the accepted request timestamp skew (default: 15m)
	MaxSkew time.Duration `mapstructure:"max_skew"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is a logrus level name (default: info)
	Level string `mapstructure:"level"`

	// Format is "text" or "json" (default: json)
	Format string `mapstructure:"format"`
}

// Config is the complete daemon configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	LDAP       LDAPConfig       `mapstructure:"ldap"`
	Replicator ReplicatorConfig `mapstructure:"replicator"`
	Token      TokenConfig      `mapstructure:"token"`
	Log        LogConfig        `mapstructure:"log"`
}

// SetDefaults registers the default values on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.connect_timeout", 2*time.Second)
	v.SetDefault("redis.retry_min", time.Second)
	v.SetDefault("redis.retry_max", 60*time.Second)

	v.SetDefault("ldap.changelog_dn", "cn=changelog")
	v.SetDefault("ldap.poll_interval", time.Second)
	v.SetDefault("ldap.page_size", 1000)

	v.SetDefault("replicator.retry_min", time.Second)
	v.SetDefault("replicator.retry_max", 60*time.Second)

	v.SetDefault("token.max_bytes", 64*1024)
	v.SetDefault("token.max_skew", 15*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads the configuration. path may be empty, in which case the default
// search locations are consulted; a missing file is not an error because the
// daemon can run entirely from environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("authcache")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/authcache")
	}

	v.SetEnvPrefix("AUTHCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.LDAP.Timeout == 0 {
		cfg.LDAP.Timeout = cfg.LDAP.PollInterval / 2
	}

	return &cfg, nil
}

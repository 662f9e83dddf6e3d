// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envListenAddr          = "PROXY_LISTEN_ADDR"
	envLogLevel            = "PROXY_LOG_LEVEL"
	envVerbose             = "PROXY_VERBOSE"
	envMaxHeaderBytes      = "PROXY_MAX_HEADER_BYTES"
	envReadHeaderTimeout   = "PROXY_READ_HEADER_TIMEOUT"
	envUpstreamDialTimeout = "PROXY_UPSTREAM_DIAL_TIMEOUT"
	envUpstreamConnTimeout = "PROXY_UPSTREAM_CONNECT_TIMEOUT"
	envGracefulShutdown    = "PROXY_GRACEFUL_SHUTDOWN"
	envRealm               = "PROXY_REALM"
	envAcceptRateLimit     = "PROXY_ACCEPT_RATE_LIMIT"
	envAcceptBurst         = "PROXY_ACCEPT_BURST"

	defaultListenAddr          = "127.0.0.1:8000"
	defaultLogLevel            = "info"
	defaultMaxHeaderBytes      = 1 << 20 // 1 MiB, generous enough that legitimate clients never trip 431.
	defaultReadHeaderTimeout   = 10 * time.Second
	defaultUpstreamDialTimeout = 10 * time.Second
	defaultUpstreamConnTimeout = 10 * time.Second
	defaultGracefulShutdown    = 10 * time.Second
	defaultRealm               = "forward-proxy"
	defaultAcceptRateLimit     = 0.0 // 0 disables admission rate limiting
	defaultAcceptBurst         = 1
)

// Config captures runtime settings for the proxy engine and its CLI front
// end.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	Verbose    bool   `yaml:"verbose"`
	Realm      string `yaml:"realm"`

	MaxHeaderBytes      int           `yaml:"max_header_bytes"`
	ReadHeaderTimeout    time.Duration `yaml:"read_header_timeout"`
	UpstreamDialTimeout  time.Duration `yaml:"upstream_dial_timeout"`
	UpstreamConnTimeout  time.Duration `yaml:"upstream_connect_timeout"`
	GracefulShutdown     time.Duration `yaml:"graceful_shutdown"`

	// AcceptRateLimit caps accepted connections per second; 0 disables the
	// limiter entirely. AcceptBurst is the token bucket's burst size.
	AcceptRateLimit float64 `yaml:"accept_rate_limit"`
	AcceptBurst     int     `yaml:"accept_burst"`
}

// Load reads configuration from an optional YAML file and then applies
// environment variable overrides, which always take precedence so
// container deployments can override a checked-in file.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.MaxHeaderBytes <= 0 {
		return Config{}, fmt.Errorf("max_header_bytes must be positive, got %d", cfg.MaxHeaderBytes)
	}

	return cfg, nil
}

// Defaults returns the configuration used when neither a file nor
// environment variables supply a value.
func Defaults() Config {
	return Config{
		ListenAddr:          defaultListenAddr,
		LogLevel:            defaultLogLevel,
		Realm:               defaultRealm,
		MaxHeaderBytes:      defaultMaxHeaderBytes,
		ReadHeaderTimeout:   defaultReadHeaderTimeout,
		UpstreamDialTimeout: defaultUpstreamDialTimeout,
		UpstreamConnTimeout: defaultUpstreamConnTimeout,
		GracefulShutdown:    defaultGracefulShutdown,
		AcceptRateLimit:     defaultAcceptRateLimit,
		AcceptBurst:         defaultAcceptBurst,
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.ListenAddr = getString(envListenAddr, cfg.ListenAddr)
	cfg.LogLevel = strings.ToLower(getString(envLogLevel, cfg.LogLevel))
	cfg.Verbose = getBool(envVerbose, cfg.Verbose)
	cfg.Realm = getString(envRealm, cfg.Realm)
	cfg.MaxHeaderBytes = getInt(envMaxHeaderBytes, cfg.MaxHeaderBytes)
	cfg.ReadHeaderTimeout = getDuration(envReadHeaderTimeout, cfg.ReadHeaderTimeout)
	cfg.UpstreamDialTimeout = getDuration(envUpstreamDialTimeout, cfg.UpstreamDialTimeout)
	cfg.UpstreamConnTimeout = getDuration(envUpstreamConnTimeout, cfg.UpstreamConnTimeout)
	cfg.GracefulShutdown = getDuration(envGracefulShutdown, cfg.GracefulShutdown)
	cfg.AcceptRateLimit = getFloat(envAcceptRateLimit, cfg.AcceptRateLimit)
	cfg.AcceptBurst = getInt(envAcceptBurst, cfg.AcceptBurst)
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getFloat(key string, fallback float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

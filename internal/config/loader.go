// Copyright (c) 2026 The agentd Authors
// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/coderunner-dev/agentd/internal/log"
)

// envLookupFunc mirrors os.LookupEnv's signature so callers can inject a
// fake environment in tests.
type envLookupFunc func(string) (string, bool)

// Env is the set of AGENTD_* environment overrides read once at load or
// reload time. Env values take precedence over the on-disk AppConfig for
// the fields they cover; this lets operators override a single setting
// (e.g. log level) without touching the config file.
type Env struct {
	HTTPListenAddr string
	WSListenAddr   string
	IPCSocketPath  string
	DataDir        string
	LogLevel       string
	HasLogLevel    bool
}

// ReadEnv reads runtime overrides using getenv (typically os.Getenv).
func ReadEnv(getenv func(string) string) (Env, error) {
	env := Env{
		HTTPListenAddr: getenv("AGENTD_HTTP_LISTEN_ADDR"),
		WSListenAddr:   getenv("AGENTD_WS_LISTEN_ADDR"),
		IPCSocketPath:  getenv("AGENTD_IPC_SOCKET_PATH"),
		DataDir:        getenv("AGENTD_DATA_DIR"),
	}
	if v := strings.TrimSpace(getenv("AGENTD_LOG_LEVEL")); v != "" {
		env.LogLevel = v
		env.HasLogLevel = true
	}
	return env, nil
}

// DefaultEnv returns the zero-value Env, used when the environment cannot
// be read (should not happen with os.Getenv, but keeps NewConfigHolder
// construction total).
func DefaultEnv() Env {
	return Env{}
}

// Loader loads and validates AppConfig from an optional TOML file, layered
// over DefaultAppConfig.
type Loader struct {
	configPath string
}

// NewLoader builds a Loader reading from configPath. An empty configPath
// means "file-less": Load returns DefaultAppConfig unchanged.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads and validates the configuration file, if one is configured.
func (l *Loader) Load() (AppConfig, error) {
	cfg := DefaultAppConfig()
	if l.configPath == "" {
		return cfg, nil
	}

	logger := log.WithComponent("config")
	data, err := os.ReadFile(l.configPath) // #nosec G304 -- operator-supplied config path
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug().Str("path", l.configPath).Msg("no config file present, using defaults")
			return cfg, nil
		}
		return AppConfig{}, fmt.Errorf("read config %s: %w", l.configPath, err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse config %s: %w", l.configPath, err)
	}

	if err := Validate(cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate checks an AppConfig for internally consistent, usable values.
func Validate(cfg AppConfig) error {
	if cfg.ProxyPortRangeMin <= 0 || cfg.ProxyPortRangeMax <= 0 {
		return fmt.Errorf("proxy port range must be positive")
	}
	if cfg.ProxyPortRangeMin > cfg.ProxyPortRangeMax {
		return fmt.Errorf("proxy_port_range_min (%d) exceeds proxy_port_range_max (%d)", cfg.ProxyPortRangeMin, cfg.ProxyPortRangeMax)
	}
	if cfg.ScrollbackBytes <= 0 {
		return fmt.Errorf("scrollback_bytes must be positive, got %d", cfg.ScrollbackBytes)
	}
	if cfg.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("max_concurrent_sessions must be positive, got %d", cfg.MaxConcurrentSessions)
	}
	if cfg.HTTPListenAddr == "" && cfg.WSListenAddr == "" && cfg.IPCSocketPath == "" {
		return fmt.Errorf("at least one transport (http, ws, or ipc) must be configured")
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	return nil
}
